package tlspump

import "github.com/goburrow/tlspump/engine"

// recordLayer is the engine view of a Stream.
// The engine only calls it while being stepped, with Stream.mu held.
type recordLayer Stream

var _ engine.Callbacks = (*recordLayer)(nil)

// ReadRecord copies buffered input into b, or registers a request for
// len(b) bytes when nothing is buffered.
func (r *recordLayer) ReadRecord(b []byte) (int, bool) {
	s := (*Stream)(r)
	op := s.stepping
	if op == nil {
		return 0, false
	}
	if !op.kind.reads() {
		// The inbound region belongs to the read operation.
		if op.fault == nil {
			op.fault = misuse(op.name(), errEngineRead)
		}
		return 0, false
	}
	in := &s.inbound
	if in.remaining() == 0 {
		if in.complete {
			return 0, false
		}
		op.requestRead(len(b))
		return 0, true
	}
	n := copy(b, in.bytes())
	in.consume(n)
	return n, !in.complete && n < len(b)
}

// WriteRecord queues b for the transport.
func (r *recordLayer) WriteRecord(b []byte) int {
	s := (*Stream)(r)
	op := s.stepping
	if op == nil {
		return 0
	}
	if err := s.outbound.appendData(b); err != nil {
		if op.fault == nil {
			op.fault = newError(KindIO, op.name(), err)
		}
		return 0
	}
	op.requestWrite()
	return len(b)
}
