package tlspump

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/goburrow/tlspump/engine"
)

type opKind uint8

const (
	opHandshake opKind = iota
	opRead
	opWrite
	opShutdown
	opRenegotiate
)

func (k opKind) String() string {
	switch k {
	case opHandshake:
		return "handshake"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opShutdown:
		return "shutdown"
	case opRenegotiate:
		return "renegotiate"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// reads reports whether the engine may consume input for this kind.
func (k opKind) reads() bool {
	return k == opHandshake || k == opRead || k == opRenegotiate
}

// exclusive reports whether the kind occupies every slot of the stream.
func (k opKind) exclusive() bool {
	return k == opHandshake || k == opRenegotiate
}

var operationID atomic.Uint64

// operation is one call into the stream. It is never reused.
type operation struct {
	id     uint64
	kind   opKind
	stream *Stream
	// sync records whether a blocking form started the operation.
	// Both forms run the same loop, it is only reported in logs.
	sync bool

	// requestedSize is the number of bytes the engine asked for during the
	// last step. They are read before the next step.
	requestedSize int
	// writeRequested is set when the engine queued output during the step.
	writeRequested bool

	// user is the caller buffer. Writes advance it as the engine accepts bytes.
	user   []byte
	result int
	status engine.Status
	// fault is set by the callbacks when the engine misbehaves during a step.
	fault *Error
}

func newOperation(s *Stream, kind opKind, sync bool) *operation {
	return &operation{
		id:     operationID.Add(1),
		kind:   kind,
		stream: s,
		sync:   sync,
		status: engine.StatusInitialize,
	}
}

func (op *operation) name() string {
	return op.kind.String()
}

func (op *operation) requestRead(n int) {
	op.requestedSize += n
}

func (op *operation) requestWrite() {
	op.writeRequested = true
}

// run drives the engine until the operation completes.
// Each iteration reads what the engine requested, steps the engine and
// flushes its output before the next read.
func (op *operation) run(ctx context.Context) *Error {
	s := op.stream
	if ctx.Done() != nil {
		read, write := op.kind.reads(), op.kind != opRead
		interrupted := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(interrupted)
			interrupt(s.transport, read, write)
		})
		defer func() {
			if !stop() {
				// The interrupt fired. Its deadlines must not outlive the operation,
				// which may have completed after the last transport call.
				<-interrupted
				restore(s.transport, read, write)
			}
		}()
	}
	for op.status != engine.StatusComplete {
		if err := ctx.Err(); err != nil {
			return newError(KindCanceled, op.name(), err)
		}
		if err := s.latch.load(); err != nil {
			return err
		}
		if op.requestedSize > 0 {
			n, err := s.innerRead(ctx, op)
			if err != nil {
				return err
			}
			if n == 0 {
				op.status = engine.StatusReadDone
			} else if n < 0 {
				return newError(KindIO, op.name(), ErrPrematureClose)
			}
		}
		b, err := op.step()
		if b.data != nil {
			// Output queued by a failed step, such as an alert, still goes out.
			if ferr := s.flush(ctx, op, b); ferr != nil && err == nil {
				err = ferr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// step advances the engine once with the stream lock held and detaches the
// output it queued.
func (op *operation) step() (batch, *Error) {
	s := op.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	eng := s.engine
	if eng == nil {
		return batch{}, s.disposedError(op)
	}
	s.stepping = op
	err := op.stepEngine(eng)
	s.stepping = nil
	var fault *Error
	if op.fault != nil {
		fault = op.fault
	} else if err != nil {
		fault = engineFault(op.name(), err)
	}
	return s.detachOutbound(op), fault
}

func (op *operation) stepEngine(eng engine.Engine) error {
	switch op.kind {
	case opHandshake, opRenegotiate:
		if op.status == engine.StatusInitialize {
			var err error
			if op.kind == opHandshake {
				err = eng.StartHandshake()
			} else {
				err = eng.Renegotiate()
			}
			if err != nil {
				return err
			}
			op.status = engine.StatusContinue
			return nil
		}
		status, err := eng.StepHandshake(op.status)
		if err != nil {
			return err
		}
		if status == engine.StatusComplete {
			op.status = engine.StatusComplete
			return nil
		}
		if op.status == engine.StatusReadDone {
			return newError(KindIO, op.name(), ErrPrematureClose)
		}
		if op.requestedSize == 0 {
			return errEngineStalled
		}
		op.status = engine.StatusContinue
	case opRead:
		n, wantMore, err := eng.Read(op.user)
		if err != nil {
			return err
		}
		op.result = n
		// Complete as soon as any byte is delivered.
		if n == 0 && wantMore && op.status != engine.StatusReadDone {
			if op.requestedSize == 0 {
				return errEngineStalled
			}
			op.status = engine.StatusContinue
		} else {
			op.status = engine.StatusComplete
		}
	case opWrite:
		n, wantMore, err := eng.Write(op.user)
		if err != nil {
			return err
		}
		op.user = op.user[n:]
		op.result += n
		if len(op.user) == 0 && !wantMore {
			op.status = engine.StatusComplete
			return nil
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		op.status = engine.StatusContinue
	case opShutdown:
		if err := eng.Shutdown(); err != nil {
			return err
		}
		op.stream.shutdown.Store(true)
		op.status = engine.StatusComplete
	default:
		panic("tlspump: unknown operation " + op.name())
	}
	return nil
}
