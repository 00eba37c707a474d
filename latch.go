package tlspump

import "sync/atomic"

// latch holds the first fault of a stream. It is never cleared.
type latch struct {
	err atomic.Pointer[Error]
}

// set latches err unless a fault is already latched.
// It returns the latched fault and whether it is err.
func (l *latch) set(err *Error) (*Error, bool) {
	if l.err.CompareAndSwap(nil, err) {
		return err, true
	}
	return l.err.Load(), false
}

// load returns the latched fault or nil.
func (l *latch) load() *Error {
	return l.err.Load()
}
