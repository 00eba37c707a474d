package engine

import (
	"io"

	"github.com/pkg/errors"
)

// ErrWantRead is returned by RecordBuffer.Fill when the pump must fetch more input.
var ErrWantRead = errors.New("engine: want read")

// RecordBuffer accumulates one record across engine steps.
// It asks Callbacks for exactly the missing bytes, so the pump never reads
// past the end of the record from the transport.
type RecordBuffer struct {
	buf []byte
}

// Fill reads until the buffer holds at least n bytes.
// It returns ErrWantRead when the input is not buffered yet, io.EOF when the
// transport ended before the record started and io.ErrUnexpectedEOF when it
// ended in the middle of the record.
func (s *RecordBuffer) Fill(cb Callbacks, n int) error {
	s.grow(n)
	for len(s.buf) < n {
		i, wantMore := cb.ReadRecord(s.buf[len(s.buf):n])
		s.buf = s.buf[:len(s.buf)+i]
		if i > 0 {
			continue
		}
		if wantMore {
			return ErrWantRead
		}
		if len(s.buf) == 0 {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (s *RecordBuffer) grow(n int) {
	if cap(s.buf) >= n {
		return
	}
	// Round up n to a multiple of 512
	const m = 512
	n = (n + m - 1) &^ (m - 1)
	b := make([]byte, len(s.buf), n)
	copy(b, s.buf)
	s.buf = b
}

// Bytes returns the buffered bytes. The slice is only valid until Reset.
func (s *RecordBuffer) Bytes() []byte {
	return s.buf
}

// Len returns the number of buffered bytes.
func (s *RecordBuffer) Len() int {
	return len(s.buf)
}

// Reset discards the buffered record, keeping the storage.
func (s *RecordBuffer) Reset() {
	s.buf = s.buf[:0]
}
