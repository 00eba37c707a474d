package tlspump

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Transport is the byte stream a Stream runs on.
// A read returning no data with io.EOF, or with a nil error, is end of data.
//
// A transport may also implement io.Closer, closed when the Stream is closed,
// and SetReadDeadline/SetWriteDeadline, used to interrupt blocked calls when
// an operation context is done. net.Conn implements all of them.
type Transport = io.ReadWriter

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// aLongTimeAgo is a non-zero time, far in the past, used for immediate
// cancellation of blocked transport calls.
var aLongTimeAgo = time.Unix(1, 0)

var errNoDeadline = errors.New("transport does not support deadlines")

// interrupt unblocks pending transport calls in the given directions.
func interrupt(t Transport, read, write bool) {
	if read {
		if d, ok := t.(readDeadliner); ok {
			d.SetReadDeadline(aLongTimeAgo)
		}
	}
	if write {
		if d, ok := t.(writeDeadliner); ok {
			d.SetWriteDeadline(aLongTimeAgo)
		}
	}
}

// restore clears the deadlines an interrupt set in the given directions.
func restore(t Transport, read, write bool) {
	if read {
		setReadDeadline(t, time.Time{})
	}
	if write {
		setWriteDeadline(t, time.Time{})
	}
}

func closeTransport(t Transport) error {
	if c, ok := t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func localAddr(t Transport) net.Addr {
	if c, ok := t.(interface{ LocalAddr() net.Addr }); ok {
		return c.LocalAddr()
	}
	return nil
}

func remoteAddr(t Transport) net.Addr {
	if c, ok := t.(interface{ RemoteAddr() net.Addr }); ok {
		return c.RemoteAddr()
	}
	return nil
}

func setReadDeadline(t Transport, tm time.Time) error {
	if d, ok := t.(readDeadliner); ok {
		return d.SetReadDeadline(tm)
	}
	return errNoDeadline
}

func setWriteDeadline(t Transport, tm time.Time) error {
	if d, ok := t.(writeDeadliner); ok {
		return d.SetWriteDeadline(tm)
	}
	return errNoDeadline
}
