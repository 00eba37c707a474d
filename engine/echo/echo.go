// Package echo provides a plaintext engine for tests and loopback tooling.
//
// Records are framed as type(1) | length(2) | payload. The handshake is a
// single hello exchange and no data is protected.
package echo

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/goburrow/tlspump/engine"
)

// Protocol is the name reported in the connection state.
const Protocol = "echo/1"

// MaxPayload is the largest payload carried by one record.
const MaxPayload = 4096

const headerLen = 3

type recordType uint8

const (
	recordHello recordType = iota + 1
	recordHelloReply
	recordData
	recordClose
	recordKeyUpdate
)

var errUnexpectedRecord = errors.New("echo: unexpected record")

type stage uint8

const (
	stageStart stage = iota
	stageHandshaking
	stageEstablished
	stageRenegotiating
)

// Engine is the echo engine. Use New to create one.
type Engine struct {
	cb   engine.Callbacks
	opts engine.Options

	stage      stage
	in         engine.RecordBuffer
	pending    []byte // received data not delivered yet
	peerClosed bool
	closed     bool
	keyUpdates int
}

var _ engine.Engine = (*Engine)(nil)

// New creates an echo engine. It implements engine.Factory.
func New(cb engine.Callbacks, opts *engine.Options) (engine.Engine, error) {
	if cb == nil || opts == nil {
		return nil, errors.New("echo: callbacks and options required")
	}
	return &Engine{
		cb:   cb,
		opts: *opts,
	}, nil
}

// StartHandshake queues the client hello. The server waits for it.
func (s *Engine) StartHandshake() error {
	if s.stage != stageStart {
		return errors.New("echo: handshake already started")
	}
	s.stage = stageHandshaking
	if !s.opts.IsServer {
		s.writeRecord(recordHello, []byte(s.opts.ServerName))
	}
	return nil
}

// StepHandshake waits for the peer hello or its reply.
func (s *Engine) StepHandshake(status engine.Status) (engine.Status, error) {
	switch s.stage {
	case stageEstablished:
		return engine.StatusComplete, nil
	case stageRenegotiating:
		// The key update has no reply.
		s.stage = stageEstablished
		return engine.StatusComplete, nil
	case stageHandshaking:
	default:
		return status, errors.New("echo: handshake not started")
	}
	typ, payload, err := s.readRecord()
	if err != nil {
		if err == engine.ErrWantRead {
			return engine.StatusContinue, nil
		}
		return status, errors.Wrap(err, "echo: handshake")
	}
	if s.opts.IsServer {
		if typ != recordHello {
			return status, errors.Wrapf(errUnexpectedRecord, "type=%d", typ)
		}
		s.opts.ServerName = string(payload)
		s.writeRecord(recordHelloReply, nil)
	} else if typ != recordHelloReply {
		return status, errors.Wrapf(errUnexpectedRecord, "type=%d", typ)
	}
	s.stage = stageEstablished
	return engine.StatusComplete, nil
}

// Read delivers the payload of at most one data record.
func (s *Engine) Read(b []byte) (int, bool, error) {
	if s.stage != stageEstablished {
		return 0, false, errors.New("echo: handshake not complete")
	}
	for len(s.pending) == 0 {
		if s.peerClosed {
			return 0, false, nil
		}
		typ, payload, err := s.readRecord()
		if err != nil {
			switch err {
			case engine.ErrWantRead:
				return 0, true, nil
			case io.EOF:
				s.peerClosed = true
				return 0, false, nil
			default:
				return 0, false, errors.Wrap(err, "echo: read")
			}
		}
		switch typ {
		case recordData:
			s.pending = append(s.pending[:0], payload...)
		case recordClose:
			s.peerClosed = true
		case recordKeyUpdate:
			s.keyUpdates++
		default:
			return 0, false, errors.Wrapf(errUnexpectedRecord, "type=%d", typ)
		}
	}
	n := copy(b, s.pending)
	s.pending = s.pending[n:]
	return n, false, nil
}

// Write frames up to MaxPayload bytes of b into one record.
func (s *Engine) Write(b []byte) (int, bool, error) {
	if s.stage != stageEstablished {
		return 0, false, errors.New("echo: handshake not complete")
	}
	if s.closed {
		return 0, false, errors.New("echo: write after close")
	}
	n := len(b)
	if n > MaxPayload {
		n = MaxPayload
	}
	s.writeRecord(recordData, b[:n])
	return n, false, nil
}

// Shutdown queues the close record.
func (s *Engine) Shutdown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.writeRecord(recordClose, nil)
	return nil
}

// Renegotiate sends a key update record which the peer ignores.
func (s *Engine) Renegotiate() error {
	if !s.CanRenegotiate() {
		return errors.New("echo: cannot renegotiate")
	}
	s.stage = stageRenegotiating
	s.writeRecord(recordKeyUpdate, nil)
	return nil
}

// CanRenegotiate reports whether the handshake has completed and the engine is not closed.
func (s *Engine) CanRenegotiate() bool {
	return s.stage == stageEstablished && !s.closed
}

// ConnectionState returns the handshake status.
func (s *Engine) ConnectionState() engine.ConnectionState {
	return engine.ConnectionState{
		HandshakeComplete: s.stage == stageEstablished || s.stage == stageRenegotiating,
		IsServer:          s.opts.IsServer,
		Protocol:          Protocol,
		ServerName:        s.opts.ServerName,
	}
}

// KeyUpdates returns the number of key updates received from the peer.
func (s *Engine) KeyUpdates() int {
	return s.keyUpdates
}

// Close drops buffered data.
func (s *Engine) Close() error {
	s.pending = nil
	s.in.Reset()
	return nil
}

func (s *Engine) writeRecord(typ recordType, payload []byte) {
	b := make([]byte, headerLen+len(payload))
	b[0] = byte(typ)
	binary.BigEndian.PutUint16(b[1:], uint16(len(payload)))
	copy(b[headerLen:], payload)
	s.cb.WriteRecord(b)
}

// readRecord returns the next complete record. The payload is only valid until
// the next call.
func (s *Engine) readRecord() (recordType, []byte, error) {
	if err := s.in.Fill(s.cb, headerLen); err != nil {
		return 0, nil, err
	}
	hdr := s.in.Bytes()
	length := int(binary.BigEndian.Uint16(hdr[1:]))
	if length > MaxPayload {
		return 0, nil, errors.Errorf("echo: record too large: %d", length)
	}
	if err := s.in.Fill(s.cb, headerLen+length); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	b := s.in.Bytes()
	s.in.Reset()
	return recordType(b[0]), b[headerLen:], nil
}
