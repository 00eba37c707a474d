// Package engine defines the contract between a tlspump.Stream and the record
// engine it drives.
//
// An engine is synchronous: it never touches the network. While it is being
// stepped it pulls input and pushes output through Callbacks, which only move
// bytes between in-memory buffers. When an engine needs input that is not
// buffered yet, Callbacks.ReadRecord records the request and returns
// wantMore, and the engine returns to the pump, which fetches the bytes from
// the transport and steps the engine again.
package engine

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// Status is the progress of an operation as seen by the engine.
type Status int

// Operation statuses.
const (
	// StatusInitialize is only passed on the first step of an operation.
	StatusInitialize Status = iota
	// StatusContinue asks the engine to make progress with the input buffered so far.
	StatusContinue
	// StatusReadDone tells the engine the transport reached end of data.
	// The engine decides whether this is fatal for the current operation.
	StatusReadDone
	// StatusComplete is terminal.
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusInitialize:
		return "initialize"
	case StatusContinue:
		return "continue"
	case StatusReadDone:
		return "read_done"
	case StatusComplete:
		return "complete"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Callbacks is the record I/O contract offered by the pump.
// Both functions are only valid while the engine is being stepped and never block.
type Callbacks interface {
	// ReadRecord copies buffered input into b.
	// When nothing is buffered it registers a request for len(b) bytes and
	// returns 0 with wantMore set. wantMore is false once the transport has
	// reached end of data and the buffered input is exhausted.
	ReadRecord(b []byte) (n int, wantMore bool)
	// WriteRecord queues b for the transport. It always accepts all bytes.
	WriteRecord(b []byte) int
}

// Engine is a record protocol engine stepped by the pump.
type Engine interface {
	// StartHandshake begins the handshake. A client queues its first flight here.
	StartHandshake() error
	// StepHandshake advances the handshake and returns StatusComplete once it
	// has finished, or StatusContinue while it waits for more input.
	StepHandshake(status Status) (Status, error)
	// Read decrypts buffered records into b. wantMore reports that no
	// application data is available until more input has been fetched.
	Read(b []byte) (n int, wantMore bool, err error)
	// Write encrypts data from b into records. It returns the number of bytes
	// consumed; wantMore asks for another pass even when b was consumed.
	Write(b []byte) (n int, wantMore bool, err error)
	// Shutdown queues the closure notification.
	Shutdown() error
	// Renegotiate starts a new key exchange on an established connection.
	// The pump then steps it through StepHandshake.
	Renegotiate() error
	// CanRenegotiate reports whether Renegotiate is supported in the current state.
	CanRenegotiate() bool
	// ConnectionState returns details about the connection.
	ConnectionState() ConnectionState
	// Close releases the engine. It is called exactly once.
	Close() error
}

// ConnectionState records basic details about an engine connection.
type ConnectionState struct {
	HandshakeComplete  bool
	IsServer           bool
	Protocol           string // engine protocol name and version, e.g. "sealed/1"
	Version            uint16
	CipherSuite        uint16
	NegotiatedProtocol string // application protocol selected during the handshake
	ServerName         string
	PeerCertificates   []*x509.Certificate
	LocalCertificate   *x509.Certificate
}

// Options describes the side of the connection an engine is created for.
type Options struct {
	IsServer   bool
	ServerName string
	// Certificate is the server certificate. Clients take theirs from TLS.Certificates.
	Certificate               *tls.Certificate
	ClientCertificateRequired bool
	// TLS carries the remaining settings (NextProtos, Rand, Time, CipherSuites,
	// KeyLogWriter, VerifyPeerCertificate). It may be nil.
	TLS *tls.Config
}

// Factory creates an engine bound to the given callbacks.
type Factory func(cb Callbacks, opts *Options) (Engine, error)
