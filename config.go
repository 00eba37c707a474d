// Package tlspump drives a record protocol engine over a byte stream.
//
// A Stream owns a transport (usually a net.Conn) and an engine created when
// the stream is authenticated. Every public operation runs a drive loop that
// alternates between reading exactly the bytes the engine asked for, stepping
// the engine and flushing the records it produced, until the engine reports
// completion. Operations come in a blocking form (Read, Write, ...) and a form
// taking a context (ReadContext, WriteContext, ...).
//
// The first fault is latched: every later operation on the stream fails with
// it. Close disposes the engine and latches ErrDisposed.
package tlspump

import (
	"crypto/tls"

	"github.com/goburrow/tlspump/engine"
	"github.com/goburrow/tlspump/engine/sealed"
)

const (
	// DefaultInitialBufferSize is the initial capacity of the outbound region.
	// It holds one full record.
	DefaultInitialBufferSize = 16384

	// Buffered records are not under flow control, but we still enforce a hard limit.
	DefaultMaxBufferSize = 1 << 20
)

// Config is a Stream configuration.
// Zero fields take their defaults from NewConfig.
type Config struct {
	// Engine creates the record engine when the stream is authenticated.
	Engine engine.Factory
	// TLS is passed to the engine. The engine decides which fields apply.
	TLS *tls.Config

	InitialBufferSize int
	MaxBufferSize     int

	// LeaveTransportOpen keeps the transport open when the stream is closed.
	LeaveTransportOpen bool

	Logger Logger
}

// NewConfig creates a default configuration using the sealed engine.
func NewConfig() *Config {
	return &Config{
		Engine:            sealed.New,
		InitialBufferSize: DefaultInitialBufferSize,
		MaxBufferSize:     DefaultMaxBufferSize,
		Logger:            LeveledLogger(LevelInfo),
	}
}

// withDefaults returns a copy of c with zero fields set to defaults.
func (c *Config) withDefaults() *Config {
	d := NewConfig()
	if c == nil {
		return d
	}
	cfg := *c
	if cfg.Engine == nil {
		cfg.Engine = d.Engine
	}
	if cfg.InitialBufferSize <= 0 {
		cfg.InitialBufferSize = d.InitialBufferSize
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = d.MaxBufferSize
	}
	if cfg.MaxBufferSize < cfg.InitialBufferSize {
		cfg.MaxBufferSize = cfg.InitialBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = d.Logger
	}
	return &cfg
}
