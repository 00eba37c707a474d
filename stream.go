package tlspump

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/tlspump/engine"
)

// Stream runs a record engine over a transport.
// Read and Write may be called concurrently with each other, but not with
// another call of the same kind or with a handshake or renegotiation.
// Shutdown counts as a write.
//
// Stream implements net.Conn interface.
type Stream struct {
	transport Transport
	config    *Config
	logger    Logger

	// mu guards the engine and the regions while the engine is stepped.
	mu       sync.Mutex
	engine   engine.Engine
	stepping *operation
	isServer bool
	inbound  region // owned by the read slot
	outbound region // empty whenever mu is released
	flusher  flusher

	latch       latch
	handshakeOp atomic.Pointer[operation]
	readOp      atomic.Pointer[operation]
	writeOp     atomic.Pointer[operation]

	authenticated atomic.Bool
	shutdown      atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

var (
	_ net.Conn = (*Stream)(nil)
)

// New creates a stream on the transport. config may be nil.
// The stream owns the transport unless config.LeaveTransportOpen is set.
func New(transport Transport, config *Config) *Stream {
	s := &Stream{
		transport: transport,
		config:    config.withDefaults(),
	}
	s.logger = s.config.Logger
	s.inbound.init(s.config.InitialBufferSize, s.config.MaxBufferSize)
	s.outbound.init(s.config.InitialBufferSize, s.config.MaxBufferSize)
	s.flusher.init()
	return s
}

// AuthenticateAsClient performs the client handshake.
func (s *Stream) AuthenticateAsClient(targetHost string) error {
	return s.authenticate(context.Background(), s.clientOptions(targetHost), true)
}

// AuthenticateAsClientContext performs the client handshake until ctx is done.
func (s *Stream) AuthenticateAsClientContext(ctx context.Context, targetHost string) error {
	return s.authenticate(ctx, s.clientOptions(targetHost), false)
}

// AuthenticateAsServer performs the server handshake. When cert is nil the
// engine takes the certificate from Config.TLS.
func (s *Stream) AuthenticateAsServer(cert *tls.Certificate, clientCertificateRequired bool) error {
	return s.authenticate(context.Background(), s.serverOptions(cert, clientCertificateRequired), true)
}

// AuthenticateAsServerContext performs the server handshake until ctx is done.
func (s *Stream) AuthenticateAsServerContext(ctx context.Context, cert *tls.Certificate, clientCertificateRequired bool) error {
	return s.authenticate(ctx, s.serverOptions(cert, clientCertificateRequired), false)
}

func (s *Stream) clientOptions(targetHost string) *engine.Options {
	return &engine.Options{
		ServerName: targetHost,
		TLS:        s.config.TLS,
	}
}

func (s *Stream) serverOptions(cert *tls.Certificate, clientCertificateRequired bool) *engine.Options {
	return &engine.Options{
		IsServer:                  true,
		Certificate:               cert,
		ClientCertificateRequired: clientCertificateRequired,
		TLS:                       s.config.TLS,
	}
}

func (s *Stream) authenticate(ctx context.Context, opts *engine.Options, sync bool) error {
	if err := s.latch.load(); err != nil {
		return err
	}
	if s.authenticated.Load() {
		return misuse(opHandshake.String(), ErrAlreadyAuthenticated)
	}
	op := newOperation(s, opHandshake, sync)
	if err := s.claim(op); err != nil {
		return err
	}
	defer s.release(op)
	if err := s.createEngine(op, opts); err != nil {
		return err
	}
	if err := s.run(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	s.authenticated.Store(true)
	s.mu.Unlock()
	state := s.ConnectionState()
	s.logger.Log(LevelInfo, "handshake_completed addr=%v server=%t protocol=%s alpn=%s",
		remoteAddr(s.transport), state.IsServer, state.Protocol, state.NegotiatedProtocol)
	return nil
}

func (s *Stream) createEngine(op *operation, opts *engine.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.latch.load(); err != nil {
		return err
	}
	if s.engine != nil {
		return misuse(op.name(), ErrAlreadyAuthenticated)
	}
	eng, err := s.config.Engine((*recordLayer)(s), opts)
	if err != nil {
		return s.fail(op, engineFault(op.name(), err))
	}
	s.engine = eng
	s.isServer = opts.IsServer
	return nil
}

// Read reads decrypted application data into b.
// It returns as soon as any data is available. At the end of data it
// returns io.EOF.
func (s *Stream) Read(b []byte) (int, error) {
	return s.read(context.Background(), b, true)
}

// ReadContext is Read, abandoned when ctx is done.
func (s *Stream) ReadContext(ctx context.Context, b []byte) (int, error) {
	return s.read(ctx, b, false)
}

func (s *Stream) read(ctx context.Context, b []byte, sync bool) (int, error) {
	if err := s.latch.load(); err != nil {
		return 0, err
	}
	if !s.authenticated.Load() {
		return 0, misuse(opRead.String(), ErrNotAuthenticated)
	}
	if len(b) == 0 {
		return 0, nil
	}
	op := newOperation(s, opRead, sync)
	op.user = b
	if err := s.claim(op); err != nil {
		return 0, err
	}
	defer s.release(op)
	if err := s.run(ctx, op); err != nil {
		return 0, err
	}
	if op.result == 0 {
		return 0, io.EOF
	}
	return op.result, nil
}

// Write encrypts b and writes it to the transport.
func (s *Stream) Write(b []byte) (int, error) {
	return s.write(context.Background(), b, true)
}

// WriteContext is Write, abandoned when ctx is done.
func (s *Stream) WriteContext(ctx context.Context, b []byte) (int, error) {
	return s.write(ctx, b, false)
}

func (s *Stream) write(ctx context.Context, b []byte, sync bool) (int, error) {
	if err := s.latch.load(); err != nil {
		return 0, err
	}
	if !s.authenticated.Load() {
		return 0, misuse(opWrite.String(), ErrNotAuthenticated)
	}
	if s.shutdown.Load() {
		return 0, misuse(opWrite.String(), ErrShutdown)
	}
	if len(b) == 0 {
		return 0, nil
	}
	op := newOperation(s, opWrite, sync)
	op.user = b
	if err := s.claim(op); err != nil {
		return 0, err
	}
	defer s.release(op)
	if err := s.run(ctx, op); err != nil {
		return 0, err
	}
	return op.result, nil
}

// Shutdown sends the closure notification. Writing is refused afterwards
// but reading continues until the peer closes.
func (s *Stream) Shutdown() error {
	return s.simple(context.Background(), opShutdown, true)
}

// ShutdownContext is Shutdown, abandoned when ctx is done.
func (s *Stream) ShutdownContext(ctx context.Context) error {
	return s.simple(ctx, opShutdown, false)
}

// Renegotiate refreshes the connection keys.
func (s *Stream) Renegotiate() error {
	return s.simple(context.Background(), opRenegotiate, true)
}

// RenegotiateContext is Renegotiate, abandoned when ctx is done.
func (s *Stream) RenegotiateContext(ctx context.Context) error {
	return s.simple(ctx, opRenegotiate, false)
}

// simple runs an operation without user data.
func (s *Stream) simple(ctx context.Context, kind opKind, sync bool) error {
	if err := s.latch.load(); err != nil {
		return err
	}
	if !s.authenticated.Load() {
		return misuse(kind.String(), ErrNotAuthenticated)
	}
	if kind == opShutdown && s.shutdown.Load() {
		return misuse(kind.String(), ErrShutdown)
	}
	op := newOperation(s, kind, sync)
	if err := s.claim(op); err != nil {
		return err
	}
	defer s.release(op)
	if kind == opRenegotiate && !s.CanRenegotiate() {
		return misuse(kind.String(), ErrRenegotiationUnsupported)
	}
	return s.run(ctx, op)
}

// slots returns the slots an operation of the kind occupies.
func (s *Stream) slots(kind opKind) []*atomic.Pointer[operation] {
	if kind.exclusive() {
		return []*atomic.Pointer[operation]{&s.handshakeOp, &s.readOp, &s.writeOp}
	}
	if kind == opRead {
		return []*atomic.Pointer[operation]{&s.readOp}
	}
	return []*atomic.Pointer[operation]{&s.writeOp}
}

func (s *Stream) claim(op *operation) *Error {
	slots := s.slots(op.kind)
	for i, slot := range slots {
		if !slot.CompareAndSwap(nil, op) {
			for _, claimed := range slots[:i] {
				claimed.CompareAndSwap(op, nil)
			}
			return misuse(op.name(), ErrNestedCall)
		}
	}
	return nil
}

func (s *Stream) release(op *operation) {
	for _, slot := range s.slots(op.kind) {
		slot.CompareAndSwap(op, nil)
	}
}

// run drives the operation with clean regions.
func (s *Stream) run(ctx context.Context, op *operation) error {
	s.logger.Log(LevelDebug, "operation_started id=%d op=%s sync=%t", op.id, op.kind, op.sync)
	s.resetRegions(op.kind)
	err := op.run(ctx)
	s.resetRegions(op.kind)
	if err != nil {
		return s.fail(op, err)
	}
	s.logger.Log(LevelDebug, "operation_completed id=%d op=%s result=%d", op.id, op.kind, op.result)
	return nil
}

func (s *Stream) resetRegions(kind opKind) {
	if kind.reads() {
		s.inbound.reset(false)
	}
	if kind != opRead {
		s.mu.Lock()
		s.outbound.reset(true)
		s.mu.Unlock()
	}
}

// fail latches err and returns the error the caller should see.
func (s *Stream) fail(op *operation, err *Error) error {
	latched, ok := s.latch.set(err)
	if ok {
		s.logger.Log(LevelError, "operation_failed id=%d op=%s kind=%s error=%v", op.id, op.kind, err.Kind, err.Err)
	}
	if latched.Kind == KindDisposed {
		return latched
	}
	return err
}

func (s *Stream) disposedError(op *operation) *Error {
	if err := s.latch.load(); err != nil {
		return err
	}
	return newError(KindDisposed, op.name(), ErrDisposed)
}

// innerRead reads the bytes requested by the engine into the inbound region.
// It returns the number of bytes read, 0 at the end of data, or -1 when the
// transport ended after the operation had already received data.
func (s *Stream) innerRead(ctx context.Context, op *operation) (int, *Error) {
	want := op.requestedSize
	op.requestedSize = 0
	in := &s.inbound
	if in.complete {
		return endOfData(in), nil
	}
	if err := in.makeRoom(want); err != nil {
		return 0, newError(KindIO, op.name(), err)
	}
	total := 0
	for total < want {
		n, err := s.transport.Read(in.tail()[:want-total])
		if n > 0 {
			in.commit(n)
			total += n
		}
		if err == nil && n > 0 {
			continue
		}
		if err != nil && err != io.EOF {
			return 0, transportFault(ctx, op.name(), err)
		}
		in.complete = true
		if total < want {
			return endOfData(in), nil
		}
	}
	s.logger.Log(LevelTrace, "transport_read id=%d op=%s length=%d", op.id, op.kind, total)
	return total, nil
}

func endOfData(in *region) int {
	if in.totalBytes > 0 {
		return -1
	}
	return 0
}

// detachOutbound takes the bytes queued during a step. It must be called
// with mu held.
func (s *Stream) detachOutbound(op *operation) batch {
	if !op.writeRequested {
		return batch{}
	}
	op.writeRequested = false
	if s.outbound.remaining() == 0 {
		return batch{}
	}
	data := make([]byte, s.outbound.remaining())
	copy(data, s.outbound.bytes())
	s.outbound.reset(false)
	return batch{
		data:   data,
		ticket: s.flusher.enqueue(),
	}
}

func (s *Stream) flush(ctx context.Context, op *operation, b batch) *Error {
	n, err := flush(ctx, s.transport, b)
	if err != nil {
		return transportFault(ctx, op.name(), err)
	}
	s.logger.Log(LevelTrace, "transport_write id=%d op=%s length=%d", op.id, op.kind, n)
	return nil
}

// Close disposes the engine and closes the transport unless
// Config.LeaveTransportOpen is set, in which case blocked transport calls are
// interrupted through the transport deadlines. Pending operations fail with
// ErrDisposed.
// Close does not send the closure notification, see Shutdown.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.latch.set(newError(KindDisposed, "close", ErrDisposed))
		s.mu.Lock()
		eng := s.engine
		s.engine = nil
		s.mu.Unlock()
		if eng != nil {
			s.closeErr = eng.Close()
		}
		if s.config.LeaveTransportOpen {
			// Pending transport calls fail and report the latched error.
			// The caller resets the deadlines before reusing the transport.
			interrupt(s.transport, true, true)
		} else if err := closeTransport(s.transport); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		s.logger.Log(LevelDebug, "stream_closed addr=%v", remoteAddr(s.transport))
	})
	return s.closeErr
}

// ConnectionState returns details about the connection.
func (s *Stream) ConnectionState() engine.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return engine.ConnectionState{IsServer: s.isServer}
	}
	return s.engine.ConnectionState()
}

// IsAuthenticated reports whether the handshake completed and the stream has
// not failed since.
func (s *Stream) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAuthenticated()
}

func (s *Stream) isAuthenticated() bool {
	return s.engine != nil && s.authenticated.Load() && s.latch.load() == nil
}

// IsMutuallyAuthenticated reports whether both peers presented a certificate.
func (s *Stream) IsMutuallyAuthenticated() bool {
	if !s.IsAuthenticated() {
		return false
	}
	state := s.ConnectionState()
	return len(state.PeerCertificates) > 0 && (state.IsServer || state.LocalCertificate != nil)
}

// IsServer reports whether the stream authenticated as a server.
func (s *Stream) IsServer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isServer
}

// Protocol returns the engine protocol name.
func (s *Stream) Protocol() string {
	return s.ConnectionState().Protocol
}

// NegotiatedProtocol returns the application protocol selected in the handshake.
func (s *Stream) NegotiatedProtocol() string {
	return s.ConnectionState().NegotiatedProtocol
}

// RemoteCertificate returns the peer leaf certificate or nil.
func (s *Stream) RemoteCertificate() *x509.Certificate {
	certs := s.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

// LocalCertificate returns the certificate sent to the peer or nil.
func (s *Stream) LocalCertificate() *x509.Certificate {
	return s.ConnectionState().LocalCertificate
}

// CanRenegotiate reports whether Renegotiate is supported now.
func (s *Stream) CanRenegotiate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAuthenticated() && s.engine.CanRenegotiate()
}

// LocalAddr returns the local address of the transport, if known.
func (s *Stream) LocalAddr() net.Addr {
	return localAddr(s.transport)
}

// RemoteAddr returns the remote address of the transport, if known.
func (s *Stream) RemoteAddr() net.Addr {
	return remoteAddr(s.transport)
}

// SetDeadline sets the read and write deadlines of the transport.
// An operation failing on a deadline latches a timeout error.
func (s *Stream) SetDeadline(t time.Time) error {
	if err := setReadDeadline(s.transport, t); err != nil {
		return err
	}
	return setWriteDeadline(s.transport, t)
}

// SetReadDeadline sets the read deadline of the transport.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return setReadDeadline(s.transport, t)
}

// SetWriteDeadline sets the write deadline of the transport.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	return setWriteDeadline(s.transport, t)
}
