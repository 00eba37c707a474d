package tlspump

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/goburrow/tlspump/engine"
	"github.com/goburrow/tlspump/engine/echo"
	"github.com/goburrow/tlspump/engine/sealed"
	"github.com/goburrow/tlspump/testdata"
)

func newTestConfig(factory engine.Factory) *Config {
	c := NewConfig()
	c.Engine = factory
	c.Logger = LeveledLogger(LevelOff)
	return c
}

func newEchoPair(t *testing.T) (*Stream, *Stream) {
	c, s := net.Pipe()
	return authenticatePair(t, New(c, newTestConfig(echo.New)), New(s, newTestConfig(echo.New)))
}

func authenticatePair(t *testing.T, client, server *Stream) (*Stream, *Stream) {
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	var g errgroup.Group
	g.Go(func() error {
		return client.AuthenticateAsClient("localhost")
	})
	g.Go(func() error {
		return server.AuthenticateAsServer(nil, false)
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	return client, server
}

// waitSlot waits until an operation occupies the slot.
func waitSlot(t *testing.T, slot interface{ Load() *operation }) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for slot.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamHandshake(t *testing.T) {
	c, s := net.Pipe()
	client := New(c, newTestConfig(echo.New))
	server := New(s, newTestConfig(echo.New))
	defer client.Close()
	defer server.Close()
	if client.IsAuthenticated() || server.IsAuthenticated() {
		t.Fatalf("expect not authenticated before handshake")
	}
	var g errgroup.Group
	g.Go(func() error {
		return client.AuthenticateAsClient("example.com")
	})
	g.Go(func() error {
		return server.AuthenticateAsServer(nil, false)
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !client.IsAuthenticated() || !server.IsAuthenticated() {
		t.Fatalf("expect authenticated after handshake")
	}
	if client.IsServer() || !server.IsServer() {
		t.Fatalf("expect server: %v %v, actual: %v %v", false, true, client.IsServer(), server.IsServer())
	}
	if client.Protocol() != echo.Protocol {
		t.Fatalf("expect protocol: %s, actual: %s", echo.Protocol, client.Protocol())
	}
	if name := server.ConnectionState().ServerName; name != "example.com" {
		t.Fatalf("expect server name: %s, actual: %s", "example.com", name)
	}
	if client.IsMutuallyAuthenticated() || client.RemoteCertificate() != nil {
		t.Fatalf("expect no certificates with echo engine")
	}
	// Only once.
	err := client.AuthenticateAsClient("example.com")
	if !errors.Is(err, ErrAlreadyAuthenticated) || KindOf(err) != KindMisuse {
		t.Fatalf("expect error: %v, actual: %v", ErrAlreadyAuthenticated, err)
	}
	if !client.IsAuthenticated() {
		t.Fatalf("expect misuse not to fail the stream")
	}
}

func TestStreamIsAuthenticatedLocked(t *testing.T) {
	client, _ := newEchoPair(t)
	client.mu.Lock()
	done := make(chan bool, 1)
	go func() {
		done <- client.IsAuthenticated()
	}()
	select {
	case <-done:
		client.mu.Unlock()
		t.Fatalf("expect query to wait for the engine lock")
	case <-time.After(20 * time.Millisecond):
	}
	client.mu.Unlock()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expect authenticated")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestStreamNotAuthenticated(t *testing.T) {
	tr := newRecordingTransport("")
	s := New(tr, newTestConfig(echo.New))
	_, err := s.Read(make([]byte, 1))
	if !errors.Is(err, ErrNotAuthenticated) || KindOf(err) != KindMisuse {
		t.Fatalf("expect error: %v, actual: %v", ErrNotAuthenticated, err)
	}
	_, err = s.Write([]byte("x"))
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expect error: %v, actual: %v", ErrNotAuthenticated, err)
	}
	if err = s.Shutdown(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expect error: %v, actual: %v", ErrNotAuthenticated, err)
	}
	if err = s.Renegotiate(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expect error: %v, actual: %v", ErrNotAuthenticated, err)
	}
	if s.latch.load() != nil {
		t.Fatalf("expect misuse not latched, actual: %v", s.latch.load())
	}
	if calls := tr.takeCalls(); len(calls) != 0 {
		t.Fatalf("expect no transport calls, actual: %v", calls)
	}
}

func TestStreamPartialRead(t *testing.T) {
	client, server := newEchoPair(t)
	data := bytes.Repeat([]byte("x"), 40)
	var g errgroup.Group
	g.Go(func() error {
		_, err := server.Write(data)
		return err
	})
	b := make([]byte, 100)
	n, err := client.Read(b)
	if n != 40 || err != nil {
		t.Fatalf("expect read: %v %v, actual: %v %v", 40, nil, n, err)
	}
	if err = g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[:n], data) {
		t.Fatalf("expect read: %s, actual: %s", data, b[:n])
	}
}

func TestStreamNestedCall(t *testing.T) {
	client, _ := newEchoPair(t)
	done := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 10))
		done <- err
	}()
	waitSlot(t, &client.readOp)
	_, err := client.Read(make([]byte, 10))
	if !errors.Is(err, ErrNestedCall) || KindOf(err) != KindMisuse {
		t.Fatalf("expect error: %v, actual: %v", ErrNestedCall, err)
	}
	// Renegotiation needs every slot.
	err = client.Renegotiate()
	if !errors.Is(err, ErrNestedCall) {
		t.Fatalf("expect error: %v, actual: %v", ErrNestedCall, err)
	}
	if client.writeOp.Load() != nil || client.handshakeOp.Load() != nil {
		t.Fatalf("expect partial claims rolled back")
	}
	if !client.IsAuthenticated() {
		t.Fatalf("expect nested call not to fail the stream")
	}
	client.Close()
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
	}
	if KindOf(err) != KindDisposed {
		t.Fatalf("expect disposed error, actual: %v", err)
	}
}

func TestStreamCloseDuringRead(t *testing.T) {
	client, _ := newEchoPair(t)
	done := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 10))
		done <- err
	}()
	waitSlot(t, &client.readOp)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
	}
	if !errors.Is(err, ErrDisposed) || KindOf(err) != KindDisposed {
		t.Fatalf("expect error: %v, actual: %v", ErrDisposed, err)
	}
	_, err2 := client.Read(make([]byte, 10))
	if err2 != err {
		t.Fatalf("expect error: %v, actual: %v", err, err2)
	}
	if err = client.Close(); err != nil {
		t.Fatalf("expect second close to succeed, actual: %v", err)
	}
	if client.IsAuthenticated() {
		t.Fatalf("expect closed stream not authenticated")
	}
}

func TestStreamCloseDuringReadLeaveTransportOpen(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	config := newTestConfig(echo.New)
	config.LeaveTransportOpen = true
	client, server := authenticatePair(t, New(c, config), New(s, newTestConfig(echo.New)))
	done := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 10))
		done <- err
	}()
	waitSlot(t, &client.readOp)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
	}
	if !errors.Is(err, ErrDisposed) || KindOf(err) != KindDisposed {
		t.Fatalf("expect error: %v, actual: %v", ErrDisposed, err)
	}
	// The transport still carries records once its deadlines are reset.
	if err = c.SetDeadline(time.Time{}); err != nil {
		t.Fatal(err)
	}
	var g errgroup.Group
	g.Go(func() error {
		_, err := server.Write([]byte("x"))
		return err
	})
	b := make([]byte, 4)
	if _, err = io.ReadFull(c, b); err != nil {
		t.Fatal(err)
	}
	if err = g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal([]byte{3, 0, 1, 'x'}, b) {
		t.Fatalf("expect record: %x, actual: %x", []byte{3, 0, 1, 'x'}, b)
	}
}

func TestStreamFullDuplex(t *testing.T) {
	client, server := newEchoPair(t)
	messages := [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte("a"), echo.MaxPayload+10),
		[]byte("world"),
	}
	var expect []byte
	for _, m := range messages {
		expect = append(expect, m...)
	}
	var g errgroup.Group
	g.Go(func() error {
		// Echo until the client shuts down.
		if _, err := io.Copy(server, server); err != nil {
			return err
		}
		return server.Shutdown()
	})
	g.Go(func() error {
		for _, m := range messages {
			if _, err := client.Write(m); err != nil {
				return err
			}
		}
		return client.Shutdown()
	})
	var actual []byte
	g.Go(func() error {
		var err error
		actual, err = io.ReadAll(client)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(expect, actual) {
		t.Fatalf("expect echo of %d bytes, actual %d bytes", len(expect), len(actual))
	}
	assertRegionsEmpty(t, client)
	assertRegionsEmpty(t, server)
}

func TestStreamShutdown(t *testing.T) {
	client, server := newEchoPair(t)
	var g errgroup.Group
	g.Go(func() error {
		return client.Shutdown()
	})
	n, err := server.Read(make([]byte, 10))
	if n != 0 || err != io.EOF {
		t.Fatalf("expect read: %v %v, actual: %v %v", 0, io.EOF, n, err)
	}
	if err = g.Wait(); err != nil {
		t.Fatal(err)
	}
	_, err = client.Write([]byte("late"))
	if !errors.Is(err, ErrShutdown) || KindOf(err) != KindMisuse {
		t.Fatalf("expect error: %v, actual: %v", ErrShutdown, err)
	}
	if err = client.Shutdown(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expect error: %v, actual: %v", ErrShutdown, err)
	}
	if client.CanRenegotiate() {
		t.Fatalf("expect no renegotiation after shutdown")
	}
	// Reading is still allowed.
	g.Go(func() error {
		_, err := server.Write([]byte("bye"))
		return err
	})
	b := make([]byte, 10)
	n, err = client.Read(b)
	if n != 3 || err != nil {
		t.Fatalf("expect read: %v %v, actual: %v %v", 3, nil, n, err)
	}
	if err = g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestStreamRenegotiateEcho(t *testing.T) {
	client, server := newEchoPair(t)
	if !client.CanRenegotiate() {
		t.Fatalf("expect renegotiation supported")
	}
	var g errgroup.Group
	g.Go(func() error {
		if err := client.Renegotiate(); err != nil {
			return err
		}
		_, err := client.Write([]byte("ping"))
		return err
	})
	b := make([]byte, 10)
	n, err := server.Read(b)
	if n != 4 || err != nil {
		t.Fatalf("expect read: %v %v, actual: %v %v", 4, nil, n, err)
	}
	if err = g.Wait(); err != nil {
		t.Fatal(err)
	}
	server.mu.Lock()
	updates := server.engine.(*echo.Engine).KeyUpdates()
	server.mu.Unlock()
	if updates != 1 {
		t.Fatalf("expect key updates: %v, actual: %v", 1, updates)
	}
}

func TestStreamRenegotiateUnsupported(t *testing.T) {
	s, tr := newScriptStream(t, "ab", 1)
	tr.takeCalls()
	err := s.Renegotiate()
	if !errors.Is(err, ErrRenegotiationUnsupported) || KindOf(err) != KindMisuse {
		t.Fatalf("expect error: %v, actual: %v", ErrRenegotiationUnsupported, err)
	}
	if !s.IsAuthenticated() {
		t.Fatalf("expect stream still authenticated")
	}
	if s.handshakeOp.Load() != nil || s.readOp.Load() != nil || s.writeOp.Load() != nil {
		t.Fatalf("expect slots released")
	}
	if calls := tr.takeCalls(); len(calls) != 0 {
		t.Fatalf("expect no transport calls, actual: %v", calls)
	}
}

func TestStreamReadCanceled(t *testing.T) {
	client, _ := newEchoPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := client.ReadContext(ctx, make([]byte, 10))
	if n != 0 || KindOf(err) != KindCanceled || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect read: %v %v, actual: %v %v", 0, context.DeadlineExceeded, n, err)
	}
	// Cancellation leaves the record layer in an unknown state.
	_, err2 := client.Write([]byte("x"))
	if err2 != err {
		t.Fatalf("expect error: %v, actual: %v", err, err2)
	}
}

// cancelingConn cancels a context once the given number of reads returned data.
type cancelingConn struct {
	net.Conn
	reads  int
	cancel context.CancelFunc
}

func (c *cancelingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.cancel != nil {
		c.reads--
		if c.reads == 0 {
			c.cancel()
			c.cancel = nil
		}
	}
	return n, err
}

func TestStreamReadCanceledAfterTransportRead(t *testing.T) {
	c, s := net.Pipe()
	conn := &cancelingConn{Conn: c}
	client, server := authenticatePair(t, New(conn, newTestConfig(echo.New)), New(s, newTestConfig(echo.New)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Canceled while the record body is read.
	conn.reads, conn.cancel = 2, cancel
	var g errgroup.Group
	g.Go(func() error {
		_, err := server.Write([]byte("hello"))
		return err
	})
	b := make([]byte, 10)
	n, err := client.ReadContext(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if string(b[:n]) != "hello" {
		t.Fatalf("expect read: %q, actual: %q", "hello", b[:n])
	}
	if ctx.Err() == nil {
		t.Fatalf("expect context canceled")
	}
	g.Go(func() error {
		_, err := server.Write([]byte("again"))
		return err
	})
	n, err = client.Read(b)
	if err != nil {
		t.Fatalf("expect read after canceled context to succeed, actual: %v", err)
	}
	if string(b[:n]) != "again" {
		t.Fatalf("expect read: %q, actual: %q", "again", b[:n])
	}
	if err = g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !client.IsAuthenticated() {
		t.Fatalf("expect stream still authenticated")
	}
}

func TestStreamDeadline(t *testing.T) {
	client, _ := newEchoPair(t)
	if err := client.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	_, err := client.Read(make([]byte, 10))
	var ne net.Error
	if KindOf(err) != KindIO || !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expect timeout error, actual: %v", err)
	}
	tr := newRecordingTransport("")
	if err = New(tr, nil).SetDeadline(time.Now()); err != errNoDeadline {
		t.Fatalf("expect error: %v, actual: %v", errNoDeadline, err)
	}
}

func TestStreamEngineFactoryError(t *testing.T) {
	tr := newRecordingTransport("")
	factoryErr := errors.New("no engine")
	s := New(tr, newTestConfig(func(engine.Callbacks, *engine.Options) (engine.Engine, error) {
		return nil, factoryErr
	}))
	err := s.AuthenticateAsClient("")
	if !errors.Is(err, factoryErr) || KindOf(err) != KindAuthentication {
		t.Fatalf("expect error: %v, actual: %v", factoryErr, err)
	}
	if err2 := s.AuthenticateAsClient(""); err2 != err {
		t.Fatalf("expect error: %v, actual: %v", err, err2)
	}
}

func TestStreamLeaveTransportOpen(t *testing.T) {
	tr := newRecordingTransport("")
	config := newTestConfig(echo.New)
	config.LeaveTransportOpen = true
	if err := New(tr, config).Close(); err != nil {
		t.Fatal(err)
	}
	if tr.closed {
		t.Fatalf("expect transport left open")
	}
	if err := New(tr, newTestConfig(echo.New)).Close(); err != nil {
		t.Fatal(err)
	}
	if !tr.closed {
		t.Fatalf("expect transport closed")
	}
}

func TestStreamAddr(t *testing.T) {
	c, s := net.Pipe()
	defer s.Close()
	st := New(c, nil)
	defer st.Close()
	if st.LocalAddr() != c.LocalAddr() || st.RemoteAddr() != c.RemoteAddr() {
		t.Fatalf("expect addresses: %v %v, actual: %v %v", c.LocalAddr(), c.RemoteAddr(), st.LocalAddr(), st.RemoteAddr())
	}
	if New(newRecordingTransport(""), nil).RemoteAddr() != nil {
		t.Fatalf("expect no address")
	}
}

func newSealedConfigs() (*Config, *Config, tls.Certificate, tls.Certificate) {
	serverCert := testdata.NewCertificate(testdata.ECDSAP256, "server.test")
	clientCert := testdata.NewCertificate(testdata.Ed25519, "client.test")
	clientConfig := newTestConfig(sealed.New)
	clientConfig.TLS = &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		NextProtos:   []string{"h2", "echo"},
	}
	serverConfig := newTestConfig(sealed.New)
	serverConfig.TLS = &tls.Config{
		NextProtos: []string{"echo"},
	}
	return clientConfig, serverConfig, clientCert, serverCert
}

func TestStreamSealed(t *testing.T) {
	clientConfig, serverConfig, clientCert, serverCert := newSealedConfigs()
	c, s := net.Pipe()
	client := New(c, clientConfig)
	server := New(s, serverConfig)
	defer client.Close()
	defer server.Close()

	var g errgroup.Group
	g.Go(func() error {
		return client.AuthenticateAsClient("server.test")
	})
	g.Go(func() error {
		return server.AuthenticateAsServer(&serverCert, true)
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !client.IsMutuallyAuthenticated() || !server.IsMutuallyAuthenticated() {
		t.Fatalf("expect mutual authentication: %v %v", client.IsMutuallyAuthenticated(), server.IsMutuallyAuthenticated())
	}
	if client.Protocol() != sealed.Protocol || client.NegotiatedProtocol() != "echo" || server.NegotiatedProtocol() != "echo" {
		t.Fatalf("expect protocol: %s %s, actual: %s %s", sealed.Protocol, "echo", client.Protocol(), client.NegotiatedProtocol())
	}
	certs := []*x509.Certificate{
		client.RemoteCertificate(),
		client.LocalCertificate(),
		server.RemoteCertificate(),
	}
	expect := [][]byte{
		serverCert.Certificate[0],
		clientCert.Certificate[0],
		clientCert.Certificate[0],
	}
	for i, cert := range certs {
		if cert == nil || !bytes.Equal(cert.Raw, expect[i]) {
			t.Fatalf("unexpected certificate %d: %v", i, cert)
		}
	}

	// The server answers the key update while the client reads and writes.
	var received, reply []byte
	g.Go(func() error {
		b := make([]byte, 64)
		n, err := server.Read(b)
		if err != nil {
			return err
		}
		received = b[:n]
		_, err = server.Write([]byte("pong"))
		return err
	})
	g.Go(func() error {
		if err := client.Renegotiate(); err != nil {
			return err
		}
		var rg errgroup.Group
		rg.Go(func() error {
			b := make([]byte, 64)
			n, err := client.Read(b)
			reply = b[:n]
			return err
		})
		if _, err := client.Write([]byte("ping")); err != nil {
			return err
		}
		return rg.Wait()
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ping", "pong"}, []string{string(received), string(reply)}); diff != "" {
		t.Fatalf("unexpected data (-expect +actual):\n%s", diff)
	}
	server.mu.Lock()
	updates := server.engine.(*sealed.Conn).KeyUpdates()
	server.mu.Unlock()
	if updates != 1 {
		t.Fatalf("expect key updates: %v, actual: %v", 1, updates)
	}

	// Closure notification ends the peer stream.
	g.Go(func() error {
		return client.Shutdown()
	})
	n, err := server.Read(make([]byte, 64))
	if n != 0 || err != io.EOF {
		t.Fatalf("expect read: %v %v, actual: %v %v", 0, io.EOF, n, err)
	}
	if err = g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func newTCPPair(t *testing.T) (net.Conn, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	var g errgroup.Group
	var server net.Conn
	g.Go(func() error {
		var err error
		server, err = ln.Accept()
		return err
	})
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err = g.Wait(); err != nil {
		client.Close()
		t.Fatal(err)
	}
	return client, server
}

func TestStreamSealedClientCertificateRequired(t *testing.T) {
	clientConfig, serverConfig, _, serverCert := newSealedConfigs()
	clientConfig.TLS.Certificates = nil
	c, s := newTCPPair(t)
	client := New(c, clientConfig)
	server := New(s, serverConfig)
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		// The client only learns about the rejection from the alert.
		err := client.AuthenticateAsClient("server.test")
		if err == nil {
			_, err = client.Read(make([]byte, 10))
		}
		done <- err
	}()
	err := server.AuthenticateAsServer(&serverCert, true)
	if KindOf(err) != KindAuthentication {
		t.Fatalf("expect authentication error, actual: %v", err)
	}
	if server.IsAuthenticated() || server.IsMutuallyAuthenticated() {
		t.Fatalf("expect server not authenticated")
	}
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
	}
	if KindOf(err) != KindAuthentication {
		t.Fatalf("expect authentication error, actual: %v", err)
	}
	if client.IsAuthenticated() {
		t.Fatalf("expect client not authenticated after alert")
	}
}
