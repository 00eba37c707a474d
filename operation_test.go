package tlspump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/goburrow/tlspump/engine"
)

// recordingTransport reads from a fixed input and records every call.
type recordingTransport struct {
	mu     sync.Mutex
	r      io.Reader
	out    bytes.Buffer
	calls  []string
	closed bool
}

func newRecordingTransport(input string) *recordingTransport {
	return &recordingTransport{
		r: bytes.NewReader([]byte(input)),
	}
}

func (t *recordingTransport) Read(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf("read %d", len(b)))
	return t.r.Read(b)
}

func (t *recordingTransport) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf("write %s", b))
	return t.out.Write(b)
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) takeCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := t.calls
	t.calls = nil
	return calls
}

// scriptEngine runs a fixed number of handshake rounds. Each round consumes
// size bytes and echoes them back. Application records are size bytes long.
type scriptEngine struct {
	cb     engine.Callbacks
	in     engine.RecordBuffer
	rounds int
	size   int
	// stall makes the handshake wait without requesting input.
	stall  bool
	closed bool
}

func scriptFactory(rounds, size int) engine.Factory {
	return func(cb engine.Callbacks, opts *engine.Options) (engine.Engine, error) {
		return &scriptEngine{cb: cb, rounds: rounds, size: size}, nil
	}
}

func (e *scriptEngine) StartHandshake() error {
	return nil
}

func (e *scriptEngine) StepHandshake(status engine.Status) (engine.Status, error) {
	if e.stall {
		return engine.StatusContinue, nil
	}
	for e.rounds > 0 {
		if err := e.in.Fill(e.cb, e.size); err != nil {
			if err == engine.ErrWantRead {
				return engine.StatusContinue, nil
			}
			return status, err
		}
		e.cb.WriteRecord(e.in.Bytes())
		e.in.Reset()
		e.rounds--
	}
	return engine.StatusComplete, nil
}

func (e *scriptEngine) Read(b []byte) (int, bool, error) {
	err := e.in.Fill(e.cb, e.size)
	switch err {
	case nil:
	case engine.ErrWantRead:
		return 0, true, nil
	case io.EOF:
		return 0, false, nil
	default:
		return 0, false, err
	}
	n := copy(b, e.in.Bytes())
	e.in.Reset()
	return n, false, nil
}

func (e *scriptEngine) Write(b []byte) (int, bool, error) {
	e.cb.WriteRecord(b)
	return len(b), false, nil
}

func (e *scriptEngine) Shutdown() error {
	e.cb.WriteRecord([]byte("bye"))
	return nil
}

func (e *scriptEngine) Renegotiate() error {
	return errors.New("script: renegotiation")
}

func (e *scriptEngine) CanRenegotiate() bool {
	return false
}

func (e *scriptEngine) ConnectionState() engine.ConnectionState {
	return engine.ConnectionState{
		HandshakeComplete: e.rounds == 0,
		Protocol:          "script",
	}
}

func (e *scriptEngine) Close() error {
	e.closed = true
	return nil
}

func newScriptStream(t *testing.T, input string, rounds int) (*Stream, *recordingTransport) {
	tr := newRecordingTransport(input)
	s := New(tr, &Config{
		Engine: scriptFactory(rounds, 2),
		Logger: LeveledLogger(LevelOff),
	})
	if err := s.AuthenticateAsClient("localhost"); err != nil {
		t.Fatal(err)
	}
	return s, tr
}

func assertRegionsEmpty(t *testing.T, s *Stream) {
	t.Helper()
	if s.inbound.remaining() != 0 || s.outbound.remaining() != 0 {
		t.Fatalf("expect empty regions, actual inbound=%d outbound=%d", s.inbound.remaining(), s.outbound.remaining())
	}
}

func TestOperationFlushBeforeRead(t *testing.T) {
	s, tr := newScriptStream(t, "abcd", 2)
	expect := []string{
		"read 2",
		"write ab",
		"read 2",
		"write cd",
	}
	if diff := cmp.Diff(expect, tr.takeCalls()); diff != "" {
		t.Fatalf("unexpected calls (-expect +actual):\n%s", diff)
	}
	assertRegionsEmpty(t, s)
}

func TestOperationReadEndOfData(t *testing.T) {
	s, tr := newScriptStream(t, "abxy", 1)
	tr.takeCalls()
	b := make([]byte, 10)
	n, err := s.Read(b)
	if n != 2 || err != nil {
		t.Fatalf("expect read: %v %v, actual: %v %v", 2, nil, n, err)
	}
	if string(b[:n]) != "xy" {
		t.Fatalf("expect read: %s, actual: %s", "xy", b[:n])
	}
	assertRegionsEmpty(t, s)
	// Nothing at all on the first read is a graceful end.
	n, err = s.Read(b)
	if n != 0 || err != io.EOF {
		t.Fatalf("expect read: %v %v, actual: %v %v", 0, io.EOF, n, err)
	}
	n, err = s.Read(b)
	if n != 0 || err != io.EOF {
		t.Fatalf("expect read: %v %v, actual: %v %v", 0, io.EOF, n, err)
	}
	if !s.IsAuthenticated() {
		t.Fatalf("expect stream still authenticated")
	}
	expect := []string{"read 2", "read 2", "read 2"}
	if diff := cmp.Diff(expect, tr.takeCalls()); diff != "" {
		t.Fatalf("unexpected calls (-expect +actual):\n%s", diff)
	}
}

func TestOperationPrematureClose(t *testing.T) {
	s, _ := newScriptStream(t, "abx", 1)
	b := make([]byte, 10)
	n, err := s.Read(b)
	if n != 0 || !errors.Is(err, ErrPrematureClose) || KindOf(err) != KindIO {
		t.Fatalf("expect read: %v %v, actual: %v %v", 0, ErrPrematureClose, n, err)
	}
	assertRegionsEmpty(t, s)
	// Every later operation fails with the latched fault.
	_, err2 := s.Read(b)
	_, err3 := s.Write([]byte("hi"))
	err4 := s.Shutdown()
	for _, e := range []error{err2, err3, err4} {
		if e != err {
			t.Fatalf("expect error: %v, actual: %v", err, e)
		}
	}
	if s.IsAuthenticated() {
		t.Fatalf("expect stream not authenticated after fault")
	}
}

func TestOperationHandshakeEndOfData(t *testing.T) {
	tr := newRecordingTransport("a")
	s := New(tr, &Config{
		Engine: scriptFactory(1, 2),
		Logger: LeveledLogger(LevelOff),
	})
	err := s.AuthenticateAsClient("")
	if !errors.Is(err, ErrPrematureClose) || KindOf(err) != KindIO {
		t.Fatalf("expect error: %v, actual: %v", ErrPrematureClose, err)
	}

	// The engine gets to decide when nothing arrived at all.
	tr = newRecordingTransport("")
	s = New(tr, &Config{
		Engine: scriptFactory(1, 2),
		Logger: LeveledLogger(LevelOff),
	})
	err = s.AuthenticateAsClient("")
	if !errors.Is(err, io.EOF) || KindOf(err) != KindAuthentication {
		t.Fatalf("expect error: %v, actual: %v", io.EOF, err)
	}
}

func TestOperationWrite(t *testing.T) {
	s, tr := newScriptStream(t, "ab", 1)
	tr.takeCalls()
	n, err := s.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("expect write: %v %v, actual: %v %v", 5, nil, n, err)
	}
	// Empty writes do not reach the transport.
	n, err = s.Write(nil)
	if n != 0 || err != nil {
		t.Fatalf("expect write: %v %v, actual: %v %v", 0, nil, n, err)
	}
	if err = s.Shutdown(); err != nil {
		t.Fatal(err)
	}
	expect := []string{"write hello", "write bye"}
	if diff := cmp.Diff(expect, tr.takeCalls()); diff != "" {
		t.Fatalf("unexpected calls (-expect +actual):\n%s", diff)
	}
	assertRegionsEmpty(t, s)
}

func TestOperationEngineStalled(t *testing.T) {
	tr := newRecordingTransport("")
	s := New(tr, &Config{
		Engine: func(cb engine.Callbacks, opts *engine.Options) (engine.Engine, error) {
			return &scriptEngine{cb: cb, rounds: 1, size: 2, stall: true}, nil
		},
		Logger: LeveledLogger(LevelOff),
	})
	err := s.AuthenticateAsClient("")
	if !errors.Is(err, errEngineStalled) || KindOf(err) != KindAuthentication {
		t.Fatalf("expect error: %v, actual: %v", errEngineStalled, err)
	}
}

func TestOperationBufferExceeded(t *testing.T) {
	tr := newRecordingTransport("")
	s := New(tr, &Config{
		Engine:            scriptFactory(1, 64),
		InitialBufferSize: 16,
		MaxBufferSize:     32,
		Logger:            LeveledLogger(LevelOff),
	})
	err := s.AuthenticateAsClient("")
	if !errors.Is(err, ErrBufferExceeded) || KindOf(err) != KindIO {
		t.Fatalf("expect error: %v, actual: %v", ErrBufferExceeded, err)
	}
}

func TestOperationCanceled(t *testing.T) {
	s, tr := newScriptStream(t, "ab", 1)
	tr.takeCalls()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := s.ReadContext(ctx, make([]byte, 10))
	if n != 0 || !errors.Is(err, context.Canceled) || KindOf(err) != KindCanceled {
		t.Fatalf("expect read: %v %v, actual: %v %v", 0, context.Canceled, n, err)
	}
	if calls := tr.takeCalls(); len(calls) != 0 {
		t.Fatalf("expect no transport calls, actual: %v", calls)
	}
	_, err2 := s.Write([]byte("x"))
	if err2 != err {
		t.Fatalf("expect error: %v, actual: %v", err, err2)
	}
}

func TestOperationID(t *testing.T) {
	a := newOperation(nil, opRead, true)
	b := newOperation(nil, opWrite, false)
	if b.id <= a.id {
		t.Fatalf("expect increasing id, actual: %d %d", a.id, b.id)
	}
	if a.status != engine.StatusInitialize {
		t.Fatalf("expect status: %v, actual: %v", engine.StatusInitialize, a.status)
	}
	for k, name := range map[opKind]string{
		opHandshake:   "handshake",
		opRead:        "read",
		opWrite:       "write",
		opShutdown:    "shutdown",
		opRenegotiate: "renegotiate",
	} {
		if k.String() != name {
			t.Fatalf("expect name: %s, actual: %s", name, k)
		}
	}
}

func TestFlushOrder(t *testing.T) {
	var f flusher
	f.init()
	var out bytes.Buffer
	b1 := batch{data: []byte("1"), ticket: f.enqueue()}
	b2 := batch{data: []byte("2"), ticket: f.enqueue()}
	b3 := batch{data: []byte("3"), ticket: f.enqueue()}

	done := make(chan error, 1)
	go func() {
		_, err := flush(context.Background(), &out, b3)
		done <- err
	}()
	// b2 is dropped while waiting for b1.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := flush(ctx, &out, b2); err != context.Canceled {
		t.Fatalf("expect error: %v, actual: %v", context.Canceled, err)
	}
	if _, err := flush(context.Background(), &out, b1); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
	}
	if out.String() != "13" {
		t.Fatalf("expect output: %s, actual: %s", "13", out.String())
	}
}
