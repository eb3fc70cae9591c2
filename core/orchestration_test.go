package realtime

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/aria-core/core/audio"
	"github.com/koscakluka/aria-core/core/session"
)

type fakeSessionHandle struct {
	texts  chan string
	chunks chan []byte

	interrupts atomic.Int32
	closes     atomic.Int32

	sendTextErr error
}

func newFakeSessionHandle() *fakeSessionHandle {
	return &fakeSessionHandle{
		texts:  make(chan string, 16),
		chunks: make(chan []byte, 64),
	}
}

func (s *fakeSessionHandle) SendText(text string) error {
	if s.sendTextErr != nil {
		return s.sendTextErr
	}
	s.texts <- text
	return nil
}

func (s *fakeSessionHandle) SendAudioChunk(chunk []byte) error {
	s.chunks <- chunk
	return nil
}

func (s *fakeSessionHandle) Interrupt() error {
	s.interrupts.Add(1)
	return nil
}

func (s *fakeSessionHandle) State() session.State { return session.StateConnected }

func (s *fakeSessionHandle) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeTransport struct {
	handle     *fakeSessionHandle
	connectErr error

	// release, when set, blocks Connect until it is closed.
	release chan struct{}
	entered chan struct{}

	callbacks session.Callbacks
	connects  atomic.Int32
}

func (t *fakeTransport) Connect(_ context.Context, callbacks session.Callbacks) (SessionHandle, error) {
	t.connects.Add(1)
	if t.entered != nil {
		close(t.entered)
	}
	if t.release != nil {
		<-t.release
	}
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	t.callbacks = callbacks
	return t.handle, nil
}

func newTestOrchestrator(t *testing.T, transport *fakeTransport, device *fakeDevice, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	opts = append([]OrchestratorOption{
		WithTransport(transport),
		WithAudioDevice(func() (Device, error) { return device, nil }),
	}, opts...)
	return NewOrchestrator(opts...)
}

func defaultFrameBytes() int {
	return audio.GetDefaultEncodingInfo().FrameBytes(audio.DefaultFrameDuration)
}

func TestConnectForwardsCapturedSpeech(t *testing.T) {
	transport := &fakeTransport{handle: newFakeSessionHandle()}
	device := &fakeDevice{}
	orchestrator := newTestOrchestrator(t, transport, device,
		WithEngineOptions(WithSpeechDetector(stubDetector{speech: true})),
	)
	defer orchestrator.Disconnect()

	if err := orchestrator.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed: %v", err)
	}

	frame := repeatingFrame(0x42, defaultFrameBytes())
	device.capture(frame)

	select {
	case chunk := <-transport.handle.chunks:
		if !bytes.Equal(chunk, frame) {
			t.Fatalf("expected captured frame forwarded to session")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected captured frame to reach the session, got none")
	}
}

func TestConnectRejectsSecondConnection(t *testing.T) {
	transport := &fakeTransport{handle: newFakeSessionHandle()}
	orchestrator := newTestOrchestrator(t, transport, &fakeDevice{})
	defer orchestrator.Disconnect()

	if err := orchestrator.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed: %v", err)
	}
	if err := orchestrator.Connect(context.Background()); err == nil {
		t.Fatalf("expected second connect to be rejected")
	}
	if transport.connects.Load() != 1 {
		t.Fatalf("expected transport dialed once, got %d", transport.connects.Load())
	}
}

func TestDisconnectWaitsForInflightConnect(t *testing.T) {
	transport := &fakeTransport{
		handle:  newFakeSessionHandle(),
		release: make(chan struct{}),
		entered: make(chan struct{}),
	}
	orchestrator := newTestOrchestrator(t, transport, &fakeDevice{})

	connectDone := make(chan error, 1)
	go func() { connectDone <- orchestrator.Connect(context.Background()) }()
	<-transport.entered

	var disconnectReturned atomic.Bool
	disconnectDone := make(chan error, 1)
	go func() {
		err := orchestrator.Disconnect()
		disconnectReturned.Store(true)
		disconnectDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if disconnectReturned.Load() {
		t.Fatalf("expected disconnect to block while connect is in flight")
	}

	close(transport.release)
	if err := <-connectDone; err != nil {
		t.Fatalf("expected connect to succeed: %v", err)
	}
	if err := <-disconnectDone; err != nil {
		t.Fatalf("expected disconnect to succeed: %v", err)
	}
	if transport.handle.closes.Load() != 1 {
		t.Fatalf("expected session closed exactly once, got %d", transport.handle.closes.Load())
	}
}

func TestDisconnectWithoutConnection(t *testing.T) {
	orchestrator := newTestOrchestrator(t, &fakeTransport{handle: newFakeSessionHandle()}, &fakeDevice{})

	if err := orchestrator.Disconnect(); err != nil {
		t.Fatalf("expected disconnect without connection to succeed: %v", err)
	}
	if err := orchestrator.Disconnect(); err != nil {
		t.Fatalf("expected repeated disconnect to succeed: %v", err)
	}
}

func TestConnectRollsBackSessionOnDeviceFailure(t *testing.T) {
	transport := &fakeTransport{handle: newFakeSessionHandle()}
	orchestrator := NewOrchestrator(
		WithTransport(transport),
		WithAudioDevice(func() (Device, error) { return nil, errors.New("no device") }),
	)

	if err := orchestrator.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect to fail when the device cannot open")
	}
	if transport.handle.closes.Load() != 1 {
		t.Fatalf("expected session rolled back, got %d closes", transport.handle.closes.Load())
	}
}

func TestAudioFragmentsSurfacedAndPlayed(t *testing.T) {
	transport := &fakeTransport{handle: newFakeSessionHandle()}
	device := &fakeDevice{}
	surfaced := make(chan []byte, 8)
	orchestrator := newTestOrchestrator(t, transport, device,
		WithAudioCallback(func(chunk []byte) { surfaced <- chunk }),
	)
	defer orchestrator.Disconnect()

	if err := orchestrator.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed: %v", err)
	}

	fragment := repeatingFrame(0x33, defaultFrameBytes())
	transport.callbacks.OnAudioDelta(fragment, false)

	select {
	case chunk := <-surfaced:
		if !bytes.Equal(chunk, fragment) {
			t.Fatalf("expected fragment surfaced unchanged")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected fragment surfaced, got none")
	}

	out := make([]byte, defaultFrameBytes())
	device.play(out)
	if !bytes.Equal(out, fragment) {
		t.Fatalf("expected fragment scheduled for playback")
	}

	// The end-of-stream marker is neither surfaced nor played.
	transport.callbacks.OnAudioDelta(nil, true)
	select {
	case <-surfaced:
		t.Fatalf("expected the empty final fragment to be dropped")
	default:
	}
	device.play(out)
	if !bytes.Equal(out, make([]byte, defaultFrameBytes())) {
		t.Fatalf("expected silence after the final marker")
	}
}

func TestOnlyFinalTextReachesCallback(t *testing.T) {
	transport := &fakeTransport{handle: newFakeSessionHandle()}
	texts := make(chan string, 8)
	orchestrator := newTestOrchestrator(t, transport, &fakeDevice{},
		WithTextCallback(func(text string) { texts <- text }),
	)
	defer orchestrator.Disconnect()

	if err := orchestrator.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed: %v", err)
	}

	transport.callbacks.OnTextDelta("The time", false)
	transport.callbacks.OnTextDelta("The time is 14:02.", true)

	select {
	case text := <-texts:
		if text != "The time is 14:02." {
			t.Fatalf("expected the final text, got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected final text, got none")
	}
	select {
	case text := <-texts:
		t.Fatalf("expected exactly one text, got extra %q", text)
	default:
	}
}

type recordingExecutor struct {
	calls  chan string
	result string
}

func (e *recordingExecutor) Execute(_ context.Context, name string, arguments string) string {
	e.calls <- name + " " + arguments
	return e.result
}

func TestFunctionCallFeedsResultBack(t *testing.T) {
	transport := &fakeTransport{handle: newFakeSessionHandle()}
	executor := &recordingExecutor{calls: make(chan string, 8), result: "14:02"}
	orchestrator := newTestOrchestrator(t, transport, &fakeDevice{},
		WithFunctionExecutor(executor),
	)
	defer orchestrator.Disconnect()

	if err := orchestrator.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed: %v", err)
	}

	transport.callbacks.OnFunctionCall(session.FunctionCall{Name: "get_time", Arguments: `{"timezone":"UTC"}`})

	select {
	case call := <-executor.calls:
		if call != `get_time {"timezone":"UTC"}` {
			t.Fatalf("expected executor invoked with call details, got %q", call)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected executor invocation, got none")
	}

	select {
	case text := <-transport.handle.texts:
		if text != "14:02" {
			t.Fatalf("expected result fed back as text, got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected result fed back to the session, got none")
	}
}

func TestFunctionCallDepthGuard(t *testing.T) {
	transport := &fakeTransport{handle: newFakeSessionHandle()}
	executor := &recordingExecutor{calls: make(chan string, 8), result: "ok"}
	failures := make(chan string, 8)
	orchestrator := newTestOrchestrator(t, transport, &fakeDevice{},
		WithFunctionExecutor(executor),
		WithMaxToolRounds(2),
		WithErrorCallback(func(message string) { failures <- message }),
	)
	defer orchestrator.Disconnect()

	if err := orchestrator.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed: %v", err)
	}

	for range 2 {
		transport.callbacks.OnFunctionCall(session.FunctionCall{Name: "get_time"})
		select {
		case <-transport.handle.texts:
		case <-time.After(time.Second):
			t.Fatalf("expected feedback within the depth budget, got none")
		}
	}

	transport.callbacks.OnFunctionCall(session.FunctionCall{Name: "get_time"})
	select {
	case message := <-failures:
		if !strings.Contains(message, "depth") {
			t.Fatalf("expected a depth failure, got %q", message)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected depth failure, got none")
	}
	select {
	case <-transport.handle.texts:
		t.Fatalf("expected no feedback past the depth budget")
	default:
	}

	// A fresh user turn resets the budget.
	if err := orchestrator.SendText("and in Tokyo?"); err != nil {
		t.Fatalf("expected send to succeed: %v", err)
	}
	<-transport.handle.texts
	transport.callbacks.OnFunctionCall(session.FunctionCall{Name: "get_time"})
	select {
	case <-transport.handle.texts:
	case <-time.After(time.Second):
		t.Fatalf("expected feedback after the budget reset, got none")
	}
}

func TestInterruptWithoutSession(t *testing.T) {
	orchestrator := newTestOrchestrator(t, &fakeTransport{handle: newFakeSessionHandle()}, &fakeDevice{})
	if err := orchestrator.Interrupt(); err != nil {
		t.Fatalf("expected interrupt without session to be a no-op: %v", err)
	}
}

func TestStateChangesReachCallback(t *testing.T) {
	transport := &fakeTransport{handle: newFakeSessionHandle()}
	states := make(chan session.State, 8)
	orchestrator := newTestOrchestrator(t, transport, &fakeDevice{},
		WithStateCallback(func(state session.State) { states <- state }),
	)
	defer orchestrator.Disconnect()

	if err := orchestrator.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed: %v", err)
	}

	transport.callbacks.OnStateChanged(session.StateProcessing)
	select {
	case state := <-states:
		if state != session.StateProcessing {
			t.Fatalf("expected processing state, got %q", state)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected state change, got none")
	}
}
