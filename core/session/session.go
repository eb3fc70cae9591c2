// Package session implements the realtime protocol state machine: one
// bidirectional event stream to the remote conversational service, translated
// into typed callbacks on a dispatch loop owned by the session.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
)

// dispatchBuffer bounds how many pending callback deliveries the read loop
// may queue before it blocks. It is backpressure, not a drop policy: inbound
// events are never reordered or lost.
const dispatchBuffer = 256

// Conn is the minimal connection surface the session needs. It is satisfied
// by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one live realtime connection. Create it with Connect; it is
// destroyed by Close or by a fatal protocol error.
type Session struct {
	conn      Conn
	config    Config
	callbacks Callbacks

	stateMu sync.Mutex
	state   State

	// dispatch is the owning loop: every callback invocation is posted here
	// so the network read loop never runs application code.
	dispatch     chan func()
	dispatchDone chan struct{}
	readDone     chan struct{}

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Connect opens the event stream, pushes the initial configuration frame, and
// waits for the remote acknowledgment before returning. Failure to receive
// the acknowledgment is a connect failure: the error callback fires, the
// state ends in error, and the connection is closed.
func Connect(ctx context.Context, callbacks Callbacks, opts ...Option) (*Session, error) {
	ctx, span := tracer.Start(ctx, "connect realtime session")
	defer span.End()

	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	s := &Session{
		config:       config,
		callbacks:    callbacks,
		state:        StateIdle,
		dispatch:     make(chan func(), dispatchBuffer),
		dispatchDone: make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	go s.dispatchLoop()

	s.announceState(StateConnecting)

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.emitError(err.Error())
		s.announceState(StateError)
		s.stopDispatch()
		return err
	}

	conn, err := config.dial(ctx, config)
	if err != nil {
		return nil, fail(fmt.Errorf("failed to open realtime stream: %w", err))
	}
	s.conn = conn

	if err := s.writeEvent(clientEvent{
		Type:    clientEventSessionUpdate,
		Session: config.payload(),
	}); err != nil {
		_ = conn.Close()
		return nil, fail(fmt.Errorf("failed to send session configuration: %w", err))
	}

	if err := s.awaitConfigAck(); err != nil {
		_ = conn.Close()
		return nil, fail(fmt.Errorf("session configuration not acknowledged: %w", err))
	}

	s.announceState(StateConnected)
	go s.readLoop()
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// SendText submits one user text turn and requests a response. The remote
// begins responding asynchronously; the state moves to processing once the
// response-started event arrives.
func (s *Session) SendText(text string) error {
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeEventLocked(clientEvent{Type: clientEventItemCreate, Item: userMessageItem(text)}); err != nil {
		return fmt.Errorf("failed to send user message: %w", err)
	}
	if err := s.writeEventLocked(clientEvent{Type: clientEventResponseCreate}); err != nil {
		return fmt.Errorf("failed to request response: %w", err)
	}
	return nil
}

// SendAudioChunk appends one chunk of captured audio to the remote input
// buffer and commits it.
func (s *Session) SendAudioChunk(chunk []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeEventLocked(clientEvent{
		Type:  clientEventInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}); err != nil {
		return fmt.Errorf("failed to append audio chunk: %w", err)
	}
	if err := s.writeEventLocked(clientEvent{Type: clientEventInputAudioCommit}); err != nil {
		return fmt.Errorf("failed to commit audio chunk: %w", err)
	}
	return nil
}

// Interrupt requests cancellation of the in-flight response. Calling it
// speculatively is fine: with no response in flight the remote treats it as a
// no-op, and after Close it is silently ignored.
func (s *Session) Interrupt() error {
	if s.closed.Load() {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeEventLocked(clientEvent{Type: clientEventResponseCancel}); err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	return nil
}

// Close tears the session down. It is idempotent: repeated calls, and calls
// on an already failed session, succeed silently. An in-flight response is
// abandoned without error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.conn != nil {
			_ = s.conn.Close()
			<-s.readDone
		}
		s.announceState(StateDisconnected)
		s.stopDispatch()
	})
	return nil
}

// awaitConfigAck reads inbound frames until the remote confirms the pushed
// configuration. Runs before the read loop starts, so it owns the connection
// reads exclusively.
func (s *Session) awaitConfigAck() error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream closed before acknowledgment: %w", err)
		}

		var event serverEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return fmt.Errorf("malformed frame before acknowledgment: %w", err)
		}

		switch event.Type {
		case serverEventSessionCreated:
			// Created precedes updated; keep waiting for the config echo.
		case serverEventSessionUpdated:
			return nil
		case serverEventError:
			return fmt.Errorf("remote rejected configuration: %s", event.Error.readable())
		}
	}
}

// readLoop drains inbound frames for the lifetime of the connection and
// posts their classified handling onto the dispatch loop, preserving network
// order.
func (s *Session) readLoop() {
	defer close(s.readDone)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			readErr := err
			s.post(func() { s.failWith(fmt.Sprintf("realtime stream read failed: %v", readErr)) })
			return
		}

		var event serverEvent
		if err := json.Unmarshal(data, &event); err != nil {
			logger.Warn("dropping malformed realtime frame", "error", err)
			continue
		}

		s.post(func() { s.handle(event) })
	}
}

// handle runs on the dispatch loop.
func (s *Session) handle(event serverEvent) {
	switch event.Type {
	case serverEventResponseCreated:
		if s.State() == StateConnected {
			s.transition(StateProcessing)
		}
	case serverEventResponseDone:
		if s.State() == StateProcessing {
			s.transition(StateConnected)
		}
	case serverEventTextDelta:
		if s.callbacks.OnTextDelta != nil {
			s.callbacks.OnTextDelta(event.Delta, false)
		}
	case serverEventTextDone:
		if s.callbacks.OnTextDelta != nil {
			s.callbacks.OnTextDelta(event.Text, true)
		}
	case serverEventAudioDelta:
		chunk, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			s.failWith(fmt.Sprintf("malformed audio delta: %v", err))
			return
		}
		if s.callbacks.OnAudioDelta != nil {
			s.callbacks.OnAudioDelta(chunk, false)
		}
	case serverEventAudioDone:
		if s.callbacks.OnAudioDelta != nil {
			s.callbacks.OnAudioDelta(nil, true)
		}
	case serverEventTranscriptDelta:
		if s.callbacks.OnTranscriptDelta != nil {
			s.callbacks.OnTranscriptDelta(event.Delta, false)
		}
	case serverEventTranscriptDone:
		if s.callbacks.OnTranscriptDelta != nil {
			s.callbacks.OnTranscriptDelta(event.Transcript, true)
		}
	case serverEventFunctionCallDone:
		if s.callbacks.OnFunctionCall != nil {
			s.callbacks.OnFunctionCall(FunctionCall{Name: event.Name, Arguments: event.Arguments})
		}
	case serverEventError:
		s.failWith(event.Error.readable())
	default:
		// Unknown event kinds are ignored on purpose; the protocol grows
		// server events faster than clients care about them.
	}
}

// failWith moves the session to the error state, invoking the error callback
// exactly once per failure, followed by the state callback. The connection
// stays open until an explicit Close.
func (s *Session) failWith(message string) {
	if s.State() == StateError || s.State() == StateDisconnected {
		return
	}
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(message)
	}
	s.transition(StateError)
}

func (s *Session) setState(state State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == state {
		return false
	}
	s.state = state
	return true
}

// transition changes state from the dispatch loop, so the state callback
// runs inline in event order.
func (s *Session) transition(state State) {
	if s.setState(state) && s.callbacks.OnStateChanged != nil {
		s.callbacks.OnStateChanged(state)
	}
}

// announceState changes state from outside the dispatch loop and posts the
// state callback onto it.
func (s *Session) announceState(state State) {
	if s.setState(state) && s.callbacks.OnStateChanged != nil {
		s.post(func() { s.callbacks.OnStateChanged(state) })
	}
}

func (s *Session) emitError(message string) {
	if s.callbacks.OnError != nil {
		s.post(func() { s.callbacks.OnError(message) })
	}
}

func (s *Session) writeEvent(event clientEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeEventLocked(event)
}

// writeEventLocked is a version of [Session.writeEvent] that is safe to call
// from a locked context.
func (s *Session) writeEventLocked(event clientEvent) error {
	event.EventID = uuid.NewString()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) dispatchLoop() {
	defer close(s.dispatchDone)
	for fn := range s.dispatch {
		fn()
	}
}

// post hands a callback invocation to the dispatch loop. Events already on
// the dispatch loop run their posted work inline-in-order because the loop is
// single threaded.
func (s *Session) post(fn func()) {
	select {
	case s.dispatch <- fn:
	case <-s.dispatchDone:
	}
}

func (s *Session) stopDispatch() {
	close(s.dispatch)
	<-s.dispatchDone
}

func dialWebsocket(ctx context.Context, config Config) (Conn, error) {
	apiKey := config.apiKey
	if apiKey == "" {
		var ok bool
		if apiKey, ok = os.LookupEnv("OPENAI_API_KEY"); !ok {
			return nil, fmt.Errorf("openai api key not found")
		}
	}

	endpoint, err := url.Parse(config.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	urlValues := url.Values{}
	urlValues.Set("model", config.Model)
	endpoint.RawQuery = urlValues.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), http.Header{
		"Authorization": {"Bearer " + apiKey},
		"OpenAI-Beta":   {"realtime=v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection: %w", err)
	}

	return conn, nil
}
