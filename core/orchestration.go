// Package realtime composes the session protocol, the duplex audio engine,
// and a function-execution collaborator into one connect/disconnect
// lifecycle.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/koscakluka/aria-core/core/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SessionHandle is the live-session surface the orchestrator drives. It is
// satisfied by *session.Session.
type SessionHandle interface {
	SendText(text string) error
	SendAudioChunk(chunk []byte) error
	Interrupt() error
	State() session.State
	Close() error
}

// SessionTransport establishes sessions. The default dials the realtime
// websocket endpoint.
type SessionTransport interface {
	Connect(ctx context.Context, callbacks session.Callbacks) (SessionHandle, error)
}

type realtimeTransport struct {
	opts []session.Option
}

func (t realtimeTransport) Connect(ctx context.Context, callbacks session.Callbacks) (SessionHandle, error) {
	return session.Connect(ctx, callbacks, t.opts...)
}

// FunctionExecutor runs one named function with JSON-encoded arguments.
//
// Execute must not fail: its result is fed back into the conversation as
// user-visible text, so internal failures come back as descriptive result
// strings.
type FunctionExecutor interface {
	Execute(ctx context.Context, name string, arguments string) string
}

// Orchestrator presents one coherent lifecycle over a realtime session and
// its audio engine. At most one connect or disconnect is in flight at a time;
// a second caller blocks until the first completes.
type Orchestrator struct {
	transport     SessionTransport
	deviceFactory func() (Device, error)
	engineOpts    []AudioDuplexOption
	executor      FunctionExecutor
	maxToolRounds int

	callbacks orchestratorCallbacks

	// connectMu serializes connect/disconnect against each other.
	connectMu sync.Mutex

	// stateMu guards the live session/engine pair read by callbacks.
	stateMu sync.Mutex
	sess    SessionHandle
	engine  *AudioDuplexEngine

	lastState  atomic.Value // session.State
	toolRounds atomic.Int32
}

type orchestratorCallbacks struct {
	onText       func(text string)
	onTranscript func(transcript string)
	onAudio      func(chunk []byte)
	onState      func(state session.State)
	onError      func(message string)
	onLevel      func(level float64)
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		transport:     realtimeTransport{},
		deviceFactory: defaultDeviceFactory,
		maxToolRounds: defaultMaxToolRounds,
	}
	o.lastState.Store(session.StateIdle)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Connect establishes the session and then starts the audio engine, in that
// order: audio must not start against a session that failed to establish. On
// audio failure the session half is rolled back best-effort.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.connectMu.Lock()
	defer o.connectMu.Unlock()

	ctx, span := tracer.Start(ctx, "connect orchestrated session")
	defer span.End()

	if o.currentSession() != nil {
		return fmt.Errorf("session already connected")
	}

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	sess, err := o.transport.Connect(ctx, o.sessionCallbacks(ctx))
	if err != nil {
		return fail(fmt.Errorf("failed to connect session: %w", err))
	}

	device, err := o.deviceFactory()
	if err != nil {
		_ = sess.Close()
		return fail(fmt.Errorf("failed to open audio device: %w", err))
	}

	engineOpts := o.engineOpts
	if o.callbacks.onLevel != nil {
		engineOpts = append(engineOpts, WithLevelMeter(o.callbacks.onLevel))
	}
	engine := NewAudioDuplexEngine(device, engineOpts...)
	if err := engine.Start(ctx, sess.SendAudioChunk); err != nil {
		_ = engine.Stop()
		_ = sess.Close()
		return fail(fmt.Errorf("failed to start audio engine: %w", err))
	}

	o.stateMu.Lock()
	o.sess = sess
	o.engine = engine
	o.stateMu.Unlock()
	o.toolRounds.Store(0)
	return nil
}

// Disconnect stops the audio engine first and then closes the session, the
// reverse of startup, so no frame can be produced or consumed once the
// network half begins tearing down. Calling it when already disconnected
// succeeds silently.
func (o *Orchestrator) Disconnect() error {
	o.connectMu.Lock()
	defer o.connectMu.Unlock()

	o.stateMu.Lock()
	sess, engine := o.sess, o.engine
	o.sess, o.engine = nil, nil
	o.stateMu.Unlock()

	if sess == nil {
		return nil
	}

	var errs error
	if engine != nil {
		errs = errors.Join(errs, engine.Stop())
	}
	errs = errors.Join(errs, sess.Close())
	return errs
}

// SendText forwards one user text turn to the session.
func (o *Orchestrator) SendText(text string) error {
	sess := o.currentSession()
	if sess == nil {
		return fmt.Errorf("session not connected")
	}

	// A fresh user turn resets the tool-call depth budget.
	o.toolRounds.Store(0)
	return sess.SendText(text)
}

// Interrupt requests cancellation of the in-flight response. Always legal;
// with nothing in flight (or no session) it is a no-op.
func (o *Orchestrator) Interrupt() error {
	sess := o.currentSession()
	if sess == nil {
		return nil
	}
	return sess.Interrupt()
}

// State returns the session lifecycle state as last observed.
func (o *Orchestrator) State() session.State {
	if sess := o.currentSession(); sess != nil {
		return sess.State()
	}
	return o.lastState.Load().(session.State)
}

func (o *Orchestrator) currentSession() SessionHandle {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.sess
}

func (o *Orchestrator) currentEngine() *AudioDuplexEngine {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.engine
}

func (o *Orchestrator) sessionCallbacks(ctx context.Context) session.Callbacks {
	return session.Callbacks{
		OnTextDelta: func(text string, done bool) {
			// Partials are advisory; only finals reach the UI collaborator.
			if done && o.callbacks.onText != nil {
				o.callbacks.onText(text)
			}
		},
		OnTranscriptDelta: func(transcript string, done bool) {
			if done && o.callbacks.onTranscript != nil {
				o.callbacks.onTranscript(transcript)
			}
		},
		OnAudioDelta: func(chunk []byte, done bool) {
			// The final fragment is an empty end-of-stream marker and is
			// neither surfaced nor played.
			if len(chunk) == 0 {
				return
			}
			if o.callbacks.onAudio != nil {
				o.callbacks.onAudio(chunk)
			}
			if engine := o.currentEngine(); engine != nil {
				engine.PlayOutput(chunk)
			}
		},
		OnStateChanged: func(state session.State) {
			o.lastState.Store(state)
			if o.callbacks.onState != nil {
				o.callbacks.onState(state)
			}
		},
		OnError: func(message string) {
			if o.callbacks.onError != nil {
				o.callbacks.onError(message)
			}
		},
		OnFunctionCall: func(call session.FunctionCall) {
			go o.handleFunctionCall(ctx, call)
		},
	}
}

// handleFunctionCall executes one remote-requested function and feeds the
// result back as a plain text turn, which starts a new processing round
// without caller action. The result deliberately goes back as a user turn
// rather than a dedicated tool-result item; downstream consumers rely on
// that shape.
func (o *Orchestrator) handleFunctionCall(ctx context.Context, call session.FunctionCall) {
	ctx, span := tracer.Start(ctx, "execute remote function call")
	defer span.End()
	span.SetAttributes(attribute.String("function.name", call.Name))

	if o.executor == nil {
		logger.Warn("dropping function call without executor", "function", call.Name)
		return
	}

	if rounds := o.toolRounds.Add(1); int(rounds) > o.maxToolRounds {
		err := fmt.Errorf("function call depth exceeded (%d rounds)", o.maxToolRounds)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.callbacks.onError != nil {
			o.callbacks.onError(err.Error())
		}
		return
	}

	result := o.executor.Execute(ctx, call.Name, call.Arguments)

	sess := o.currentSession()
	if sess == nil {
		return
	}
	if err := sess.SendText(result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.callbacks.onError != nil {
			o.callbacks.onError(fmt.Sprintf("failed to submit function result: %v", err))
		}
	}
}
