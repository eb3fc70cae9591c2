package realtime

import (
	"github.com/koscakluka/aria-core/core/audio/miniaudio"
	"github.com/koscakluka/aria-core/core/session"
)

// defaultMaxToolRounds bounds consecutive function-call feedback rounds per
// user turn so a misbehaving remote cannot recurse forever.
const defaultMaxToolRounds = 4

func defaultDeviceFactory() (Device, error) {
	return miniaudio.NewDuplex()
}

type OrchestratorOption func(*Orchestrator)

// WithSessionOptions configures the default transport's session (model,
// voice, instructions, temperature, tools, credentials).
func WithSessionOptions(opts ...session.Option) OrchestratorOption {
	return func(o *Orchestrator) {
		o.transport = realtimeTransport{opts: opts}
	}
}

// WithTransport replaces how sessions are established. Mostly useful for
// tests and alternative backends.
func WithTransport(transport SessionTransport) OrchestratorOption {
	return func(o *Orchestrator) { o.transport = transport }
}

// WithAudioDevice replaces the audio device factory. A fresh device is opened
// on every connect and released on disconnect.
func WithAudioDevice(factory func() (Device, error)) OrchestratorOption {
	return func(o *Orchestrator) { o.deviceFactory = factory }
}

// WithEngineOptions forwards options to the audio engine built on each
// connect, e.g. WithSpeechDetector or WithFrameDuration.
func WithEngineOptions(opts ...AudioDuplexOption) OrchestratorOption {
	return func(o *Orchestrator) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithFunctionExecutor registers the collaborator receiving remote function
// calls.
func WithFunctionExecutor(executor FunctionExecutor) OrchestratorOption {
	return func(o *Orchestrator) { o.executor = executor }
}

// WithMaxToolRounds overrides the function-call depth guard.
func WithMaxToolRounds(rounds int) OrchestratorOption {
	return func(o *Orchestrator) {
		if rounds > 0 {
			o.maxToolRounds = rounds
		}
	}
}

// WithTextCallback registers a callback for final response texts.
func WithTextCallback(callback func(text string)) OrchestratorOption {
	return func(o *Orchestrator) { o.callbacks.onText = callback }
}

// WithTranscriptCallback registers a callback for final speech transcripts.
func WithTranscriptCallback(callback func(transcript string)) OrchestratorOption {
	return func(o *Orchestrator) { o.callbacks.onTranscript = callback }
}

// WithAudioCallback registers a callback for every non-empty synthesized
// audio fragment. Fragments are also scheduled for playback independently of
// this callback.
func WithAudioCallback(callback func(chunk []byte)) OrchestratorOption {
	return func(o *Orchestrator) { o.callbacks.onAudio = callback }
}

// WithStateCallback registers a callback for session lifecycle changes.
func WithStateCallback(callback func(state session.State)) OrchestratorOption {
	return func(o *Orchestrator) { o.callbacks.onState = callback }
}

// WithErrorCallback registers a callback for human-readable failure
// messages.
func WithErrorCallback(callback func(message string)) OrchestratorOption {
	return func(o *Orchestrator) { o.callbacks.onError = callback }
}

// WithLevelCallback registers a callback for normalized microphone levels,
// published for every captured frame regardless of the VAD decision.
func WithLevelCallback(callback func(level float64)) OrchestratorOption {
	return func(o *Orchestrator) { o.callbacks.onLevel = callback }
}
