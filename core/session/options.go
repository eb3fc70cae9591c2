package session

import (
	"context"
	"slices"

	"github.com/koscakluka/aria-core/internal/utils"
)

const (
	defaultModel    = "gpt-4o-realtime-preview"
	defaultVoice    = "alloy"
	defaultEndpoint = "wss://api.openai.com/v1/realtime"
)

// Config is the configuration snapshot pushed to the remote service before a
// session is considered established.
type Config struct {
	Model        string
	Modalities   []string
	Voice        string
	Instructions string
	Temperature  float64
	Tools        []ToolDefinition

	apiKey   string
	endpoint string
	dial     Dialer
}

func defaultConfig() Config {
	return Config{
		Model:       defaultModel,
		Modalities:  []string{"text", "audio"},
		Voice:       defaultVoice,
		Temperature: 0.8,
		endpoint:    defaultEndpoint,
		dial:        dialWebsocket,
	}
}

func (c Config) payload() *sessionPayload {
	return &sessionPayload{
		Modalities:        slices.Clone(c.Modalities),
		Voice:             c.Voice,
		Instructions:      c.Instructions,
		Temperature:       utils.Ptr(c.Temperature),
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Tools:             slices.Clone(c.Tools),
	}
}

type Option func(*Config)

func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

func WithModalities(modalities ...string) Option {
	return func(c *Config) { c.Modalities = modalities }
}

func WithVoice(voice string) Option {
	return func(c *Config) { c.Voice = voice }
}

func WithInstructions(instructions string) Option {
	return func(c *Config) { c.Instructions = instructions }
}

func WithTemperature(temperature float64) Option {
	return func(c *Config) { c.Temperature = temperature }
}

func WithTools(tools ...ToolDefinition) Option {
	return func(c *Config) { c.Tools = append(c.Tools, tools...) }
}

// WithAPIKey overrides the key read from the OPENAI_API_KEY environment
// variable.
func WithAPIKey(apiKey string) Option {
	return func(c *Config) { c.apiKey = apiKey }
}

// WithEndpoint overrides the websocket endpoint, e.g. for proxies or
// compatible self-hosted services.
func WithEndpoint(endpoint string) Option {
	return func(c *Config) { c.endpoint = endpoint }
}

// Dialer opens the underlying bidirectional connection for a session.
type Dialer func(ctx context.Context, config Config) (Conn, error)

// WithDialer replaces the websocket dialer. Mostly useful for tests.
func WithDialer(dial Dialer) Option {
	return func(c *Config) { c.dial = dial }
}

// Callbacks are the six optional notification slots of a session. Unset slots
// are no-ops. All callbacks are delivered on the session's dispatch loop,
// never on the network read loop; they must not call back into the session's
// blocking operations.
type Callbacks struct {
	// OnTextDelta receives incremental response text. The final call carries
	// the full response text and done=true.
	OnTextDelta func(text string, done bool)
	// OnAudioDelta receives decoded PCM chunks of synthesized speech. The
	// final call carries an empty chunk and done=true.
	OnAudioDelta func(chunk []byte, done bool)
	// OnTranscriptDelta receives incremental transcript of the synthesized
	// speech. The final call carries the full transcript and done=true.
	OnTranscriptDelta func(transcript string, done bool)
	// OnFunctionCall receives one event per completed tool invocation
	// request.
	OnFunctionCall func(call FunctionCall)
	// OnStateChanged receives every lifecycle state change.
	OnStateChanged func(state State)
	// OnError receives a human-readable message once per failure.
	OnError func(message string)
}
