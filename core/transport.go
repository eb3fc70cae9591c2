package realtime

import (
	"context"
	"fmt"

	"github.com/koscakluka/aria-core/core/llms"
	"github.com/koscakluka/aria-core/core/llms/openai"
	"github.com/koscakluka/aria-core/core/session"
)

// Text transport kinds accepted by NewTextCompleter.
const (
	TransportRealtime = "realtime"
	TransportChat     = "chat"
)

// TextCompleter produces one assistant response for a conversation. It is
// satisfied by *openai.Client and by the one-shot realtime completion.
type TextCompleter interface {
	Complete(ctx context.Context, messages []llms.Message, onDelta func(content string)) (string, error)
}

type textCompleterConfig struct {
	sessionOpts []session.Option
	chatOpts    []openai.Option
}

type TextCompleterOption func(*textCompleterConfig)

// WithCompletionSessionOptions configures the realtime transport.
func WithCompletionSessionOptions(opts ...session.Option) TextCompleterOption {
	return func(c *textCompleterConfig) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithChatOptions configures the chat-completions transport.
func WithChatOptions(opts ...openai.Option) TextCompleterOption {
	return func(c *textCompleterConfig) { c.chatOpts = append(c.chatOpts, opts...) }
}

// NewTextCompleter picks the text transport by kind: TransportRealtime runs
// one-shot completions over the realtime stream, TransportChat uses the
// HTTP chat-completions API. An empty kind means TransportRealtime.
func NewTextCompleter(kind string, opts ...TextCompleterOption) (TextCompleter, error) {
	config := textCompleterConfig{}
	for _, opt := range opts {
		opt(&config)
	}

	switch kind {
	case TransportRealtime, "":
		return realtimeCompleter{opts: config.sessionOpts}, nil
	case TransportChat:
		return openai.NewClient(config.chatOpts...), nil
	}
	return nil, fmt.Errorf("unknown text transport: %q", kind)
}

type realtimeCompleter struct {
	opts []session.Option
}

func (c realtimeCompleter) Complete(ctx context.Context, messages []llms.Message, onDelta func(content string)) (string, error) {
	text, err := session.Complete(ctx, messages, c.opts...)
	if err != nil {
		return "", err
	}
	// The realtime path accumulates internally, so the whole response
	// arrives as a single delta.
	if onDelta != nil && text != "" {
		onDelta(text)
	}
	return text, nil
}
