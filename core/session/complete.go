package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/aria-core/core/llms"
	"go.opentelemetry.io/otel/codes"
)

// completionContextWindow bounds how much history a one-shot completion
// replays to the remote.
const completionContextWindow = 5

// Complete runs one text-only turn over a fresh realtime connection: replay
// recent history, request a single response, accumulate its text deltas, and
// close. It is the lightweight alternative to holding a live Session open.
func Complete(ctx context.Context, messages []llms.Message, opts ...Option) (string, error) {
	ctx, span := tracer.Start(ctx, "one-shot realtime completion")
	defer span.End()

	config := defaultConfig()
	config.Modalities = []string{"text"}
	for _, opt := range opts {
		opt(&config)
	}

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	conn, err := config.dial(ctx, config)
	if err != nil {
		return fail(fmt.Errorf("failed to open realtime stream: %w", err))
	}
	defer conn.Close()

	write := func(event clientEvent) error {
		event.EventID = uuid.NewString()
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := write(clientEvent{Type: clientEventSessionUpdate, Session: &sessionPayload{
		Modalities:   []string{"text"},
		Instructions: config.Instructions,
	}}); err != nil {
		return fail(fmt.Errorf("failed to send session configuration: %w", err))
	}

	history := messages
	if len(history) > completionContextWindow {
		history = history[len(history)-completionContextWindow:]
	}
	for _, msg := range history {
		if err := write(clientEvent{Type: clientEventItemCreate, Item: &conversationItem{
			Type:    "message",
			Role:    string(msg.Role),
			Content: []contentPart{{Type: "input_text", Text: msg.Content}},
		}}); err != nil {
			return fail(fmt.Errorf("failed to replay message: %w", err))
		}
	}

	if err := write(clientEvent{Type: clientEventResponseCreate}); err != nil {
		return fail(fmt.Errorf("failed to request response: %w", err))
	}

	var text strings.Builder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fail(fmt.Errorf("realtime stream read failed: %w", err))
		}

		var event serverEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case serverEventTextDelta:
			text.WriteString(event.Delta)
		case serverEventTextDone, serverEventResponseDone:
			return strings.TrimSpace(text.String()), nil
		case serverEventError:
			return fail(fmt.Errorf("remote error: %s", event.Error.readable()))
		}
	}
}
