package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/koscakluka/aria-core/core/llms"
)

func sseBody(contents ...string) string {
	var body strings.Builder
	for _, content := range contents {
		body.WriteString(`data: {"choices":[{"delta":{"content":` + jsonString(content) + `}}]}` + "\n\n")
	}
	body.WriteString("data: [DONE]\n\n")
	return body.String()
}

func jsonString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

func TestCompleteAccumulatesStream(t *testing.T) {
	var requested requestBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &requested); err != nil {
			t.Errorf("expected a JSON request body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody("The time ", "is 14:02."))
	}))
	defer server.Close()

	client := NewClient(WithURL(server.URL), WithAPIKey("test-key"), WithModel("gpt-4o-mini"))

	var deltas []string
	response, err := client.Complete(context.Background(), []llms.Message{
		{Role: llms.MessageRoleSystem, Content: "You are concise."},
		{Role: llms.MessageRoleUser, Content: "What time is it?"},
	}, func(content string) { deltas = append(deltas, content) })
	if err != nil {
		t.Fatalf("expected completion to succeed: %v", err)
	}

	if response != "The time is 14:02." {
		t.Fatalf("expected accumulated response, got %q", response)
	}
	if len(deltas) != 2 || deltas[0] != "The time " {
		t.Fatalf("expected both deltas forwarded, got %v", deltas)
	}
	if !requested.Stream {
		t.Fatalf("expected a streaming request")
	}
	if len(requested.Messages) != 2 || requested.Messages[1].Role != llms.MessageRoleUser {
		t.Fatalf("expected conversation forwarded, got %v", requested.Messages)
	}
}

func TestCompleteExecutesToolCalls(t *testing.T) {
	var requests []requestBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var requested requestBody
		if err := json.Unmarshal(body, &requested); err != nil {
			t.Errorf("expected a JSON request body: %v", err)
		}
		requests = append(requests, requested)

		w.Header().Set("Content-Type", "text/event-stream")
		if len(requests) == 1 {
			// Arguments arrive split across fragments sharing an index.
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","type":"function","function":{"name":"clock"}}]}}]}`+"\n\n")
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"zone\":"}}]}}]}`+"\n\n")
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"UTC\"}"}}]}}]}`+"\n\n")
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		_, _ = io.WriteString(w, sseBody("It is 14:02 UTC."))
	}))
	defer server.Close()

	var executedName, executedArguments string
	client := NewClient(WithURL(server.URL), WithAPIKey("test-key"),
		WithTools(func(ctx context.Context, name string, arguments string) string {
			executedName, executedArguments = name, arguments
			return "14:02"
		}, Tool{Type: "function", Function: ToolFunction{Name: "clock", Parameters: json.RawMessage(`{"type":"object"}`)}}),
	)

	response, err := client.Complete(context.Background(), []llms.Message{
		{Role: llms.MessageRoleUser, Content: "What time is it?"},
	}, nil)
	if err != nil {
		t.Fatalf("expected completion to succeed: %v", err)
	}

	if response != "It is 14:02 UTC." {
		t.Fatalf("expected the follow-up response, got %q", response)
	}
	if executedName != "clock" {
		t.Fatalf("expected the clock tool executed, got %q", executedName)
	}
	if executedArguments != `{"zone":"UTC"}` {
		t.Fatalf("expected accumulated arguments, got %q", executedArguments)
	}

	if len(requests) != 2 {
		t.Fatalf("expected two requests, got %d", len(requests))
	}
	if len(requests[0].Tools) != 1 || requests[0].Tools[0].Function.Name != "clock" {
		t.Fatalf("expected the tool advertised, got %v", requests[0].Tools)
	}
	if requests[0].ToolChoice == nil || *requests[0].ToolChoice != "auto" {
		t.Fatalf("expected tool_choice auto, got %v", requests[0].ToolChoice)
	}

	followUp := requests[1].Messages
	if len(followUp) != 3 {
		t.Fatalf("expected user, assistant and tool messages, got %v", followUp)
	}
	assistant := followUp[1]
	if assistant.Role != llms.MessageRoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Fatalf("expected the assistant tool-call message echoed, got %v", assistant)
	}
	if assistant.ToolCalls[0].ID != "call-1" || assistant.ToolCalls[0].Function.Arguments != `{"zone":"UTC"}` {
		t.Fatalf("expected the accumulated call echoed, got %v", assistant.ToolCalls[0])
	}
	result := followUp[2]
	if result.Role != llms.MessageRoleTool || result.ToolCallID != "call-1" || result.Content != "14:02" {
		t.Fatalf("expected the tool result message, got %v", result)
	}
}

func TestCompleteDropsToolCallsWithoutExecutor(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "text/event-stream")
		if requests == 1 {
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","type":"function","function":{"name":"missing","arguments":"{}"}}]}}]}`+"\n\n")
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		_, _ = io.WriteString(w, sseBody("done"))
	}))
	defer server.Close()

	client := NewClient(WithURL(server.URL), WithAPIKey("test-key"))

	response, err := client.Complete(context.Background(), []llms.Message{
		{Role: llms.MessageRoleUser, Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("expected completion to succeed: %v", err)
	}
	if response != "done" {
		t.Fatalf("expected the follow-up response, got %q", response)
	}
	if requests != 2 {
		t.Fatalf("expected the not-found result fed back, got %d requests", requests)
	}
}

func TestCompleteSurfacesHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(WithURL(server.URL), WithAPIKey("bad-key"))

	if _, err := client.Complete(context.Background(), []llms.Message{
		{Role: llms.MessageRoleUser, Content: "hello"},
	}, nil); err == nil {
		t.Fatalf("expected an error for a non-OK status")
	}
}

func TestCompleteSkipsMalformedChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {not json}\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"hello"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(WithURL(server.URL), WithAPIKey("test-key"))

	response, err := client.Complete(context.Background(), []llms.Message{
		{Role: llms.MessageRoleUser, Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("expected completion to succeed: %v", err)
	}
	if response != "hello" {
		t.Fatalf("expected the well-formed chunk kept, got %q", response)
	}
}
