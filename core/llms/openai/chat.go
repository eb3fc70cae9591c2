// Package openai implements a streaming chat-completions transport for
// non-realtime text turns.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/aria-core/core/llms"
	"github.com/koscakluka/aria-core/internal/utils"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultURL   = "https://api.openai.com/v1/chat/completions"
	defaultModel = "gpt-4o-mini"

	endMessage  = "[DONE]"
	chunkPrefix = "data:"
)

// Tool is one callable function advertised to the chat-completions API.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolExecutor runs one named tool with JSON-encoded arguments and always
// returns a result string; failures come back as descriptive text.
type ToolExecutor func(ctx context.Context, name string, arguments string) string

type Client struct {
	apiKey string
	model  string
	url    string

	tools   []Tool
	execute ToolExecutor

	httpClient *http.Client
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithAPIKey(apiKey string) Option {
	return func(c *Client) { c.apiKey = apiKey }
}

func WithURL(url string) Option {
	return func(c *Client) { c.url = url }
}

// WithTools advertises tools on every request and registers the executor
// their calls are dispatched to.
func WithTools(execute ToolExecutor, tools ...Tool) Option {
	return func(c *Client) {
		c.execute = execute
		c.tools = append(c.tools, tools...)
	}
}

func NewClient(opts ...Option) *Client {
	client := &Client{
		apiKey: os.Getenv("OPENAI_API_KEY"),
		model:  defaultModel,
		url:    defaultURL,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Complete streams chat completions and returns the final response text.
// Tool calls requested by the model are executed and their results fed back
// as tool messages, looping until the model answers in plain text. onDelta,
// when not nil, receives every content fragment as it arrives.
func (c *Client) Complete(ctx context.Context, messages []llms.Message, onDelta func(content string)) (string, error) {
	ctx, span := tracer.Start(ctx, "prompt chat completion")
	defer span.End()
	span.SetAttributes(attribute.String("request.model", c.model))
	var toolNames []string
	for _, tool := range c.tools {
		toolNames = append(toolNames, tool.Function.Name)
	}
	span.SetAttributes(attribute.StringSlice("request.available_tools", toolNames))

	var payload []message
	if err := copier.Copy(&payload, messages); err != nil {
		err = fmt.Errorf("error converting messages: %w", err)
		span.RecordError(err)
		return "", err
	}

	var toolChoice *string
	if len(c.tools) > 0 {
		toolChoice = utils.Ptr("auto")
	}

	for {
		response, toolCalls, err := c.streamOnce(ctx, span, payload, toolChoice, onDelta)
		if err != nil {
			span.RecordError(err)
			return "", err
		}

		if len(toolCalls) == 0 {
			return strings.TrimSpace(response), nil
		}

		calledNames := []string{}
		for _, call := range toolCalls {
			calledNames = append(calledNames, call.Name)
		}
		span.SetAttributes(attribute.StringSlice("response.tool_calls", calledNames))

		assistant := message{Role: llms.MessageRoleAssistant, Content: response}
		for _, call := range toolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, toolCall{
				ID:       call.ID,
				Type:     "function",
				Function: toolCallFunction{Name: call.Name, Arguments: call.Arguments},
			})
		}
		payload = append(payload, assistant)

		for i := range toolCalls {
			toolCalls[i].Response = c.executeTool(ctx, toolCalls[i])
			payload = append(payload, message{
				Role:       llms.MessageRoleTool,
				Content:    toolCalls[i].Response,
				ToolCallID: toolCalls[i].ID,
			})
		}
	}
}

func (c *Client) executeTool(ctx context.Context, call llms.ToolCall) string {
	if c.execute == nil {
		logger.Warn("dropping tool call without executor", "tool", call.Name)
		return fmt.Sprintf("Function %q not found.", call.Name)
	}
	return c.execute(ctx, call.Name, call.Arguments)
}

// streamOnce runs a single streaming request and returns the accumulated
// content plus any tool calls the model requested.
func (c *Client) streamOnce(ctx context.Context, span trace.Span, payload []message, toolChoice *string, onDelta func(content string)) (string, []llms.ToolCall, error) {
	requestToFirstTokenTime := time.Now()
	setRequestToFirstTokenTime := func() {
		if requestToFirstTokenTime.IsZero() {
			return
		}
		span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestToFirstTokenTime).Seconds()))
		span.AddEvent("received first chunk")
		requestToFirstTokenTime = time.Time{}
	}

	requestBodyBytes, err := json.Marshal(requestBody{
		Model:      c.model,
		Messages:   payload,
		Stream:     true,
		Tools:      c.tools,
		ToolChoice: toolChoice,
	})
	if err != nil {
		return "", nil, fmt.Errorf("error marshalling JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return "", nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	span.AddEvent("request started")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		if errorBody, err := io.ReadAll(resp.Body); err == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
		}
		return "", nil, fmt.Errorf("non-OK HTTP status: %s", resp.Status)
	}

	var response strings.Builder
	toolCalls := []llms.ToolCall{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
		setRequestToFirstTokenTime()

		if len(chunk) == 0 {
			continue
		}
		if chunk == endMessage {
			break
		}

		var responseBody streamingResponseBody
		if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
			err = fmt.Errorf("error unmarshalling JSON: %w", err)
			span.RecordError(err)
			continue
		}
		if len(responseBody.Choices) == 0 {
			continue
		}
		delta := responseBody.Choices[0].Delta

		// Tool calls stream as fragments keyed by index: the first carries
		// id and name, the rest append argument text.
		for _, fragment := range delta.ToolCalls {
			for fragment.Index >= len(toolCalls) {
				toolCalls = append(toolCalls, llms.ToolCall{})
			}
			call := &toolCalls[fragment.Index]
			if fragment.ID != "" {
				call.ID = fragment.ID
			}
			if fragment.Function.Name != "" {
				call.Name = fragment.Function.Name
			}
			call.Arguments += fragment.Function.Arguments
		}

		if content := delta.Content; content != "" {
			response.WriteString(content)
			if onDelta != nil {
				onDelta(content)
			}
		}

		if usage := responseBody.Usage; usage != nil {
			span.SetAttributes(attribute.Int("usage.prompt", usage.PromptTokens))
			span.SetAttributes(attribute.Int("usage.completion", usage.CompletionTokens))
			span.SetAttributes(attribute.Int("usage.total", usage.TotalTokens))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("error reading streamed response: %w", err)
	}

	return response.String(), toolCalls, nil
}

type message struct {
	Role       llms.MessageRole `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall       `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type streamedToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function toolCallFunction `json:"function"`
}

type requestBody struct {
	Model      string    `json:"model"`
	Messages   []message `json:"messages"`
	Stream     bool      `json:"stream"`
	ToolChoice *string   `json:"tool_choice,omitempty"`
	Tools      []Tool    `json:"tools,omitempty"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Role      string             `json:"role,omitempty"`
			Content   string             `json:"content,omitempty"`
			ToolCalls []streamedToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
