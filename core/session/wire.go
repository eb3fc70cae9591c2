package session

import "encoding/json"

const (
	clientEventSessionUpdate    = "session.update"
	clientEventItemCreate       = "conversation.item.create"
	clientEventResponseCreate   = "response.create"
	clientEventResponseCancel   = "response.cancel"
	clientEventInputAudioAppend = "input_audio_buffer.append"
	clientEventInputAudioCommit = "input_audio_buffer.commit"
)

const (
	serverEventSessionCreated     = "session.created"
	serverEventSessionUpdated     = "session.updated"
	serverEventResponseCreated    = "response.created"
	serverEventResponseDone       = "response.done"
	serverEventTextDelta          = "response.text.delta"
	serverEventTextDone           = "response.text.done"
	serverEventAudioDelta         = "response.audio.delta"
	serverEventAudioDone          = "response.audio.done"
	serverEventTranscriptDelta    = "response.audio_transcript.delta"
	serverEventTranscriptDone     = "response.audio_transcript.done"
	serverEventFunctionCallDone   = "response.function_call_arguments.done"
	serverEventError              = "error"
)

type clientEvent struct {
	// EventID correlates error frames with the event that caused them.
	EventID string            `json:"event_id,omitempty"`
	Type    string            `json:"type"`
	Session *sessionPayload   `json:"session,omitempty"`
	Item    *conversationItem `json:"item,omitempty"`
	Audio   string            `json:"audio,omitempty"`
}

type sessionPayload struct {
	Modalities        []string         `json:"modalities,omitempty"`
	Voice             string           `json:"voice,omitempty"`
	Instructions      string           `json:"instructions,omitempty"`
	Temperature       *float64         `json:"temperature,omitempty"`
	InputAudioFormat  string           `json:"input_audio_format,omitempty"`
	OutputAudioFormat string           `json:"output_audio_format,omitempty"`
	Tools             []ToolDefinition `json:"tools,omitempty"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func userMessageItem(text string) *conversationItem {
	return &conversationItem{
		Type:    "message",
		Role:    "user",
		Content: []contentPart{{Type: "input_text", Text: text}},
	}
}

type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Text       string       `json:"text,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Name       string       `json:"name,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverError) readable() string {
	if e == nil || e.Message == "" {
		return "remote error without message"
	}
	return e.Message
}

// ToolDefinition describes one callable function advertised to the remote
// service through the session configuration. Parameters carries a JSON
// schema object.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FunctionCall is one completed tool invocation request from the remote side.
// Arguments is a JSON-encoded object and is passed through untouched.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
