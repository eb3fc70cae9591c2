// Package tools provides the function registry and executor collaborator fed
// by remote function-call events.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/aria-core/core/llms/openai"
	"github.com/koscakluka/aria-core/core/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Tool is one named function callable by the remote service.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema

	execute func(ctx context.Context, arguments string) (string, error)
}

// New builds a tool whose parameter schema is reflected from the handler's
// argument struct.
func New[T any](name, description string, handler func(ctx context.Context, args T) (string, error)) Tool {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.ReflectFromType(reflect.TypeOf(*new(T)))
	// The realtime API expects a bare parameters object, not a full
	// document.
	schema.Version = ""

	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		execute: func(ctx context.Context, arguments string) (string, error) {
			var args T
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &args); err != nil {
					return "", fmt.Errorf("failed to parse arguments: %w", err)
				}
			}
			return handler(ctx, args)
		},
	}
}

// Registry holds tools and executes them on behalf of the orchestrator. It
// satisfies the function-executor contract: Execute never fails, failures
// come back as descriptive result strings because they are fed into the
// conversation as user-visible text.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: map[string]Tool{}}
	for _, tool := range tools {
		r.Register(tool)
	}
	return r
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Definitions returns the tool definitions to advertise in the session
// configuration, sorted by name so the configuration frame is stable.
func (r *Registry) Definitions() []session.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]session.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		parameters, err := json.Marshal(tool.Parameters)
		if err != nil {
			logger.Warn("skipping tool with unmarshalable schema", "tool", tool.Name, "error", err)
			continue
		}
		definitions = append(definitions, session.ToolDefinition{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  parameters,
		})
	}
	sort.Slice(definitions, func(i, j int) bool { return definitions[i].Name < definitions[j].Name })
	return definitions
}

// ChatTools returns the registered tools as chat-completions tool
// definitions, sorted by name.
func (r *Registry) ChatTools() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chatTools := make([]openai.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		parameters, err := json.Marshal(tool.Parameters)
		if err != nil {
			logger.Warn("skipping tool with unmarshalable schema", "tool", tool.Name, "error", err)
			continue
		}
		chatTools = append(chatTools, openai.Tool{
			Type: "function",
			Function: openai.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  parameters,
			},
		})
	}
	sort.Slice(chatTools, func(i, j int) bool { return chatTools[i].Function.Name < chatTools[j].Function.Name })
	return chatTools
}

// Execute runs one function call and always returns a result string.
func (r *Registry) Execute(ctx context.Context, name string, arguments string) string {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("tool not found: %s", name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Sprintf("Function %q not found.", name)
	}

	result, err := tool.execute(ctx, arguments)
	if err != nil {
		err = fmt.Errorf("failed to execute tool %q: %w", name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Sprintf("Execution error: %v", err)
	}
	return result
}
