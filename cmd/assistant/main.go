// Command assistant runs a voice-and-text assistant session in the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	realtime "github.com/koscakluka/aria-core/core"
	"github.com/koscakluka/aria-core/core/session"
	"github.com/koscakluka/aria-core/core/tools"
)

func main() {
	model := flag.String("model", "gpt-4o-realtime-preview", "realtime model to use")
	voice := flag.String("voice", "alloy", "voice for synthesized speech")
	instructions := flag.String("instructions", "You are a helpful voice assistant. Keep responses short.", "system instructions")
	flag.Parse()

	registry := tools.NewRegistry(
		tools.New("get_time",
			"Returns the current local time.",
			func(ctx context.Context, args struct {
				Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name"`
			}) (string, error) {
				now := time.Now()
				if args.Timezone != "" {
					location, err := time.LoadLocation(args.Timezone)
					if err != nil {
						return "", fmt.Errorf("unknown timezone %q: %w", args.Timezone, err)
					}
					now = now.In(location)
				}
				return now.Format("15:04"), nil
			},
		),
		tools.New("get_date",
			"Returns today's date.",
			func(ctx context.Context, args struct{}) (string, error) {
				return time.Now().Format("Monday, 2 January 2006"), nil
			},
		),
	)

	events := make(chan event, 64)
	push := func(e event) {
		select {
		case events <- e:
		default:
		}
	}

	orchestrator := realtime.NewOrchestrator(
		realtime.WithSessionOptions(
			session.WithModel(*model),
			session.WithVoice(*voice),
			session.WithInstructions(*instructions),
			session.WithTools(registry.Definitions()...),
		),
		realtime.WithFunctionExecutor(registry),
		realtime.WithTextCallback(func(text string) {
			push(event{kind: eventResponse, text: text})
		}),
		realtime.WithTranscriptCallback(func(transcript string) {
			push(event{kind: eventTranscript, text: transcript})
		}),
		realtime.WithStateCallback(func(state session.State) {
			push(event{kind: eventState, state: state})
		}),
		realtime.WithErrorCallback(func(message string) {
			push(event{kind: eventFailure, text: message})
		}),
		realtime.WithLevelCallback(func(level float64) {
			push(event{kind: eventLevel, level: level})
		}),
	)

	program := tea.NewProgram(newModel(orchestrator, events), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "assistant:", err)
		os.Exit(1)
	}
}
