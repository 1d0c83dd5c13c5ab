// Package progress carries step-level events from long gathering runs to
// whoever is watching, typically an SSE stream.
package progress

import "github.com/rs/zerolog"

// Event types emitted during a chat turn or gathering run.
const (
	TypeStep       = "step"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
	TypeAnswer     = "answer"
	TypeError      = "error"
)

// Step statuses.
const (
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// Event is one progress update.
type Event struct {
	Type    string         `json:"type"`
	Step    string         `json:"step,omitempty"`
	Label   string         `json:"label,omitempty"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Sink receives events. Implementations must tolerate being called from
// multiple goroutines.
type Sink interface {
	Publish(event Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(Event) {}

// LogSink mirrors events into a logger, used by CLI runs without a stream.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(event Event) {
	entry := s.Logger.Info().
		Str("type", event.Type).
		Str("step", event.Step).
		Str("status", event.Status)
	if event.Message != "" {
		entry = entry.Str("detail", event.Message)
	}
	entry.Msg(event.Label)
}

// Step publishes a step transition.
func Step(sink Sink, step, label, status string) {
	if sink == nil {
		return
	}
	sink.Publish(Event{Type: TypeStep, Step: step, Label: label, Status: status})
}

// StepData publishes a step transition with extra payload.
func StepData(sink Sink, step, label, status string, data map[string]any) {
	if sink == nil {
		return
	}
	sink.Publish(Event{Type: TypeStep, Step: step, Label: label, Status: status, Data: data})
}
