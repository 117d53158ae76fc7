package domain

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// EventType is the discriminator of a StreamEvent.
type EventType string

const (
	// EventStart is always the first event of an invocation.
	EventStart EventType = "start"
	// EventStep reports a workflow phase change.
	EventStep EventType = "step"
	// EventToken carries a fragment of the answer text.
	EventToken EventType = "token"
	// EventComplete terminates a successful invocation.
	EventComplete EventType = "complete"
	// EventError terminates a failed invocation.
	EventError EventType = "error"
)

// Terminal returns true for event types that end an invocation.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// StartPayload is the data of a start event.
type StartPayload struct {
	Message   string    `json:"message"`
	ThreadID  string    `json:"threadId"`
	Timestamp time.Time `json:"timestamp"`
}

// StepPayload is the data of a step event.
type StepPayload struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenPayload is the data of a token event.
type TokenPayload struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletePayload is the data of a complete event.
type CompletePayload struct {
	Message      string    `json:"message"`
	FinalContent string    `json:"finalContent"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamEvent is one element of the event stream delivered to a client.
// Payload holds one of the *Payload types matching Type.
type StreamEvent struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// NewStartEvent builds a start event.
func NewStartEvent(threadID string, ts time.Time) StreamEvent {
	return StreamEvent{Type: EventStart, Timestamp: ts, Payload: StartPayload{
		Message:   "Stream started",
		ThreadID:  threadID,
		Timestamp: ts,
	}}
}

// NewStepEvent builds a step event.
func NewStepEvent(step string, ts time.Time) StreamEvent {
	return StreamEvent{Type: EventStep, Timestamp: ts, Payload: StepPayload{Step: step, Timestamp: ts}}
}

// NewTokenEvent builds a token event.
func NewTokenEvent(content string, ts time.Time) StreamEvent {
	return StreamEvent{Type: EventToken, Timestamp: ts, Payload: TokenPayload{Content: content, Timestamp: ts}}
}

// NewCompleteEvent builds a complete event.
func NewCompleteEvent(finalContent string, ts time.Time) StreamEvent {
	return StreamEvent{Type: EventComplete, Timestamp: ts, Payload: CompletePayload{
		Message:      "Stream completed",
		FinalContent: finalContent,
		Timestamp:    ts,
	}}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(msg string, ts time.Time) StreamEvent {
	return StreamEvent{Type: EventError, Timestamp: ts, Payload: ErrorPayload{Error: msg, Timestamp: ts}}
}

// Data returns the JSON encoding of the payload.
func (e StreamEvent) Data() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return data, nil
}

// Encode writes the event as one SSE block.
func (e StreamEvent) Encode(w io.Writer) error {
	data, err := e.Data()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}

// MarshalJSON encodes the event as {"type": ..., "data": ...} for
// transports without native event names (WebSocket).
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type EventType `json:"type"`
		Data any       `json:"data"`
	}{Type: e.Type, Data: e.Payload})
}

// StreamConnection tracks one in-flight streaming invocation.
type StreamConnection struct {
	ID                 string    `json:"id"`
	ThreadID           string    `json:"threadId"`
	StartTime          time.Time `json:"startTime"`
	CurrentStep        string    `json:"currentStep"`
	TokenCount         int       `json:"tokenCount"`
	ClientDisconnected bool      `json:"clientDisconnected"`
}

// StreamMetrics is the process-wide aggregate over all streams.
type StreamMetrics struct {
	Started       int64   `json:"started"`
	Completed     int64   `json:"completed"`
	Cancelled     int64   `json:"cancelled"`
	Errored       int64   `json:"errored"`
	Stale         int64   `json:"stale"`
	Active        int     `json:"active"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	AvgTokens     float64 `json:"avgTokens"`
}
