package agent

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/answerstream/internal/domain"
)

var discardLogger = slog.New(slog.DiscardHandler)

// fakeStep is one scripted element of a fake workflow run.
type fakeStep struct {
	wait      time.Duration
	ignoreCtx bool // sleep through cancellation, like a stuck engine
	snap      *domain.Snapshot
	err       error
}

type streamCall struct {
	threadID string
	messages []domain.Message
}

type fakeEngine struct {
	mu         sync.Mutex
	steps      []fakeStep
	calls      []streamCall
	history    map[string][]domain.Message
	historyErr error
	healthErr  error
}

func (f *fakeEngine) Stream(ctx context.Context, threadID string, messages []domain.Message) iter.Seq2[*domain.Snapshot, error] {
	f.mu.Lock()
	f.calls = append(f.calls, streamCall{threadID: threadID, messages: messages})
	steps := f.steps
	f.mu.Unlock()

	return func(yield func(*domain.Snapshot, error) bool) {
		for _, s := range steps {
			if s.wait > 0 {
				if s.ignoreCtx {
					time.Sleep(s.wait)
				} else {
					select {
					case <-time.After(s.wait):
					case <-ctx.Done():
						return
					}
				}
			}
			if s.err != nil {
				yield(nil, s.err)
				return
			}
			if !yield(s.snap, nil) {
				return
			}
		}
	}
}

func (f *fakeEngine) History(_ context.Context, threadID string) ([]domain.Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[threadID], nil
}

func (f *fakeEngine) Health(context.Context) error { return f.healthErr }

func (f *fakeEngine) Close() {}

func (f *fakeEngine) lastCall() streamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return streamCall{}
	}
	return f.calls[len(f.calls)-1]
}

func snapshot(msgs ...domain.Message) *domain.Snapshot {
	return &domain.Snapshot{Messages: msgs}
}

var (
	userMsg     = domain.Message{ID: "m1", Role: domain.RoleUser, Content: "What is REST?"}
	toolCallMsg = domain.Message{ID: "m2", Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
		{ID: "c1", Name: "retrieve", Arguments: map[string]any{"query": "REST"}},
	}}
	toolResultMsg = domain.Message{ID: "m3", Role: domain.RoleTool, Content: "Source: api-guide.md\nREST uses resources."}
	answerMsg     = domain.Message{ID: "m4", Role: domain.RoleAssistant, Content: "Based on the guidelines, REST is an architectural style."}
)

// ragSteps is the usual retrieve-then-answer run.
func ragSteps() []fakeStep {
	return []fakeStep{
		{snap: snapshot(userMsg)},
		{snap: snapshot(userMsg, toolCallMsg)},
		{snap: snapshot(userMsg, toolCallMsg, toolResultMsg)},
		{snap: snapshot(userMsg, toolCallMsg, toolResultMsg, answerMsg)},
	}
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []domain.StreamEvent
	failAt int // fail the Nth event (1-based); 0 never fails
}

func (r *recorder) sink(ev domain.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+1 == r.failAt {
		return errSinkClosed
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []domain.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StreamEvent(nil), r.events...)
}

func (r *recorder) types() []domain.EventType {
	var out []domain.EventType
	for _, ev := range r.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) steps() []string {
	var out []string
	for _, ev := range r.snapshot() {
		if p, ok := ev.Payload.(domain.StepPayload); ok {
			out = append(out, p.Step)
		}
	}
	return out
}

func (r *recorder) tokens() string {
	var out string
	for _, ev := range r.snapshot() {
		if p, ok := ev.Payload.(domain.TokenPayload); ok {
			out += p.Content
		}
	}
	return out
}
