package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/answerstream/internal/domain"
	"github.com/ashureev/answerstream/internal/monitor"
)

// Step labels sent to clients.
const (
	StepSearching  = "Searching for information..."
	StepProcessing = "Processing retrieved information..."
	StepGenerating = "Generating response..."

	// sourceMarker identifies tool output produced by the retriever.
	sourceMarker = "Source:"

	msgTimeout  = "Request timeout: the answer took too long to generate."
	msgUpstream = "Workflow execution failed. Please try again."
	msgEmpty    = "No response was generated. Please try rephrasing your question."

	// drainTimeout bounds how long Run waits for the engine to notice cancellation.
	drainTimeout = 5 * time.Second
)

// Sink receives events in order. A returned error means the client is gone.
type Sink func(domain.StreamEvent) error

// Outcome classifies how an invocation ended.
type Outcome int

const (
	// OutcomeComplete means a complete event was emitted.
	OutcomeComplete Outcome = iota
	// OutcomeError means an error event was emitted.
	OutcomeError
	// OutcomeCancelled means the caller went away; nothing terminal was emitted.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeError:
		return "error"
	default:
		return "cancelled"
	}
}

// Invocation is one workflow execution for a single user message.
type Invocation struct {
	ID       string
	ThreadID string
	Messages []domain.Message
}

// Result summarizes a finished invocation.
type Result struct {
	InvocationID string
	ThreadID     string
	Outcome      Outcome
	FinalContent string
	Err          error
}

// TranscoderConfig tunes event pacing and the watchdog.
type TranscoderConfig struct {
	Timeout    time.Duration // watchdog, measured from invocation start
	TokenSize  int           // runes per token fragment
	TokenDelay time.Duration // pause between fragments
}

// DefaultTranscoderConfig returns default settings.
func DefaultTranscoderConfig() TranscoderConfig {
	return TranscoderConfig{
		Timeout:    30 * time.Second,
		TokenSize:  10,
		TokenDelay: 30 * time.Millisecond,
	}
}

// Transcoder turns a workflow engine's snapshot sequence into stream events.
type Transcoder struct {
	engine  Engine
	monitor *monitor.Monitor
	cfg     TranscoderConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewTranscoder creates a transcoder. Zero config fields take defaults.
func NewTranscoder(engine Engine, mon *monitor.Monitor, cfg TranscoderConfig, logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	if mon == nil {
		mon = monitor.New(logger)
	}
	defaults := DefaultTranscoderConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.TokenSize <= 0 {
		cfg.TokenSize = defaults.TokenSize
	}
	if cfg.TokenDelay < 0 {
		cfg.TokenDelay = 0
	}
	return &Transcoder{
		engine:  engine,
		monitor: mon,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

type snapshotItem struct {
	snap *domain.Snapshot
	err  error
}

// Run executes one invocation, delivering events to sink as soon as they are
// known. Failures become a terminal error event; Run never panics on engine
// errors and never emits anything after a terminal event.
func (t *Transcoder) Run(ctx context.Context, inv Invocation, sink Sink) Result {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	watchdog := time.NewTimer(t.cfg.Timeout)
	r := &run{
		t:        t,
		ctx:      ctx,
		inv:      inv,
		sink:     sink,
		watchdog: watchdog,
	}

	t.monitor.StartStream(inv.ID, inv.ThreadID)

	snapshots := make(chan snapshotItem)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		pump(runCtx, t.engine.Stream(runCtx, inv.ThreadID, inv.Messages), snapshots)
	}()

	res := r.loop(snapshots)

	watchdog.Stop()
	cancel()
	select {
	case <-pumpDone:
	case <-time.After(drainTimeout):
		t.logger.Warn("Workflow stream did not stop after cancellation",
			"invocation_id", inv.ID,
			"thread_id", inv.ThreadID,
		)
	}
	return res
}

func pump(ctx context.Context, seq iter.Seq2[*domain.Snapshot, error], out chan<- snapshotItem) {
	defer close(out)
	for snap, err := range seq {
		select {
		case out <- snapshotItem{snap: snap, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// messageVersion identifies a message state without relying on identity.
type messageVersion struct {
	index int
	id    string
	role  domain.Role
	size  int
	calls int
}

func versionOf(index int, m *domain.Message) messageVersion {
	return messageVersion{
		index: index,
		id:    m.ID,
		role:  m.Role,
		size:  len(m.Content),
		calls: len(m.ToolCalls),
	}
}

// run holds the per-invocation state. It is only touched by the goroutine
// executing Run.
type run struct {
	t        *Transcoder
	ctx      context.Context
	inv      Invocation
	sink     Sink
	watchdog *time.Timer

	lastVersion  messageVersion
	seenMessage  bool
	accumulated  string
	transcript   strings.Builder
	explicit     bool
	searching    bool
	processing   bool
	generating   bool
	toolStepSeen bool
}

func (r *run) loop(snapshots <-chan snapshotItem) Result {
	if err := r.emit(domain.NewStartEvent(r.inv.ThreadID, r.t.now())); err != nil {
		return r.disconnect(err)
	}

	for {
		select {
		case <-r.ctx.Done():
			return r.cancel()
		case <-r.watchdog.C:
			return r.fail(domain.ErrTimeout, msgTimeout)
		case item, ok := <-snapshots:
			if !ok {
				if r.ctx.Err() != nil {
					return r.cancel()
				}
				return r.complete()
			}
			if item.err != nil {
				if r.ctx.Err() != nil {
					return r.cancel()
				}
				r.t.logger.Error("Workflow stream failed",
					"invocation_id", r.inv.ID,
					"thread_id", r.inv.ThreadID,
					"error", item.err,
				)
				return r.fail(fmt.Errorf("%w: %w", domain.ErrUpstream, item.err), msgUpstream)
			}
			if res := r.handle(item.snap); res != nil {
				return *res
			}
		}
	}
}

// handle processes one snapshot. A non-nil result ends the invocation.
func (r *run) handle(snap *domain.Snapshot) *Result {
	if snap == nil {
		return nil
	}
	if snap.Phase != domain.PhaseNone {
		r.explicit = true
		if res := r.applyPhase(snap.Phase); res != nil {
			return res
		}
	}

	last := snap.Last()
	if last == nil {
		return nil
	}
	v := versionOf(len(snap.Messages)-1, last)
	if r.seenMessage && v == r.lastVersion {
		return nil
	}
	r.seenMessage = true
	r.lastVersion = v

	switch {
	case last.Role == domain.RoleUser:
		return nil
	case last.Role == domain.RoleAssistant && last.HasToolCalls():
		if r.explicit || r.searching {
			return nil
		}
		r.searching = true
		return r.step(StepSearching)
	case last.Role == domain.RoleAssistant:
		if last.Content == "" {
			return nil
		}
		return r.streamText(last.Content)
	case last.Role == domain.RoleTool && r.explicit:
		// Phase markers already cover tool output.
		return nil
	case last.Role == domain.RoleTool && strings.Contains(last.Content, sourceMarker):
		r.processing = true
		return r.step(StepProcessing)
	default:
		if strings.TrimSpace(last.Content) == "" {
			return nil
		}
		return r.step(fmt.Sprintf("Received %s message", last.Role))
	}
}

func (r *run) applyPhase(p domain.Phase) *Result {
	switch p {
	case domain.PhaseRetrievalStart:
		if !r.searching {
			r.searching = true
			return r.step(StepSearching)
		}
	case domain.PhaseRetrievalDone:
		if !r.processing {
			r.processing = true
			return r.step(StepProcessing)
		}
	case domain.PhaseGenerationStart:
		if !r.generating {
			r.generating = true
			return r.step(StepGenerating)
		}
	default:
		r.t.logger.Debug("Ignoring unknown workflow phase", "phase", p, "invocation_id", r.inv.ID)
	}
	return nil
}

// streamText emits the part of text not yet delivered, in fixed-size fragments.
func (r *run) streamText(text string) *Result {
	var fresh string
	switch {
	case strings.HasPrefix(text, r.accumulated):
		fresh = text[len(r.accumulated):]
	case strings.HasPrefix(r.accumulated, text):
		// A shorter resend of text already delivered.
		return nil
	default:
		// A different assistant message; deliver it whole.
		fresh = text
	}
	r.accumulated = text
	if fresh == "" {
		return nil
	}

	if !r.explicit && r.toolStepSeen && !r.generating {
		r.generating = true
		if res := r.step(StepGenerating); res != nil {
			return res
		}
	}

	for i, fragment := range splitRunes(fresh, r.t.cfg.TokenSize) {
		if i > 0 || r.transcript.Len() > 0 {
			if res := r.pause(); res != nil {
				return res
			}
		}
		if err := r.emit(domain.NewTokenEvent(fragment, r.t.now())); err != nil {
			res := r.disconnect(err)
			return &res
		}
		r.transcript.WriteString(fragment)
		r.t.monitor.IncrementTokens(r.inv.ID, 1)
	}
	return nil
}

func (r *run) step(label string) *Result {
	switch label {
	case StepSearching, StepProcessing:
		r.toolStepSeen = true
	}
	if err := r.emit(domain.NewStepEvent(label, r.t.now())); err != nil {
		res := r.disconnect(err)
		return &res
	}
	r.t.monitor.UpdateStep(r.inv.ID, label)
	return nil
}

// pause paces token emission while still honoring the watchdog and cancellation.
func (r *run) pause() *Result {
	if r.t.cfg.TokenDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(r.t.cfg.TokenDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-r.ctx.Done():
		res := r.cancel()
		return &res
	case <-r.watchdog.C:
		res := r.fail(domain.ErrTimeout, msgTimeout)
		return &res
	}
}

func (r *run) emit(ev domain.StreamEvent) error {
	if r.sink == nil {
		return nil
	}
	return r.sink(ev)
}

func (r *run) complete() Result {
	final := r.transcript.String()
	if final == "" {
		r.t.logger.Warn("Workflow finished without assistant text",
			"invocation_id", r.inv.ID,
			"thread_id", r.inv.ThreadID,
		)
		return r.fail(domain.ErrEmptyResponse, msgEmpty)
	}
	if err := r.emit(domain.NewCompleteEvent(final, r.t.now())); err != nil {
		r.t.logger.Debug("Complete event not delivered", "invocation_id", r.inv.ID, "error", err)
	}
	r.t.monitor.CompleteStream(r.inv.ID)
	return Result{
		InvocationID: r.inv.ID,
		ThreadID:     r.inv.ThreadID,
		Outcome:      OutcomeComplete,
		FinalContent: final,
	}
}

func (r *run) fail(cause error, msg string) Result {
	if err := r.emit(domain.NewErrorEvent(msg, r.t.now())); err != nil {
		r.t.logger.Debug("Error event not delivered", "invocation_id", r.inv.ID, "error", err)
	}
	r.t.monitor.ErrorStream(r.inv.ID)
	return Result{
		InvocationID: r.inv.ID,
		ThreadID:     r.inv.ThreadID,
		Outcome:      OutcomeError,
		FinalContent: r.transcript.String(),
		Err:          cause,
	}
}

func (r *run) disconnect(err error) Result {
	r.t.logger.Info("Client disconnected mid-stream",
		"invocation_id", r.inv.ID,
		"thread_id", r.inv.ThreadID,
		"error", err,
	)
	r.t.monitor.MarkClientDisconnected(r.inv.ID)
	return r.cancel()
}

func (r *run) cancel() Result {
	r.t.monitor.CancelStream(r.inv.ID)
	return Result{
		InvocationID: r.inv.ID,
		ThreadID:     r.inv.ThreadID,
		Outcome:      OutcomeCancelled,
		FinalContent: r.transcript.String(),
		Err:          domain.ErrCancelled,
	}
}

// splitRunes cuts s into chunks of at most size runes.
func splitRunes(s string, size int) []string {
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// IsCancelled reports whether err came from a cancelled invocation.
func IsCancelled(err error) bool {
	return errors.Is(err, domain.ErrCancelled)
}
