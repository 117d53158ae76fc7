package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/answerstream/internal/domain"
	"github.com/ashureev/answerstream/internal/monitor"
	"github.com/ashureev/answerstream/internal/thread"
)

// ServiceConfig configures the chat service.
type ServiceConfig struct {
	SystemPrompt string
	Stream       TranscoderConfig
}

// Service answers questions on conversation threads. It runs the workflow
// engine through a transcoder and keeps thread metadata in step.
type Service struct {
	engine       Engine
	threads      *thread.Store
	monitor      *monitor.Monitor
	streaming    *Transcoder
	blocking     *Transcoder
	systemPrompt string
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a chat service.
func NewService(engine Engine, threads *thread.Store, mon *monitor.Monitor, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if mon == nil {
		mon = monitor.New(logger)
	}
	if threads == nil {
		threads = thread.NewStore(nil, thread.WithLogger(logger))
	}

	// Blocking answers are not delivered incrementally, so they skip pacing.
	blockingCfg := cfg.Stream
	blockingCfg.TokenDelay = 0

	return &Service{
		engine:       engine,
		threads:      threads,
		monitor:      mon,
		streaming:    NewTranscoder(engine, mon, cfg.Stream, logger),
		blocking:     NewTranscoder(engine, mon, blockingCfg, logger),
		systemPrompt: strings.TrimSpace(cfg.SystemPrompt),
		logger:       logger,
		now:          time.Now,
	}
}

// StreamAnswer runs one invocation on threadID, delivering events to sink.
// An empty threadID starts a new thread. Failures during the run are reported
// through the sink as an error event and in Result; the returned error is
// only set when the invocation could not start.
func (s *Service) StreamAnswer(ctx context.Context, threadID, userText string, sink Sink) (Result, error) {
	return s.run(ctx, s.streaming, threadID, userText, sink)
}

// Answer runs the same pipeline as StreamAnswer without incremental delivery
// and returns the final text.
func (s *Service) Answer(ctx context.Context, threadID, userText string) (string, error) {
	res, err := s.run(ctx, s.blocking, threadID, userText, nil)
	if err != nil {
		return "", err
	}
	switch res.Outcome {
	case OutcomeComplete:
		return res.FinalContent, nil
	case OutcomeCancelled:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrCancelled, ctxErr)
		}
		return "", domain.ErrCancelled
	default:
		return "", res.Err
	}
}

func (s *Service) run(ctx context.Context, tr *Transcoder, threadID, userText string, sink Sink) (Result, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if s.threads.IsDeleted(threadID) {
		return Result{ThreadID: threadID}, fmt.Errorf("thread %s: %w", threadID, domain.ErrThreadDeleted)
	}
	isNew := !s.threads.Exists(threadID)
	started := s.now()

	s.logger.Info("Chat request",
		"thread_id", threadID,
		"new_thread", isNew,
		"message_length", len(userText),
	)

	res := tr.Run(ctx, Invocation{ThreadID: threadID, Messages: s.buildMessages(userText)}, sink)
	res.ThreadID = threadID

	s.logger.Info("Chat finished",
		"thread_id", threadID,
		"invocation_id", res.InvocationID,
		"outcome", res.Outcome.String(),
		"duration_ms", s.now().Sub(started).Milliseconds(),
	)

	if res.Outcome == OutcomeComplete {
		s.recordExchange(ctx, threadID, userText, isNew, started)
	}
	return res, nil
}

func (s *Service) buildMessages(userText string) []domain.Message {
	messages := make([]domain.Message, 0, 2)
	if s.systemPrompt != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: s.systemPrompt})
	}
	return append(messages, domain.Message{Role: domain.RoleUser, Content: userText})
}

// recordExchange updates thread metadata after a completed answer. The
// exchange already happened, so it outlives a cancelled request context.
func (s *Service) recordExchange(ctx context.Context, threadID, userText string, isNew bool, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.threads.RecordExchange(ctx, threadID, userText, isNew, started); err != nil {
		s.logger.Warn("failed to record exchange", "thread_id", threadID, "error", err)
		return
	}
	if err := s.threads.RecordActivity(ctx, threadID, s.now()); err != nil {
		s.logger.Warn("failed to record activity", "thread_id", threadID, "error", err)
	}
}

// CreateThread registers a provisional thread. An empty id is generated.
func (s *Service) CreateThread(ctx context.Context, threadID, name string) (domain.ThreadMetadata, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	return s.threads.Create(ctx, threadID, strings.TrimSpace(name))
}

// RenameThread changes a thread's display name.
func (s *Service) RenameThread(ctx context.Context, threadID, name string) (domain.ThreadMetadata, error) {
	return s.threads.Rename(ctx, threadID, strings.TrimSpace(name))
}

// DeleteThread removes a thread.
func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	return s.threads.Delete(ctx, threadID)
}

// GetThread returns one thread.
func (s *Service) GetThread(threadID string) (domain.ThreadMetadata, error) {
	t, ok := s.threads.Get(threadID)
	if !ok {
		return domain.ThreadMetadata{}, fmt.Errorf("thread %s: %w", threadID, domain.ErrThreadNotFound)
	}
	return t, nil
}

// ListThreads returns all threads, most recently active first.
func (s *Service) ListThreads() []domain.ThreadMetadata {
	return s.threads.List()
}

// SearchThreads filters threads by name or first message.
func (s *Service) SearchThreads(query string) []domain.ThreadMetadata {
	return s.threads.Search(query)
}

// ThreadStats returns aggregate thread counts.
func (s *Service) ThreadStats() domain.ThreadStats {
	return s.threads.Stats()
}

// History returns the engine's message history for a thread.
func (s *Service) History(ctx context.Context, threadID string) ([]domain.Message, error) {
	if s.threads.IsDeleted(threadID) {
		return nil, fmt.Errorf("thread %s: %w", threadID, domain.ErrThreadDeleted)
	}
	messages, err := s.engine.History(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}
	if messages == nil && !s.threads.Exists(threadID) {
		return nil, fmt.Errorf("thread %s: %w", threadID, domain.ErrThreadNotFound)
	}
	return messages, nil
}

// Reconcile drops threads the engine has no history for.
func (s *Service) Reconcile(ctx context.Context) []string {
	dropped := s.threads.Reconcile(ctx, s.engine.History)
	if len(dropped) > 0 {
		s.logger.Info("Reconciled thread store", "dropped", len(dropped))
	}
	return dropped
}

// Health reports whether the workflow engine is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.engine.Health(ctx)
}

// Monitor returns the stream monitor shared by the service's transcoders.
func (s *Service) Monitor() *monitor.Monitor {
	return s.monitor
}

// Close releases the engine.
func (s *Service) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
}

// IsClientError reports whether err is caused by the request rather than the
// service.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrThreadDeleted) || errors.Is(err, domain.ErrThreadNotFound)
}
