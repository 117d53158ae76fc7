// Package thread keeps per-conversation metadata and mirrors it to a backup.
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/answerstream/internal/domain"
	"github.com/ashureev/answerstream/internal/store"
)

// HistoryLookup returns the authoritative message history of a thread from
// the workflow engine.
type HistoryLookup func(ctx context.Context, threadID string) ([]domain.Message, error)

// Store owns the mapping from thread id to metadata. All mutations are
// serialized and followed by a full backup rewrite.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*domain.ThreadMetadata
	deleted map[string]struct{}
	backup  store.Backup
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty store. backup may be nil for a memory-only store.
func NewStore(backup store.Backup, opts ...Option) *Store {
	s := &Store{
		threads: make(map[string]*domain.ThreadMetadata),
		deleted: make(map[string]struct{}),
		backup:  backup,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory state with the backup contents.
func (s *Store) Load(ctx context.Context) error {
	if s.backup == nil {
		return nil
	}
	threads, err := s.backup.Load(ctx)
	if err != nil {
		return fmt.Errorf("load thread backup: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]*domain.ThreadMetadata, len(threads))
	for i := range threads {
		t := threads[i]
		if t.ThreadID == "" {
			continue
		}
		s.threads[t.ThreadID] = &t
	}
	s.logger.Info("Thread store loaded", "threads", len(s.threads))
	return nil
}

// Create registers a provisional thread. Existing threads are left untouched.
func (s *Store) Create(ctx context.Context, threadID, name string) (domain.ThreadMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.deleted[threadID]; gone {
		return domain.ThreadMetadata{}, fmt.Errorf("create %s: %w", threadID, domain.ErrThreadDeleted)
	}
	if existing, ok := s.threads[threadID]; ok {
		return *existing, nil
	}

	now := s.now()
	if name == "" {
		name = "New Conversation"
	}
	t := &domain.ThreadMetadata{
		ThreadID:     threadID,
		Name:         name,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.threads[threadID] = t
	s.persistLocked(ctx)
	return *t, nil
}

// RecordExchange counts one completed user/assistant exchange. A provisional
// or unknown thread is promoted: its first message and name are set.
func (s *Store) RecordExchange(ctx context.Context, threadID, userText string, isNewThread bool, ts time.Time) (domain.ThreadMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.deleted[threadID]; gone {
		return domain.ThreadMetadata{}, fmt.Errorf("record exchange on %s: %w", threadID, domain.ErrThreadDeleted)
	}

	t, ok := s.threads[threadID]
	if !ok {
		t = &domain.ThreadMetadata{ThreadID: threadID, CreatedAt: ts}
		s.threads[threadID] = t
	}

	if t.Provisional() {
		t.MessageCount = 1
		t.FirstMessage = userText
		t.Name = GenerateName(userText, ts)
		s.logger.Debug("Thread promoted",
			"thread_id", threadID,
			"name", t.Name,
			"new_thread", isNewThread,
		)
	} else {
		t.MessageCount++
	}
	t.LastActivity = ts

	s.persistLocked(ctx)
	return *t, nil
}

// RecordActivity moves LastActivity to ts, marking when an exchange finished.
func (s *Store) RecordActivity(ctx context.Context, threadID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("record activity on %s: %w", threadID, domain.ErrThreadNotFound)
	}
	t.LastActivity = ts
	s.persistLocked(ctx)
	return nil
}

// Rename changes the display name. It is not conversational activity, so
// LastActivity is left alone.
func (s *Store) Rename(ctx context.Context, threadID, name string) (domain.ThreadMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return domain.ThreadMetadata{}, fmt.Errorf("rename %s: %w", threadID, domain.ErrThreadNotFound)
	}
	t.Name = name
	s.persistLocked(ctx)
	return *t, nil
}

// Delete removes a thread and remembers its id so it is never recreated implicitly.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return fmt.Errorf("delete %s: %w", threadID, domain.ErrThreadNotFound)
	}
	delete(s.threads, threadID)
	s.deleted[threadID] = struct{}{}
	s.persistLocked(ctx)
	return nil
}

// Get returns a copy of the thread metadata.
func (s *Store) Get(threadID string) (domain.ThreadMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return domain.ThreadMetadata{}, false
	}
	return *t, true
}

// Exists reports whether the thread is known.
func (s *Store) Exists(threadID string) bool {
	_, ok := s.Get(threadID)
	return ok
}

// IsDeleted reports whether the thread was explicitly deleted in this process.
func (s *Store) IsDeleted(threadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, gone := s.deleted[threadID]
	return gone
}

// List returns all threads, most recently active first.
func (s *Store) List() []domain.ThreadMetadata {
	s.mu.RLock()
	out := s.snapshotLocked()
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Search returns threads whose name or first message contains query
// (case-insensitive), most recently active first.
func (s *Store) Search(query string) []domain.ThreadMetadata {
	q := strings.ToLower(strings.TrimSpace(query))
	all := s.List()
	if q == "" {
		return all
	}
	matches := make([]domain.ThreadMetadata, 0, len(all))
	for _, t := range all {
		if strings.Contains(strings.ToLower(t.Name), q) || strings.Contains(strings.ToLower(t.FirstMessage), q) {
			matches = append(matches, t)
		}
	}
	return matches
}

// Stats aggregates over all threads.
func (s *Store) Stats() domain.ThreadStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.ThreadStats{Total: len(s.threads)}
	if stats.Total == 0 {
		return stats
	}

	var oldest, newest, mostActive *domain.ThreadMetadata
	totalMessages := 0
	for _, t := range s.threads {
		totalMessages += t.MessageCount
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
		if newest == nil || t.CreatedAt.After(newest.CreatedAt) {
			newest = t
		}
		if mostActive == nil || t.MessageCount > mostActive.MessageCount {
			mostActive = t
		}
	}

	o, n, m := *oldest, *newest, *mostActive
	stats.Oldest = &o
	stats.Newest = &n
	stats.MostActive = &m
	stats.AverageMessages = float64(totalMessages) / float64(stats.Total)
	return stats
}

// Reconcile drops every thread whose authoritative history is empty or
// cannot be fetched. It returns the dropped ids.
func (s *Store) Reconcile(ctx context.Context, lookup HistoryLookup) []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	// Lookups run without the lock; they may be slow network calls.
	var stale []string
	for _, id := range ids {
		history, err := lookup(ctx, id)
		if err != nil {
			s.logger.Warn("History lookup failed, dropping thread", "thread_id", id, "error", err)
			stale = append(stale, id)
			continue
		}
		if len(history) == 0 {
			s.logger.Info("Thread has no history, dropping", "thread_id", id)
			stale = append(stale, id)
		}
	}

	if len(stale) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range stale {
		delete(s.threads, id)
	}
	s.persistLocked(ctx)
	return stale
}

// CleanupOlderThan removes threads whose last activity is older than maxAge.
func (s *Store) CleanupOlderThan(ctx context.Context, maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.threads {
		if t.LastActivity.Before(cutoff) {
			delete(s.threads, id)
			removed++
		}
	}
	if removed > 0 {
		s.persistLocked(ctx)
	}
	return removed
}

func (s *Store) snapshotLocked() []domain.ThreadMetadata {
	out := make([]domain.ThreadMetadata, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, *t)
	}
	return out
}

// persistLocked writes every thread to the backup, oldest first.
// Failures are logged; memory stays authoritative. Callers hold s.mu.
func (s *Store) persistLocked(ctx context.Context) {
	if s.backup == nil {
		return
	}
	threads := s.snapshotLocked()
	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].ThreadID < threads[j].ThreadID
		}
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})
	if err := s.backup.Save(context.WithoutCancel(ctx), threads); err != nil {
		s.logger.Error("Failed to persist thread backup", "threads", len(threads), "error", err)
	}
}
