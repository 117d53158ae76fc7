package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/answerstream/internal/domain"
)

var errStreamingUnsupported = errors.New("streaming not supported")

// sseWriter serializes event and keepalive writes on one response. Headers
// are committed on the first write so callers can still reply with a plain
// JSON error before anything was streamed.
type sseWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	threadID string
	started  bool
}

func newSSEWriter(w http.ResponseWriter, threadID string) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &sseWriter{w: w, flusher: flusher, threadID: threadID}, nil
}

func (s *sseWriter) startLocked() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Thread-Id", s.threadID)
	s.w.WriteHeader(http.StatusOK)
}

// Send writes one event block and flushes it.
func (s *sseWriter) Send(ev domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
	if err := ev.Encode(s.w); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	s.flusher.Flush()
	return nil
}

// KeepAlive writes an SSE comment so proxies keep the connection open.
func (s *sseWriter) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive failed: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Started reports whether any bytes were committed.
func (s *sseWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// runKeepAlive sends keepalives every interval until ctx is done. The
// returned function stops the loop and waits for it to exit.
func (s *sseWriter) runKeepAlive(ctx context.Context, interval time.Duration, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.KeepAlive(); err != nil {
					logger.Info("client disconnected during keepalive", "thread_id", s.threadID, "error", err)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
