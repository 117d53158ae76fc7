package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/answerstream/internal/monitor"
	"github.com/ashureev/answerstream/internal/thread"
)

var discard = slog.New(slog.DiscardHandler)

func TestRunStaleStreamWorker(t *testing.T) {
	t.Parallel()
	mon := monitor.New(discard)
	mon.StartStream("s1", "t1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunStaleStreamWorker(ctx, mon, 10*time.Millisecond, time.Nanosecond, discard)
	}()

	require.Eventually(t, func() bool {
		return mon.Metrics().Stale == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, mon.Metrics().Active)
	assert.Zero(t, mon.Metrics().Completed)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestRunThreadTTLWorker(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	threads := thread.NewStore(nil, thread.WithClock(clock), thread.WithLogger(discard))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := threads.RecordExchange(ctx, "old", "What is REST?", true, now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = threads.RecordExchange(ctx, "fresh", "What is gRPC?", true, now.Add(-time.Minute))
	require.NoError(t, err)

	go RunThreadTTLWorker(ctx, threads, 10*time.Millisecond, 24*time.Hour, discard)

	require.Eventually(t, func() bool {
		return !threads.Exists("old")
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, threads.Exists("fresh"))
}
