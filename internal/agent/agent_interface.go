package agent

import (
	"context"
	"iter"

	"github.com/ashureev/answerstream/internal/domain"
)

// Engine is the external workflow engine that performs retrieval, ranking
// and answer generation. Implemented by the gRPC client.
type Engine interface {
	// Stream runs the workflow for one invocation and yields the full
	// conversation state after every step. The engine owns thread history:
	// messages holds only what this invocation adds.
	Stream(ctx context.Context, threadID string, messages []domain.Message) iter.Seq2[*domain.Snapshot, error]

	// History returns the engine's authoritative message history for a thread.
	History(ctx context.Context, threadID string) ([]domain.Message, error)

	// Health reports whether the engine is reachable.
	Health(ctx context.Context) error

	// Close releases resources
	Close()
}

// Ensure GrpcClient implements Engine.
var _ Engine = (*GrpcClient)(nil)
