package storage

import (
	"context"

	"atlasProtocol/internal/model"
)

// Storage defines a sink for pipeline outcomes.
type Storage interface {
	PutOutcome(ctx context.Context, outcome model.UpdateOutcome) error
}

// ProcessedChecker is implemented by sinks that remember sales handled in earlier runs.
type ProcessedChecker interface {
	IsProcessed(ctx context.Context, saleTxHash string, logIndex uint64) (bool, error)
}
