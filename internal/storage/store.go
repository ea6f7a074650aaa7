package storage

import (
	"context"

	"regkit/internal/model"
)

// Store persists registration runs, their per-level results and the
// parameter vector reached at each level.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveLevel(ctx context.Context, level model.LevelRecord) error
	GetLevels(ctx context.Context, runID string) ([]model.LevelRecord, bool, error)
	SaveParams(ctx context.Context, runID string, level int, params []float64) error
	GetParams(ctx context.Context, runID string, level int) ([]float64, bool, error)
}
