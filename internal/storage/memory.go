package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"regkit/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	levels      map[string][]model.LevelRecord
	params      map[paramsKey][]float64
}

type paramsKey struct {
	runID string
	level int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.levels = make(map[string][]model.LevelRecord)
	s.params = make(map[paramsKey][]float64)
	return nil
}

var errNotInitialized = errors.New("store is not initialized")

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return err
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

// ListRuns returns runs oldest first.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

// SaveLevel replaces any earlier record of the same level index.
func (s *MemoryStore) SaveLevel(_ context.Context, level model.LevelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	if err := checkVersion(level.VersionedRecord); err != nil {
		return err
	}
	level.Result = copyResult(level.Result)
	levels := s.levels[level.RunID]
	for i := range levels {
		if levels[i].Result.Level == level.Result.Level {
			levels[i] = level
			return nil
		}
	}
	levels = append(levels, level)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Result.Level < levels[j].Result.Level })
	s.levels[level.RunID] = levels
	return nil
}

func (s *MemoryStore) GetLevels(_ context.Context, runID string) ([]model.LevelRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels, ok := s.levels[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.LevelRecord, len(levels))
	for i, level := range levels {
		copied[i] = level
		copied[i].Result = copyResult(level.Result)
	}
	return copied, true, nil
}

func (s *MemoryStore) SaveParams(_ context.Context, runID string, level int, params []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.params[paramsKey{runID, level}] = append([]float64(nil), params...)
	return nil
}

func (s *MemoryStore) GetParams(_ context.Context, runID string, level int) ([]float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	params, ok := s.params[paramsKey{runID, level}]
	if !ok {
		return nil, false, nil
	}
	return append([]float64(nil), params...), true, nil
}

func copyResult(r model.LevelResult) model.LevelResult {
	r.Records = append([]model.StepRecord(nil), r.Records...)
	r.Spacing = append([]float64(nil), r.Spacing...)
	r.Params = append([]float64(nil), r.Params...)
	return r
}

func sortRuns(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
