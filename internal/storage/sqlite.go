//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"regkit/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at_utc, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at_utc = excluded.created_at_utc,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.ID, run.CreatedAtUTC, run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM runs ORDER BY created_at_utc, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) SaveLevel(ctx context.Context, level model.LevelRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if err := checkVersion(level.VersionedRecord); err != nil {
		return err
	}

	payload, err := EncodeLevel(level)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO levels (run_id, level, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, level) DO UPDATE SET
			payload = excluded.payload
	`, level.RunID, level.Result.Level, payload)
	return err
}

// GetLevels returns the run's levels coarsest first with their stored
// parameter vectors attached.
func (s *SQLiteStore) GetLevels(ctx context.Context, runID string) ([]model.LevelRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT l.payload, p.data
		FROM levels l
		LEFT JOIN params p ON p.run_id = l.run_id AND p.level = l.level
		WHERE l.run_id = ?
		ORDER BY l.level
	`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var levels []model.LevelRecord
	for rows.Next() {
		var payload, data []byte
		if err := rows.Scan(&payload, &data); err != nil {
			return nil, false, err
		}
		level, err := DecodeLevel(payload)
		if err != nil {
			return nil, false, fmt.Errorf("decode level of run %s: %w", runID, err)
		}
		if data != nil {
			if level.Result.Params, err = DecodeVector(data); err != nil {
				return nil, false, fmt.Errorf("decode params of run %s level %d: %w", runID, level.Result.Level, err)
			}
		}
		levels = append(levels, level)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(levels) == 0 {
		return nil, false, nil
	}
	return levels, true, nil
}

func (s *SQLiteStore) SaveParams(ctx context.Context, runID string, level int, params []float64) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO params (run_id, level, data)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, level) DO UPDATE SET
			data = excluded.data
	`, runID, level, EncodeVector(params))
	return err
}

func (s *SQLiteStore) GetParams(ctx context.Context, runID string, level int) ([]float64, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var data []byte
	err = db.QueryRowContext(ctx, `SELECT data FROM params WHERE run_id = ? AND level = ?`, runID, level).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	params, err := DecodeVector(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode params of run %s level %d: %w", runID, level, err)
	}
	return params, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at_utc TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS levels (
			run_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, level)
		);
		CREATE TABLE IF NOT EXISTS params (
			run_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (run_id, level)
		);
	`)
	return err
}
