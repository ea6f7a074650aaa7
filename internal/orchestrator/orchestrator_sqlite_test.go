//go:build sqlite

package orchestrator

import (
	"path/filepath"
	"testing"

	"regkit/internal/storage"
)

func TestCancelledRunPersistsToSQLite(t *testing.T) {
	store := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "regkit.db"))
	t.Cleanup(func() { _ = store.Close() })
	cancelledRunIsPersisted(t, store)
}
