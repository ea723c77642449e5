package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-guard/internal/cache"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestCacheShowAndClear(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "sqlite")
	t.Setenv("CACHE_PATH", filepath.Join(t.TempDir(), "agent.db"))
	t.Setenv("LOG_LEVEL", "error")
	initConfig()

	examID := uuid.New()
	ctx := context.Background()
	store, closeStore, err := openStore(ctx)
	require.NoError(t, err)
	raw, err := json.Marshal(model.CacheSnapshot{
		ExamID:               examID,
		Answers:              map[int]int{1: 2, 4: 0},
		TimeRemainingSeconds: 900,
	})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, config.CacheKey.SnapshotKey(examID.String()), raw))
	require.NoError(t, store.Put(ctx, config.CacheKey.PendingSyncKey(examID.String()), raw))
	closeStore()

	require.NoError(t, execute(t, "cache", "show", examID.String()))
	assert.Error(t, execute(t, "cache", "show", "not-an-id"))

	require.NoError(t, execute(t, "cache", "clear", "--yes", examID.String()))

	store, closeStore, err = openStore(ctx)
	require.NoError(t, err)
	defer closeStore()
	_, err = store.Get(ctx, config.CacheKey.SnapshotKey(examID.String()))
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = store.Get(ctx, config.CacheKey.PendingSyncKey(examID.String()))
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "floppy")
	initConfig()
	_, _, err := openStore(context.Background())
	assert.ErrorContains(t, err, "unknown cache backend")
}
