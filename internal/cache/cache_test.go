package cache

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "agent:"), mr
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []model.CacheSnapshot
	err   error
}

func (f *fakeSyncer) SyncSnapshot(_ context.Context, snap model.CacheSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, snap)
	return f.err
}

func (f *fakeSyncer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type flakyStore struct {
	Store
	failPut atomic.Bool
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if s.failPut.Load() {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, key, value)
}

func sampleSnapshot(examID uuid.UUID) model.CacheSnapshot {
	return model.CacheSnapshot{
		ExamID:               examID,
		Answers:              map[int]int{1: 0, 2: 2},
		FlaggedQuestionIDs:   []int{4},
		CurrentQuestionIndex: 3,
		TimeRemainingSeconds: 1200,
		SavedAtEpochMillis:   1767340800000,
	}
}

func storesUnderTest(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"sqlite": newSQLiteStore(t),
		"redis":  redisStore,
	}
}

func TestCache_RoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(store, &fakeSyncer{}, zerolog.Nop())
			snap := sampleSnapshot(uuid.New())

			c.Save(ctx, snap)
			got, ok := c.Load(ctx, snap.ExamID)
			require.True(t, ok)
			assert.Equal(t, snap, got)
			assert.Equal(t, map[int]int{1: 0, 2: 2}, got.Answers)

			_, ok = c.LastSavedAt()
			assert.True(t, ok)
		})
	}
}

func TestCache_RoundTripKeepsEmptyFieldsNil(t *testing.T) {
	ctx := context.Background()
	c := New(newSQLiteStore(t), &fakeSyncer{}, zerolog.Nop())
	snap := model.CacheSnapshot{ExamID: uuid.New(), TimeRemainingSeconds: 900, SavedAtEpochMillis: 1700000000000}

	c.Save(ctx, snap)
	got, ok := c.Load(ctx, snap.ExamID)
	require.True(t, ok)
	assert.Equal(t, snap, got)
	assert.Nil(t, got.Answers)
	assert.Nil(t, got.FlaggedQuestionIDs)
}

func TestCache_SaveReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	c := New(newSQLiteStore(t), &fakeSyncer{}, zerolog.Nop())
	snap := sampleSnapshot(uuid.New())
	c.Save(ctx, snap)

	snap.Answers = map[int]int{5: 1}
	snap.TimeRemainingSeconds = 900
	c.Save(ctx, snap)

	got, ok := c.Load(ctx, snap.ExamID)
	require.True(t, ok)
	assert.Equal(t, map[int]int{5: 1}, got.Answers)
	assert.Equal(t, 900, got.TimeRemainingSeconds)
}

func TestCache_SaveFailureKeepsPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: newSQLiteStore(t)}
	c := New(store, &fakeSyncer{}, zerolog.Nop())
	snap := sampleSnapshot(uuid.New())
	c.Save(ctx, snap)
	savedAt, _ := c.LastSavedAt()

	store.failPut.Store(true)
	newer := snap
	newer.Answers = map[int]int{9: 9}
	require.NotPanics(t, func() { c.Save(ctx, newer) })

	got, ok := c.Load(ctx, snap.ExamID)
	require.True(t, ok)
	assert.Equal(t, snap.Answers, got.Answers)
	after, _ := c.LastSavedAt()
	assert.Equal(t, savedAt, after)
}

func TestCache_LoadCorruptIsMiss(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	c := New(store, &fakeSyncer{}, zerolog.Nop())
	examID := uuid.New()
	key := config.CacheKey.SnapshotKey(examID.String())

	_, ok := c.Load(ctx, examID)
	assert.False(t, ok, "absent")

	require.NoError(t, store.Put(ctx, key, []byte(`{"exam_id":`)))
	_, ok = c.Load(ctx, examID)
	assert.False(t, ok, "truncated json")

	require.NoError(t, store.Put(ctx, key, []byte(`{"exam_id":"`+examID.String()+`","time_remaining_seconds":-5}`)))
	_, ok = c.Load(ctx, examID)
	assert.False(t, ok, "invalid values")

	require.NoError(t, store.Put(ctx, key, []byte(`{"exam_id":"`+uuid.NewString()+`"}`)))
	_, ok = c.Load(ctx, examID)
	assert.False(t, ok, "foreign exam")
}

func TestCache_ClearIsIdempotent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(store, &fakeSyncer{}, zerolog.Nop())
			snap := sampleSnapshot(uuid.New())
			c.Save(ctx, snap)
			c.SetOnline(ctx, false)
			c.Sync(ctx, snap)
			require.True(t, c.State().HasPendingSync())

			c.Clear(ctx, snap.ExamID)
			_, ok := c.Load(ctx, snap.ExamID)
			assert.False(t, ok)
			first := c.State()

			c.Clear(ctx, snap.ExamID)
			_, ok = c.Load(ctx, snap.ExamID)
			assert.False(t, ok)
			assert.Equal(t, first, c.State())
			assert.False(t, c.State().HasPendingSync())
			assert.False(t, c.Restore(ctx, snap.ExamID))
		})
	}
}

func TestCache_SyncWhileOffline(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{}
	c := New(newSQLiteStore(t), syncer, zerolog.Nop())
	snap := sampleSnapshot(uuid.New())

	c.SetOnline(ctx, false)
	assert.False(t, c.Sync(ctx, snap))

	st := c.State()
	assert.True(t, st.IsOffline)
	require.NotNil(t, st.Pending)
	assert.Equal(t, snap, *st.Pending)
	assert.Nil(t, st.LastSyncedAt)
	assert.Equal(t, 0, syncer.count(), "no network call while offline")
}

func TestCache_SyncSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{err: errors.New("502 bad gateway")}
	c := New(newSQLiteStore(t), syncer, zerolog.Nop())
	snap := sampleSnapshot(uuid.New())

	assert.False(t, c.Sync(ctx, snap))
	assert.True(t, c.State().HasPendingSync())
	assert.False(t, c.State().IsSyncing)

	syncer.setErr(nil)
	assert.True(t, c.Sync(ctx, snap))
	st := c.State()
	assert.False(t, st.HasPendingSync())
	assert.NotNil(t, st.LastSyncedAt)
	assert.Equal(t, 2, syncer.count())
}

func TestCache_OfflineToOnlineRetriesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{err: errors.New("connection refused")}
	c := New(newSQLiteStore(t), syncer, zerolog.Nop())
	snap := sampleSnapshot(uuid.New())

	c.SetOnline(ctx, false)
	c.Sync(ctx, snap)
	require.Equal(t, 0, syncer.count())

	assert.True(t, c.SetOnline(ctx, true))
	assert.Equal(t, 1, syncer.count())
	assert.True(t, c.State().HasPendingSync(), "failed retry stays pending")

	assert.False(t, c.SetOnline(ctx, true), "already online")
	assert.Equal(t, 1, syncer.count())

	c.SetOnline(ctx, false)
	syncer.setErr(nil)
	assert.True(t, c.SetOnline(ctx, true))
	assert.Equal(t, 2, syncer.count())
	assert.False(t, c.State().HasPendingSync())
}

func TestCache_OnlineWithoutPendingDoesNotSync(t *testing.T) {
	ctx := context.Background()
	syncer := &fakeSyncer{}
	c := New(newSQLiteStore(t), syncer, zerolog.Nop())

	c.SetOnline(ctx, false)
	assert.False(t, c.SetOnline(ctx, true))
	assert.Equal(t, 0, syncer.count())
}

func TestCache_RetryPendingHonoursBackoff(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	syncer := &fakeSyncer{err: errors.New("timeout")}
	c := New(newSQLiteStore(t), syncer, zerolog.Nop(),
		WithClock(clock),
		WithRetryPolicy(RetryPolicy{InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}))

	assert.False(t, c.RetryPending(ctx), "nothing pending")

	c.Sync(ctx, sampleSnapshot(uuid.New()))
	require.Equal(t, 1, syncer.count())

	now = now.Add(time.Second)
	assert.False(t, c.RetryPending(ctx))
	assert.Equal(t, 1, syncer.count(), "still backing off")

	now = now.Add(time.Second)
	assert.False(t, c.RetryPending(ctx))
	assert.Equal(t, 2, syncer.count())

	now = now.Add(3 * time.Second)
	c.RetryPending(ctx)
	assert.Equal(t, 2, syncer.count(), "second failure waits 4s")

	syncer.setErr(nil)
	now = now.Add(time.Second)
	assert.True(t, c.RetryPending(ctx))
	assert.False(t, c.State().HasPendingSync())
}

func TestCache_PendingSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	snap := sampleSnapshot(uuid.New())

	first := New(store, &fakeSyncer{}, zerolog.Nop())
	first.SetOnline(ctx, false)
	first.Sync(ctx, snap)
	assert.True(t, mr.Exists("agent:"+config.CacheKey.PendingSyncKey(snap.ExamID.String())))

	syncer := &fakeSyncer{}
	second := New(store, syncer, zerolog.Nop())
	require.True(t, second.Restore(ctx, snap.ExamID))
	require.NotNil(t, second.State().Pending)
	assert.Equal(t, snap, *second.State().Pending)

	assert.True(t, second.RetryPending(ctx))
	assert.Equal(t, 1, syncer.count())
	assert.False(t, mr.Exists("agent:"+config.CacheKey.PendingSyncKey(snap.ExamID.String())))
}

func TestCache_AutoSaveReadsLatestState(t *testing.T) {
	ctx := context.Background()
	ticks := make(chan time.Time)
	c := New(newSQLiteStore(t), &fakeSyncer{}, zerolog.Nop(),
		WithTicker(func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }))

	examID := uuid.New()
	var mu sync.Mutex
	current := sampleSnapshot(examID)
	stop := c.AutoSave(ctx, func() (model.CacheSnapshot, bool) {
		mu.Lock()
		defer mu.Unlock()
		return current, true
	}, 10*time.Second)

	mu.Lock()
	current.Answers = map[int]int{1: 3}
	current.TimeRemainingSeconds = 1100
	mu.Unlock()

	ticks <- time.Now()
	require.Eventually(t, func() bool {
		got, ok := c.Load(ctx, examID)
		return ok && got.TimeRemainingSeconds == 1100
	}, time.Second, 10*time.Millisecond)

	got, _ := c.Load(ctx, examID)
	assert.Equal(t, map[int]int{1: 3}, got.Answers)

	stop()
	stop()

	select {
	case ticks <- time.Now():
		t.Fatal("autosave still running after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2}
	assert.Equal(t, time.Duration(0), p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 5*time.Second, p.NextDelay(4))
	assert.Equal(t, 5*time.Second, p.NextDelay(40))
}
