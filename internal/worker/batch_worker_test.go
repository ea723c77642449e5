package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResultStore struct {
	mu         sync.Mutex
	bulkErr    error
	failSingle map[int]int // student id → remaining failures
	bulk       [][]*model.ResultRecord
	singles    []*model.ResultRecord
}

func (s *fakeResultStore) InsertResults(_ context.Context, batch []*model.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bulkErr != nil {
		return s.bulkErr
	}
	s.bulk = append(s.bulk, batch)
	return nil
}

func (s *fakeResultStore) InsertResult(_ context.Context, p *model.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSingle[p.StudentID] > 0 {
		s.failSingle[p.StudentID]--
		return errors.New("connection reset")
	}
	s.singles = append(s.singles, p)
	return nil
}

func (s *fakeResultStore) bulkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bulk {
		n += len(b)
	}
	return n
}

func (s *fakeResultStore) singleIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.singles))
	for _, p := range s.singles {
		ids = append(ids, p.StudentID)
	}
	return ids
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func push(t *testing.T, rdb *redis.Client, queue string, items ...any) {
	t.Helper()
	for _, it := range items {
		raw, err := json.Marshal(it)
		require.NoError(t, err)
		require.NoError(t, rdb.RPush(context.Background(), queue, raw).Err())
	}
}

func runWorker[T any](t *testing.T, w *BatchWorker[T]) (stop func()) {
	t.Helper()
	w.batchTimeout = 10 * time.Millisecond
	w.requeuePause = 10 * time.Millisecond
	w.connErrorPause = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func result(studentID int) model.ResultRecord {
	return model.ResultRecord{
		ExamID:         uuid.MustParse("7f6c2b1e-3d4a-4c5b-9e8f-0a1b2c3d4e5f"),
		StudentID:      studentID,
		SessionID:      uuid.New(),
		Score:          50,
		AnsweredCount:  2,
		TotalQuestions: 4,
		SubmittedAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestScoringWorker_BulkPathClearsAnswerMirror(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	store := &fakeResultStore{}

	r1, r2 := result(1), result(2)
	for _, r := range []model.ResultRecord{r1, r2} {
		key := config.CacheKey.StudentAnswersKey(r.ExamID.String(), r.StudentID)
		require.NoError(t, rdb.HSet(ctx, key, "1", "0").Err())
	}
	push(t, rdb, config.WorkerKey.PersistScoresQueue, r1, r2)

	stop := runWorker(t, NewScoringWorker(store, rdb, zerolog.Nop()))
	defer stop()

	assert.Eventually(t, func() bool { return store.bulkCount() == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		n, err := rdb.Exists(ctx,
			config.CacheKey.StudentAnswersKey(r1.ExamID.String(), 1),
			config.CacheKey.StudentAnswersKey(r2.ExamID.String(), 2)).Result()
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, store.singleIDs())
}

func TestBatchWorker_FallbackAndRequeue(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeResultStore{
		bulkErr:    errors.New("copy failed"),
		failSingle: map[int]int{2: 1},
	}
	push(t, rdb, config.WorkerKey.PersistScoresQueue, result(1), result(2), result(3))

	stop := runWorker(t, NewScoringWorker(store, rdb, zerolog.Nop()))
	defer stop()

	// Student 2 fails once, goes back on the queue and succeeds on the next pass.
	assert.Eventually(t, func() bool { return len(store.singleIDs()) == 3 }, 8*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []int{1, 2, 3}, store.singleIDs())
	assert.Equal(t, 0, store.bulkCount())
}

func TestBatchWorker_DiscardsMalformedJSON(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	store := &fakeResultStore{}

	require.NoError(t, rdb.RPush(ctx, config.WorkerKey.PersistScoresQueue, "{not json").Err())
	push(t, rdb, config.WorkerKey.PersistScoresQueue, result(9))

	stop := runWorker(t, NewScoringWorker(store, rdb, zerolog.Nop()))
	defer stop()

	assert.Eventually(t, func() bool { return store.bulkCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	n, err := rdb.LLen(ctx, config.WorkerKey.PersistScoresQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBatchWorker_FlushesOnShutdown(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeResultStore{}
	w := NewScoringWorker(store, rdb, zerolog.Nop())
	w.batchTimeout = time.Hour

	push(t, rdb, config.WorkerKey.PersistScoresQueue, result(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	assert.Eventually(t, func() bool {
		n, _ := rdb.LLen(context.Background(), w.Queue()).Result()
		return n == 0
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, store.bulkCount())
}

type fakeActivityStore struct {
	mu      sync.Mutex
	records []*model.ActivityRecord
}

func (s *fakeActivityStore) InsertActivity(_ context.Context, batch []*model.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, batch...)
	return nil
}

func (s *fakeActivityStore) InsertActivityOne(_ context.Context, rec *model.ActivityRecord) error {
	return s.InsertActivity(context.Background(), []*model.ActivityRecord{rec})
}

func TestActivityWorker_DrainsViolationQueue(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeActivityStore{}
	rec := model.ActivityRecord{
		SessionID: uuid.New(),
		ExamID:    uuid.New(),
		StudentID: 4,
		Entry: model.ActivityLogEntry{
			ID:        "a1",
			Timestamp: time.Date(2026, 3, 2, 8, 5, 0, 0, time.UTC),
			Type:      model.ActivityViolation,
			Severity:  model.SeverityWarning,
			Details:   map[string]string{"kind": "copy_paste"},
		},
	}
	push(t, rdb, config.WorkerKey.PersistViolationsQueue, rec)

	stop := runWorker(t, NewActivityWorker(store, rdb, zerolog.Nop()))
	defer stop()

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.records) == 1
	}, 5*time.Second, 20*time.Millisecond)
	store.mu.Lock()
	got := store.records[0]
	store.mu.Unlock()
	assert.Equal(t, rec.Entry.ID, got.Entry.ID)
	assert.Equal(t, "copy_paste", got.Entry.Details["kind"])
	assert.True(t, rec.Entry.Timestamp.Equal(got.Entry.Timestamp))
}
