package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	examID = uuid.MustParse("0b8f3c1e-7a2d-4e5f-9c6b-1d2e3f4a5b6c")
)

type fakeExamSource struct {
	mu    sync.Mutex
	exam  *model.Exam
	key   model.AnswerKey
	calls int
}

func (f *fakeExamSource) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.exam == nil || f.exam.ID != id {
		return nil, pgx.ErrNoRows
	}
	e := *f.exam
	return &e, nil
}

func (f *fakeExamSource) GetAnswerKey(_ context.Context, _ uuid.UUID) (model.AnswerKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(model.AnswerKey, len(f.key))
	for q, o := range f.key {
		out[q] = o
	}
	return out, nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func newExamService(t *testing.T, rdb *redis.Client) (*ExamService, *fakeExamSource) {
	t.Helper()
	src := &fakeExamSource{
		exam: &model.Exam{ID: examID, Title: "Physics midterm", DurationMinutes: 60},
		key:  model.AnswerKey{1: 2, 2: 0, 3: 1, 4: 3},
	}
	return NewExamService(src, rdb, zerolog.Nop()), src
}

func opt(v int) *int { return &v }

func payload(student int, session uuid.UUID, selections map[int]*int) model.SyncPayload {
	p := model.SyncPayload{StudentID: student, ExamID: examID, SessionID: session}
	for q := 1; q <= 4; q++ {
		p.Questions = append(p.Questions, model.QuestionAnswer{
			ID:             q,
			Text:           "Question",
			Type:           "multiple_choice",
			Options:        []string{"a", "b", "c", "d"},
			SelectedOption: selections[q],
		})
	}
	return p
}

func queued[T any](t *testing.T, rdb *redis.Client, queue string) []T {
	t.Helper()
	raw, err := rdb.LRange(context.Background(), queue, 0, -1).Result()
	require.NoError(t, err)
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		require.NoError(t, json.Unmarshal([]byte(r), &v))
		out = append(out, v)
	}
	return out
}

func storeProjection(t *testing.T, rdb *redis.Client, sess model.ExamSession) {
	t.Helper()
	raw, err := json.Marshal(sess)
	require.NoError(t, err)
	require.NoError(t, rdb.HSet(context.Background(),
		config.CacheKey.ExamSessionsKey(sess.ExamID.String()), sess.SessionID.String(), raw).Err())
}
