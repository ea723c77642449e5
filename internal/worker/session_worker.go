package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

// SessionStore persists session projections.
type SessionStore interface {
	UpsertSessions(ctx context.Context, batch []*model.ExamSession) error
	UpsertSession(ctx context.Context, s *model.ExamSession) error
}

// NewSessionWorker drains heartbeat projections into exam_sessions.
func NewSessionWorker(store SessionStore, rdb *redis.Client, log zerolog.Logger) *BatchWorker[model.ExamSession] {
	return newBatchWorker(rdb, log, "session_worker", config.WorkerKey.PersistSessionsQueue,
		store.UpsertSessions, store.UpsertSession)
}
