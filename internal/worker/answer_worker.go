package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

// AnswerStore persists synced answers.
type AnswerStore interface {
	UpsertAnswers(ctx context.Context, batch []*model.AnswerRecord) error
	UpsertAnswer(ctx context.Context, a *model.AnswerRecord) error
}

// NewAnswerWorker drains synced answers into student_answers.
func NewAnswerWorker(store AnswerStore, rdb *redis.Client, log zerolog.Logger) *BatchWorker[model.AnswerRecord] {
	return newBatchWorker(rdb, log, "answer_worker", config.WorkerKey.PersistAnswersQueue,
		store.UpsertAnswers, store.UpsertAnswer)
}
