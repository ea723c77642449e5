package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

// ResultStore persists graded submissions.
type ResultStore interface {
	InsertResults(ctx context.Context, batch []*model.ResultRecord) error
	InsertResult(ctx context.Context, p *model.ResultRecord) error
}

// NewScoringWorker drains graded submissions into exam_results and then
// drops the synced-answer mirror those submissions made obsolete.
func NewScoringWorker(store ResultStore, rdb *redis.Client, log zerolog.Logger) *BatchWorker[model.ResultRecord] {
	w := newBatchWorker(rdb, log, "scoring_worker", config.WorkerKey.PersistScoresQueue,
		store.InsertResults, store.InsertResult)
	w.after = func(ctx context.Context, batch []*model.ResultRecord) {
		pipe := rdb.Pipeline()
		for _, p := range batch {
			pipe.Del(ctx, config.CacheKey.StudentAnswersKey(p.ExamID.String(), p.StudentID))
		}
		_, _ = pipe.Exec(ctx)
	}
	return w
}
