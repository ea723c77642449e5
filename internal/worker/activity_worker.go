package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

// ActivityStore persists session activity log entries.
type ActivityStore interface {
	InsertActivity(ctx context.Context, batch []*model.ActivityRecord) error
	InsertActivityOne(ctx context.Context, rec *model.ActivityRecord) error
}

// NewActivityWorker drains violations and other activity entries into session_activity.
// The bulk path uses COPY; a duplicate entry id sends the batch down the
// row-by-row path, which ignores ids already stored.
func NewActivityWorker(store ActivityStore, rdb *redis.Client, log zerolog.Logger) *BatchWorker[model.ActivityRecord] {
	return newBatchWorker(rdb, log, "activity_worker", config.WorkerKey.PersistViolationsQueue,
		store.InsertActivity, store.InsertActivityOne)
}
