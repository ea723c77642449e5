package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// BatchWorker drains a Redis list of JSON items into PostgreSQL.
// Each flush tries the bulk path first, falls back to row-by-row writes,
// and pushes rows that still fail back onto the queue.
type BatchWorker[T any] struct {
	rdb    *redis.Client
	log    zerolog.Logger
	queue  string
	bulk   func(ctx context.Context, batch []*T) error
	single func(ctx context.Context, item *T) error
	// after runs once a batch is fully persisted.
	after func(ctx context.Context, batch []*T)

	batchSize      int
	batchTimeout   time.Duration
	pollTimeout    time.Duration
	requeuePause   time.Duration
	connErrorPause time.Duration
}

func newBatchWorker[T any](rdb *redis.Client, log zerolog.Logger, component, queue string,
	bulk func(context.Context, []*T) error, single func(context.Context, *T) error) *BatchWorker[T] {
	return &BatchWorker[T]{
		rdb:            rdb,
		log:            log.With().Str("component", component).Logger(),
		queue:          queue,
		bulk:           bulk,
		single:         single,
		batchSize:      BatchSize,
		batchTimeout:   BatchTimeout,
		pollTimeout:    PollTimeout,
		requeuePause:   2 * time.Second,
		connErrorPause: 3 * time.Second,
	}
}

// Queue returns the Redis list this worker drains.
func (w *BatchWorker[T]) Queue() string { return w.queue }

// Start blocks until ctx is cancelled, then flushes what it already holds.
func (w *BatchWorker[T]) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue).Msg("Worker started")

	buffer := make([]*T, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 &&
			(len(buffer) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = make([]*T, 0, w.batchSize)
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, w.pollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, pausing")
			sleepCtx(ctx, w.connErrorPause)
			continue
		}
		if len(result) < 2 {
			continue
		}

		item := new(T)
		if err := json.Unmarshal([]byte(result[1]), item); err != nil {
			// Malformed JSON can never succeed; retrying would loop forever.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

func (w *BatchWorker[T]) flushSafe(ctx context.Context, batch []*T) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulk(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")
		w.fallback(ctx, batch)
		return
	}

	if w.after != nil {
		w.after(ctx, batch)
	}
	w.log.Debug().Int("count", len(batch)).Msg("Batch persisted")
}

func (w *BatchWorker[T]) fallback(ctx context.Context, batch []*T) {
	var failed []*T
	var done []*T
	for _, item := range batch {
		if err := w.single(ctx, item); err != nil {
			w.log.Error().Err(err).Msg("Row write failed, requeueing")
			failed = append(failed, item)
			continue
		}
		done = append(done, item)
	}

	if len(done) > 0 && w.after != nil {
		w.after(ctx, done)
	}
	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
}

func (w *BatchWorker[T]) requeue(ctx context.Context, items []*T) {
	// The shutdown context may already be done; requeue must still reach Redis.
	rctx := context.WithoutCancel(ctx)

	pipe := w.rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(rctx, w.queue, data)
	}
	if _, err := pipe.Exec(rctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}

	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	sleepCtx(ctx, w.requeuePause)
}

func (w *BatchWorker[T]) shutdown(buffer []*T) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.flushSafe(shutdownCtx, buffer)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
