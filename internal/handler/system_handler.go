package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/response"
)

const healthTimeout = 2 * time.Second

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler reports liveness and worker queue depth.
type SystemHandler struct {
	db  Pinger
	rdb *redis.Client
	log zerolog.Logger
}

func NewSystemHandler(db Pinger, rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		db:  db,
		rdb: rdb,
		log: log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
//
// Agents probe this endpoint to decide whether they are online.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		h.log.Warn().Err(err).Msg("health: redis unreachable")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
		return
	}
	// Agents keep working while PostgreSQL is down; queues absorb the writes.
	db := "ok"
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			db = "degraded"
		}
	}
	response.Success(c, http.StatusOK, gin.H{"status": "ok", "database": db})
}

// QueueDepths godoc
// GET /api/v1/admin/system/queues
func (h *SystemHandler) QueueDepths(c *gin.Context) {
	ctx := c.Request.Context()
	queues := config.WorkerKey.Queues()

	pipe := h.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(queues))
	for i, q := range queues {
		cmds[i] = pipe.LLen(ctx, q)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Error().Err(err).Msg("queue depth read failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	depths := make(map[string]int64, len(queues))
	for i, q := range queues {
		depths[q] = cmds[i].Val()
	}
	response.Success(c, http.StatusOK, depths)
}
