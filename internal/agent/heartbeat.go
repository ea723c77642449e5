package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/engine"
	"github.com/stemsi/exstem-guard/internal/model"
)

// HeartbeatClient is satisfied by *client.ServerClient.
type HeartbeatClient interface {
	Heartbeat(ctx context.Context, sess model.ExamSession) (model.HeartbeatAck, error)
}

// SessionSource is satisfied by *engine.Engine.
type SessionSource interface {
	View() (model.ExamSession, error)
	Timeout(reason string) error
}

// Heartbeater pushes the session projection to the central server and
// applies proctor timeouts carried in the acknowledgement.
type Heartbeater struct {
	source   SessionSource
	client   HeartbeatClient
	interval time.Duration
	log      zerolog.Logger
}

func NewHeartbeater(source SessionSource, client HeartbeatClient, interval time.Duration, log zerolog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Heartbeater{
		source:   source,
		client:   client,
		interval: interval,
		log:      log.With().Str("component", "heartbeat").Logger(),
	}
}

// Run beats until ctx ends, the engine closes, or the server has seen the
// terminal projection.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.beat(ctx) {
				return
			}
		}
	}
}

// beat sends one heartbeat and reports whether the loop is finished.
func (h *Heartbeater) beat(ctx context.Context) bool {
	view, err := h.source.View()
	if err != nil {
		return errors.Is(err, engine.ErrClosed)
	}
	if view.SessionID == uuid.Nil || view.Status == model.SessionStatusNotStarted {
		return false
	}

	bctx, cancel := context.WithTimeout(ctx, h.interval)
	ack, err := h.client.Heartbeat(bctx, view)
	cancel()
	if err != nil {
		h.log.Debug().Err(err).Int64("seq", view.Seq).Msg("Heartbeat failed")
		return false
	}
	if view.Status.IsTerminal() {
		h.log.Info().Str("status", string(view.Status)).Msg("Final projection delivered")
		return true
	}

	if ack.TimeoutReason != "" {
		h.log.Warn().Str("reason", ack.TimeoutReason).Msg("Proctor ended the attempt")
		if err := h.source.Timeout(ack.TimeoutReason); err != nil {
			h.log.Error().Err(err).Msg("Failed to apply proctor timeout")
		}
	}
	return false
}
