package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/monitor"
)

const monitorChangeBuffer = 128

// MonitorService assembles a live board for one exam from the stored
// projections and the Pub/Sub feed.
type MonitorService struct {
	feed     *SessionFeedService
	settings *SettingService
	log      zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(feed *SessionFeedService, settings *SettingService, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		feed:     feed,
		settings: settings,
		log:      log.With().Str("component", "monitor_service").Logger(),
	}
}

// MonitorStream is one proctor's view of an exam. Changes carries merged
// projections as they arrive; it closes when the stream ends. Changes that
// do not fit the buffer are dropped, the Board still has them.
type MonitorStream struct {
	Board   *monitor.Board
	Changes <-chan model.ExamSession
}

// Open subscribes before loading stored projections so no update published
// in between is lost. The stream lives until ctx ends.
func (s *MonitorService) Open(ctx context.Context, examID uuid.UUID) (*MonitorStream, error) {
	settings, err := s.settings.GetProctorSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	board := monitor.NewBoard(settings)

	updates, err := s.feed.Subscribe(ctx, examID)
	if err != nil {
		return nil, err
	}

	initial, err := s.feed.ListSessions(ctx, examID)
	if err != nil {
		return nil, err
	}
	for _, sess := range initial {
		board.Apply(sess)
	}

	changes := make(chan model.ExamSession, monitorChangeBuffer)
	go func() {
		defer close(changes)
		err := board.Consume(ctx, updates, func(sess model.ExamSession) {
			select {
			case changes <- sess:
			default:
				s.log.Warn().Str("session_id", sess.SessionID.String()).Msg("monitor change dropped, client too slow")
			}
		})
		if err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("monitor feed stopped")
		}
	}()

	return &MonitorStream{Board: board, Changes: changes}, nil
}
