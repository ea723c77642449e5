package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

const activitySeenTTL = 24 * time.Hour

// SessionFeedService receives session projections from agents, keeps the
// latest one per session in Redis, fans them out to live monitors and queues
// them for PostgreSQL.
type SessionFeedService struct {
	rdb     *redis.Client
	archive SessionArchive
	log     zerolog.Logger
	now     func() time.Time
}

// SessionArchive is the durable copy of session projections.
type SessionArchive interface {
	ListSessions(ctx context.Context, examID uuid.UUID) ([]model.ExamSession, error)
}

func NewSessionFeedService(rdb *redis.Client, log zerolog.Logger) *SessionFeedService {
	return &SessionFeedService{
		rdb: rdb,
		log: log.With().Str("component", "session_feed").Logger(),
		now: time.Now,
	}
}

// WithArchive makes ListSessions fall back to archive when Redis holds no
// projection for the exam.
func (s *SessionFeedService) WithArchive(archive SessionArchive) *SessionFeedService {
	s.archive = archive
	return s
}

// Heartbeat stores sess unless a higher revision is already stored. A repeat
// of the stored revision only refreshes LastSeenAt. LastSeenAt is stamped
// with the server clock.
func (s *SessionFeedService) Heartbeat(ctx context.Context, studentID int, examID uuid.UUID, sess model.ExamSession) (model.HeartbeatAck, error) {
	if sess.StudentID != studentID || sess.ExamID != examID || sess.SessionID == uuid.Nil {
		return model.HeartbeatAck{}, ErrIdentityMismatch
	}

	now := s.now()
	ack := model.HeartbeatAck{ServerTime: now}
	if !sess.Status.IsTerminal() {
		reason, err := s.rdb.Get(ctx, config.CacheKey.StudentTimeoutKey(examID.String(), studentID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return model.HeartbeatAck{}, fmt.Errorf("read timeout flag: %w", err)
		}
		ack.TimeoutReason = reason
	}

	sessionsKey := config.CacheKey.ExamSessionsKey(examID.String())
	if raw, err := s.rdb.HGet(ctx, sessionsKey, sess.SessionID.String()).Bytes(); err == nil {
		var prev model.ExamSession
		if json.Unmarshal(raw, &prev) == nil {
			switch {
			case prev.Seq > sess.Seq:
				return ack, nil
			case prev.Seq == sess.Seq:
				return s.touch(ctx, examID, prev, ack)
			}
		}
	} else if !errors.Is(err, redis.Nil) {
		return model.HeartbeatAck{}, fmt.Errorf("read projection: %w", err)
	}

	sess.LastSeenAt = now
	full, err := json.Marshal(sess)
	if err != nil {
		return model.HeartbeatAck{}, fmt.Errorf("marshal session: %w", err)
	}
	compact := sess
	compact.ActivityLog = nil
	row, _ := json.Marshal(compact)

	seenKey := config.CacheKey.StudentActivitySeenKey(sess.SessionID.String())
	seen, err := s.rdb.Get(ctx, seenKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.HeartbeatAck{}, fmt.Errorf("read activity cursor: %w", err)
	}
	if seen > len(sess.ActivityLog) {
		seen = len(sess.ActivityLog)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, sessionsKey, sess.SessionID.String(), full)
	pipe.RPush(ctx, config.WorkerKey.PersistSessionsQueue, row)
	for _, entry := range sess.ActivityLog[seen:] {
		rec, err := json.Marshal(model.ActivityRecord{
			SessionID: sess.SessionID,
			ExamID:    examID,
			StudentID: studentID,
			Entry:     entry,
		})
		if err != nil {
			return model.HeartbeatAck{}, fmt.Errorf("marshal activity: %w", err)
		}
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, rec)
	}
	pipe.Set(ctx, seenKey, strconv.Itoa(len(sess.ActivityLog)), activitySeenTTL)
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), full)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.HeartbeatAck{}, fmt.Errorf("store projection: %w", err)
	}

	ack.Accepted = true
	s.log.Debug().
		Int("student_id", studentID).
		Str("session_id", sess.SessionID.String()).
		Int64("seq", sess.Seq).
		Str("status", string(sess.Status)).
		Int("new_activity", len(sess.ActivityLog)-seen).
		Msg("Session projection stored")
	return ack, nil
}

// touch refreshes LastSeenAt of the stored revision and republishes it so
// monitors do not sweep an idle but connected candidate.
func (s *SessionFeedService) touch(ctx context.Context, examID uuid.UUID, prev model.ExamSession, ack model.HeartbeatAck) (model.HeartbeatAck, error) {
	prev.LastSeenAt = ack.ServerTime
	full, err := json.Marshal(prev)
	if err != nil {
		return model.HeartbeatAck{}, fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, config.CacheKey.ExamSessionsKey(examID.String()), prev.SessionID.String(), full)
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), full)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.HeartbeatAck{}, fmt.Errorf("touch projection: %w", err)
	}
	ack.Accepted = true
	return ack, nil
}

// ListSessions returns the latest stored projection of every session of an exam.
// An archive failure degrades to the (empty) Redis view.
func (s *SessionFeedService) ListSessions(ctx context.Context, examID uuid.UUID) ([]model.ExamSession, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.ExamSessionsKey(examID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("list projections: %w", err)
	}
	out := make([]model.ExamSession, 0, len(raw))
	for id, v := range raw {
		var sess model.ExamSession
		if err := json.Unmarshal([]byte(v), &sess); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("skipping malformed projection")
			continue
		}
		out = append(out, sess)
	}
	if len(out) > 0 || s.archive == nil {
		return out, nil
	}

	archived, err := s.archive.ListSessions(ctx, examID)
	if err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("session archive unavailable")
		return out, nil
	}
	if len(archived) > 0 {
		s.log.Info().Str("exam_id", examID.String()).Int("sessions", len(archived)).Msg("Loaded sessions from archive")
	}
	return archived, nil
}

// Subscribe streams projections published for examID until ctx ends.
// The subscription is confirmed before Subscribe returns.
func (s *SessionFeedService) Subscribe(ctx context.Context, examID uuid.UUID) (<-chan model.ExamSession, error) {
	ps := s.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe monitor channel: %w", err)
	}

	out := make(chan model.ExamSession)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var sess model.ExamSession
				if err := json.Unmarshal([]byte(msg.Payload), &sess); err != nil {
					s.log.Warn().Err(err).Msg("dropping malformed monitor message")
					continue
				}
				select {
				case out <- sess:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Timeout flags a student's attempt for administrative termination. The
// agent learns about it on its next heartbeat.
func (s *SessionFeedService) Timeout(ctx context.Context, examID uuid.UUID, studentID int, reason string) error {
	if reason == "" {
		reason = "Ended by proctor"
	}
	if err := s.rdb.Set(ctx, config.CacheKey.StudentTimeoutKey(examID.String(), studentID), reason, activitySeenTTL).Err(); err != nil {
		return fmt.Errorf("set timeout flag: %w", err)
	}
	s.log.Info().Int("student_id", studentID).Str("exam_id", examID.String()).Str("reason", reason).Msg("Session timeout requested")
	return nil
}
