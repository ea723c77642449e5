package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFeed(t *testing.T) *SessionFeedService {
	t.Helper()
	_, rdb := newRedis(t)
	feed := NewSessionFeedService(rdb, zerolog.Nop())
	feed.now = func() time.Time { return t0.Add(time.Hour) }
	return feed
}

func sessionAt(id uuid.UUID, student int, seq int64, entries ...string) model.ExamSession {
	s := model.ExamSession{
		SessionID:        id,
		StudentID:        student,
		ExamID:           examID,
		Status:           model.SessionStatusInProgress,
		ConnectionStatus: model.ConnectionOnline,
		Seq:              seq,
		LastSeenAt:       t0,
	}
	for i, e := range entries {
		s.ActivityLog = append(s.ActivityLog, model.ActivityLogEntry{
			ID:        e,
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Type:      model.ActivityViolation,
			Severity:  model.SeverityWarning,
		})
	}
	return s
}

func TestSessionFeed_StoresPublishesAndQueuesNewActivity(t *testing.T) {
	feed := newFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := uuid.New()

	updates, err := feed.Subscribe(ctx, examID)
	require.NoError(t, err)

	ack, err := feed.Heartbeat(ctx, 3, examID, sessionAt(id, 3, 1, "a", "b"))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	select {
	case got := <-updates:
		assert.Equal(t, id, got.SessionID)
		assert.Equal(t, int64(1), got.Seq)
		assert.True(t, got.LastSeenAt.Equal(t0.Add(time.Hour)), "server clock stamps last seen")
	case <-time.After(3 * time.Second):
		t.Fatal("no update published")
	}

	_, err = feed.Heartbeat(ctx, 3, examID, sessionAt(id, 3, 2, "a", "b", "c"))
	require.NoError(t, err)

	acts := queued[model.ActivityRecord](t, feed.rdb, config.WorkerKey.PersistViolationsQueue)
	ids := make([]string, 0, len(acts))
	for _, a := range acts {
		ids = append(ids, a.Entry.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	rows := queued[model.ExamSession](t, feed.rdb, config.WorkerKey.PersistSessionsQueue)
	require.Len(t, rows, 2)
	assert.Empty(t, rows[1].ActivityLog)

	list, err := feed.ListSessions(ctx, examID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].ActivityLog, 3)
}

func TestSessionFeed_StaleRevisionIgnored(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := feed.Heartbeat(ctx, 3, examID, sessionAt(id, 3, 5, "a"))
	require.NoError(t, err)
	ack, err := feed.Heartbeat(ctx, 3, examID, sessionAt(id, 3, 4))
	require.NoError(t, err)
	assert.False(t, ack.Accepted)

	list, err := feed.ListSessions(ctx, examID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(5), list[0].Seq)
	assert.Len(t, queued[model.ExamSession](t, feed.rdb, config.WorkerKey.PersistSessionsQueue), 1)
}

func TestSessionFeed_TimeoutFlagReturnedUntilTerminal(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, feed.Timeout(ctx, examID, 3, ""))
	ack, err := feed.Heartbeat(ctx, 3, examID, sessionAt(id, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, "Ended by proctor", ack.TimeoutReason)

	done := sessionAt(id, 3, 2)
	done.Status = model.SessionStatusTimedOut
	ack, err = feed.Heartbeat(ctx, 3, examID, done)
	require.NoError(t, err)
	assert.Empty(t, ack.TimeoutReason)
}

func TestSessionFeed_IdentityMismatch(t *testing.T) {
	feed := newFeed(t)
	_, err := feed.Heartbeat(context.Background(), 4, examID, sessionAt(uuid.New(), 3, 1))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestMonitorService_InitialAndLive(t *testing.T) {
	feed := newFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settings := NewSettingService(&fakeSettingStore{values: map[string]string{}}, feed.rdb, defaultSettings, zerolog.Nop())
	mon := NewMonitorService(feed, settings, zerolog.Nop())

	first := uuid.New()
	_, err := feed.Heartbeat(ctx, 1, examID, sessionAt(first, 1, 1))
	require.NoError(t, err)

	stream, err := mon.Open(ctx, examID)
	require.NoError(t, err)
	assert.Equal(t, 1, stream.Board.Stats().Total)

	second := uuid.New()
	_, err = feed.Heartbeat(ctx, 2, examID, sessionAt(second, 2, 1, "x"))
	require.NoError(t, err)

	select {
	case got := <-stream.Changes:
		assert.Equal(t, second, got.SessionID)
	case <-time.After(3 * time.Second):
		t.Fatal("no live change")
	}
	assert.Equal(t, 2, stream.Board.Stats().Total)

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-stream.Changes
		return !open
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSessionFeed_RepeatedRevisionRefreshesLastSeen(t *testing.T) {
	feed := newFeed(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := feed.Heartbeat(ctx, 3, examID, sessionAt(id, 3, 2, "a"))
	require.NoError(t, err)

	feed.now = func() time.Time { return t0.Add(2 * time.Hour) }
	ack, err := feed.Heartbeat(ctx, 3, examID, sessionAt(id, 3, 2, "a"))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	list, err := feed.ListSessions(ctx, examID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].LastSeenAt.Equal(t0.Add(2*time.Hour)))
	assert.Len(t, queued[model.ExamSession](t, feed.rdb, config.WorkerKey.PersistSessionsQueue), 1, "keepalive is not persisted")
	assert.Len(t, queued[model.ActivityRecord](t, feed.rdb, config.WorkerKey.PersistViolationsQueue), 1)
}

type fakeArchive struct {
	sessions []model.ExamSession
	calls    int
}

func (f *fakeArchive) ListSessions(context.Context, uuid.UUID) ([]model.ExamSession, error) {
	f.calls++
	return f.sessions, nil
}

func TestSessionFeed_ListFallsBackToArchive(t *testing.T) {
	archive := &fakeArchive{sessions: []model.ExamSession{sessionAt(uuid.New(), 8, 40, "x")}}
	feed := newFeed(t).WithArchive(archive)
	ctx := context.Background()

	list, err := feed.ListSessions(ctx, examID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 8, list[0].StudentID)

	_, err = feed.Heartbeat(ctx, 3, examID, sessionAt(uuid.New(), 3, 1))
	require.NoError(t, err)
	list, err = feed.ListSessions(ctx, examID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].StudentID)
	assert.Equal(t, 1, archive.calls, "archive only consulted while Redis is empty")
}
