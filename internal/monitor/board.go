// Package monitor maintains the proctor's read-only projection of every
// session of an exam.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-guard/internal/model"
)

// Stats summarizes a board for the proctor dashboard header.
type Stats struct {
	Total           int                         `json:"total"`
	ByStatus        map[model.SessionStatus]int `json:"by_status"`
	TotalViolations int                         `json:"total_violations"`
	AtWarning       int                         `json:"at_warning"`
	Offline         int                         `json:"offline"`
}

// Board is safe for concurrent use. Updates from different sessions may
// arrive in any order; per session the highest Seq wins.
type Board struct {
	settings model.ProctorSettings

	mu       sync.RWMutex
	sessions map[uuid.UUID]*model.ExamSession
}

// NewBoard creates an empty board using settings for warning and grace thresholds.
func NewBoard(settings model.ProctorSettings) *Board {
	return &Board{
		settings: settings,
		sessions: make(map[uuid.UUID]*model.ExamSession),
	}
}

// Apply merges one update and reports whether it changed the projection.
// Activity entries are merged by id even when the update itself is stale.
// An update repeating the current Seq only refreshes LastSeenAt.
func (b *Board) Apply(u model.ExamSession) bool {
	next := u.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.sessions[u.SessionID]
	if !ok {
		next.ActivityLog = mergeLogs(nil, next.ActivityLog)
		b.sessions[u.SessionID] = &next
		return true
	}

	merged := mergeLogs(cur.ActivityLog, next.ActivityLog)
	grew := len(merged) != len(cur.ActivityLog)

	if next.Seq < cur.Seq {
		cur.ActivityLog = merged
		return grew
	}
	if next.Seq == cur.Seq {
		// Keepalive of an unchanged revision. It revives a swept session.
		cur.ActivityLog = merged
		revived := false
		if next.LastSeenAt.After(cur.LastSeenAt) {
			cur.LastSeenAt = next.LastSeenAt
			revived = cur.ConnectionStatus != next.ConnectionStatus
			cur.ConnectionStatus = next.ConnectionStatus
		}
		return grew || revived
	}
	next.ActivityLog = merged
	b.sessions[u.SessionID] = &next
	return true
}

// Consume applies updates until ch closes or ctx ends. It is the single
// listener of the stream. onChange, when set, receives the merged projection
// of every session the update changed.
func (b *Board) Consume(ctx context.Context, ch <-chan model.ExamSession, onChange func(model.ExamSession)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-ch:
			if !ok {
				return nil
			}
			if b.Apply(u) && onChange != nil {
				if s, found := b.Get(u.SessionID); found {
					onChange(s)
				}
			}
		}
	}
}

// Get returns one session.
func (b *Board) Get(id uuid.UUID) (model.ExamSession, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return model.ExamSession{}, false
	}
	return s.Clone(), true
}

// List returns every session ordered by student id.
func (b *Board) List() []model.ExamSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.ExamSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].SessionID.String() < out[j].SessionID.String()
	})
	return out
}

// Stats aggregates the board.
func (b *Board) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{ByStatus: make(map[model.SessionStatus]int)}
	for _, s := range b.sessions {
		st.Total++
		st.ByStatus[s.Status]++
		st.TotalViolations += s.ViolationCount
		if warn := b.settings.MaxViolationsBeforeWarning; warn > 0 && s.ViolationCount >= warn {
			st.AtWarning++
		}
		if s.ConnectionStatus == model.ConnectionOffline {
			st.Offline++
		}
	}
	return st
}

// Sweep projects sessions silent for longer than the grace period as offline
// and returns their ids. Terminal sessions are left alone.
func (b *Board) Sweep(now time.Time) []uuid.UUID {
	grace := b.settings.DisconnectGracePeriod()
	b.mu.Lock()
	defer b.mu.Unlock()

	var stale []uuid.UUID
	for id, s := range b.sessions {
		if s.Status.IsTerminal() || s.ConnectionStatus == model.ConnectionOffline {
			continue
		}
		if now.Sub(s.LastSeenAt) > grace {
			s.ConnectionStatus = model.ConnectionOffline
			stale = append(stale, id)
		}
	}
	return stale
}

// mergeLogs returns cur extended with the unseen entries of in, ordered by the
// revision that created them. Timestamps come from the station clock and are
// not trusted for ordering.
func mergeLogs(cur, in []model.ActivityLogEntry) []model.ActivityLogEntry {
	seen := make(map[string]struct{}, len(cur))
	out := make([]model.ActivityLogEntry, 0, len(cur)+len(in))
	for _, e := range cur {
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	added := false
	for _, e := range in {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
		added = true
	}
	if added {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Seq < out[j].Seq
		})
	}
	return out
}
