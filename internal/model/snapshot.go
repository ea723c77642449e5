package model

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CacheSnapshot is the full in-progress state of one exam attempt at a point in time.
// Only one snapshot per exam is current; a newer write replaces the older one.
type CacheSnapshot struct {
	ExamID               uuid.UUID   `json:"exam_id"`
	Answers              map[int]int `json:"answers"`
	FlaggedQuestionIDs   []int       `json:"flagged_question_ids"`
	CurrentQuestionIndex int         `json:"current_question_index"`
	TimeRemainingSeconds int         `json:"time_remaining_seconds"`
	SavedAtEpochMillis   int64       `json:"saved_at_epoch_millis"`
}

var (
	ErrSnapshotNoExam        = errors.New("snapshot has no exam id")
	ErrSnapshotNegativeTime  = errors.New("snapshot has negative time remaining")
	ErrSnapshotNegativeIndex = errors.New("snapshot has negative question index")
)

// Validate rejects snapshots that could not have been produced by a live attempt.
func (s CacheSnapshot) Validate() error {
	if s.ExamID == uuid.Nil {
		return ErrSnapshotNoExam
	}
	if s.TimeRemainingSeconds < 0 {
		return ErrSnapshotNegativeTime
	}
	if s.CurrentQuestionIndex < 0 {
		return ErrSnapshotNegativeIndex
	}
	return nil
}

// Normalize returns a deep copy with the flagged set sorted and de-duplicated.
// Nil answers and a nil flagged set stay nil, so a saved snapshot loads back
// equal to itself.
func (s CacheSnapshot) Normalize() CacheSnapshot {
	out := s
	if s.Answers != nil {
		out.Answers = make(map[int]int, len(s.Answers))
		for q, opt := range s.Answers {
			out.Answers[q] = opt
		}
	}
	if s.FlaggedQuestionIDs == nil {
		return out
	}

	seen := make(map[int]struct{}, len(s.FlaggedQuestionIDs))
	flagged := make([]int, 0, len(s.FlaggedQuestionIDs))
	for _, q := range s.FlaggedQuestionIDs {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		flagged = append(flagged, q)
	}
	sort.Ints(flagged)
	out.FlaggedQuestionIDs = flagged
	return out
}

// SyncState describes the server synchronization status of the local cache.
// Pending is non-nil exactly when the last attempted sync has not succeeded.
type SyncState struct {
	Pending      *CacheSnapshot `json:"pending,omitempty"`
	IsSyncing    bool           `json:"is_syncing"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty"`
	IsOffline    bool           `json:"is_offline"`
}

// HasPendingSync reports whether a snapshot is waiting for server acknowledgement.
func (s SyncState) HasPendingSync() bool {
	return s.Pending != nil
}
