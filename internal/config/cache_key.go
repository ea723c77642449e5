package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentAnswersKey returns the cache key for a student's synced answers
func (r *CacheKeyStruct) StudentAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// StudentSubmissionKey returns the cache key holding a student's final submit result
func (r *CacheKeyStruct) StudentSubmissionKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:submission", studentID, examID)
}

// StudentActivitySeenKey returns the cache key counting activity entries already queued per session
func (r *CacheKeyStruct) StudentActivitySeenKey(sessionID string) string {
	return fmt.Sprintf("session:%s:activity_seen", sessionID)
}

// StudentTimeoutKey returns the cache key holding an administrative timeout reason
func (r *CacheKeyStruct) StudentTimeoutKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:timeout", studentID, examID)
}

// ExamAnswerKey returns the cache key for an exam's answer key
func (r *CacheKeyStruct) ExamAnswerKey(examID string) string {
	return fmt.Sprintf("exam:%s:key", examID)
}

// ExamMetaKey returns the cache key for an exam's grading metadata
func (r *CacheKeyStruct) ExamMetaKey(examID string) string {
	return fmt.Sprintf("exam:%s:meta", examID)
}

// ExamSessionsKey returns the hash holding the latest projection of every session of an exam
func (r *CacheKeyStruct) ExamSessionsKey(examID string) string {
	return fmt.Sprintf("exam:%s:sessions", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// ProctorSettingsKey returns the cache key for the resolved proctor thresholds
func (r *CacheKeyStruct) ProctorSettingsKey() string {
	return "settings:proctor"
}

// SnapshotKey returns the local cache key for an exam's in-progress snapshot
func (r *CacheKeyStruct) SnapshotKey(examID string) string {
	return fmt.Sprintf("snapshot:%s", examID)
}

// PendingSyncKey returns the local cache key for a snapshot awaiting server acknowledgement
func (r *CacheKeyStruct) PendingSyncKey(examID string) string {
	return fmt.Sprintf("pending:%s", examID)
}

var CacheKey = NewCacheKeyStruct()
