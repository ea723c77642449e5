package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is the subset of exam metadata the integrity engine needs for grading
// and lateness decisions.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	QuestionCount   int        `json:"question_count"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
}

// AnswerKey maps question id to the correct option index.
type AnswerKey map[int]int
