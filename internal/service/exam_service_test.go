package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExamService_WarmsOnceThenServesFromRedis(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	svc, src := newExamService(t, rdb)

	exam, err := svc.GetExam(ctx, examID)
	require.NoError(t, err)
	assert.Equal(t, "Physics midterm", exam.Title)
	assert.Equal(t, 4, exam.QuestionCount)

	key, err := svc.GetAnswerKey(ctx, examID)
	require.NoError(t, err)
	assert.Equal(t, model.AnswerKey{1: 2, 2: 0, 3: 1, 4: 3}, key)

	_, err = svc.GetExam(ctx, examID)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestExamService_UnknownExam(t *testing.T) {
	_, rdb := newRedis(t)
	svc, _ := newExamService(t, rdb)

	_, err := svc.GetExam(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrExamNotFound)
}
