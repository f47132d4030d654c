package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carclicker/quizd/pkg/models"
)

func seedQuiz(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	m.AddUser(1, 1001, "alice")
	m.AddUser(2, 1002, "bob")
	m.AddUser(3, 1003, "carol")
	m.AddInteractive(
		models.Interactive{ID: 42, Code: "ABCD", Title: "Geography", CreatedByID: 1},
		[]models.Question{
			{ID: 100, Position: 1, Score: 3, Type: models.QuestionTypeSingle},
			{ID: 101, Position: 2, Score: 5, Type: models.QuestionTypeText},
		},
		map[int][]models.Answer{
			100: {
				{ID: 1, QuestionID: 100, Text: "Paris", IsCorrect: true},
				{ID: 2, QuestionID: 100, Text: "Lyon"},
			},
			101: {
				{ID: 3, QuestionID: 101, Text: "Everest", IsCorrect: true},
			},
		},
	)
	return m
}

func TestMemoryRegisterParticipantIdempotent(t *testing.T) {
	ctx := context.Background()
	m := seedQuiz(t)

	first, err := m.RegisterParticipant(ctx, 42, 2)
	require.NoError(t, err)
	second, err := m.RegisterParticipant(ctx, 42, 2)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	count, err := m.ParticipantCount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryUpsertReplacesAnswer(t *testing.T) {
	ctx := context.Background()
	m := seedQuiz(t)
	pid, err := m.RegisterParticipant(ctx, 42, 2)
	require.NoError(t, err)

	require.NoError(t, m.UpsertUserAnswer(ctx, pid, 100, models.SingleChoice(2), false, 4))
	require.NoError(t, m.UpsertUserAnswer(ctx, pid, 100, models.SingleChoice(1), true, 9))

	data, isCorrect, seconds, ok := m.StoredAnswer(pid, 100)
	require.True(t, ok)
	assert.Equal(t, models.SingleChoice(1), data)
	assert.True(t, isCorrect)
	assert.Equal(t, 9, seconds)

	score, err := m.UserScore(ctx, 2, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, score)
}

func TestMemoryLeaderboardOrdering(t *testing.T) {
	ctx := context.Background()
	m := seedQuiz(t)

	pAlice, _ := m.RegisterParticipant(ctx, 42, 1)
	pBob, _ := m.RegisterParticipant(ctx, 42, 2)
	pCarol, _ := m.RegisterParticipant(ctx, 42, 3)

	// Alice and Bob tie on score; Bob was faster. Carol scores less.
	require.NoError(t, m.UpsertUserAnswer(ctx, pAlice, 100, models.SingleChoice(1), true, 10))
	require.NoError(t, m.UpsertUserAnswer(ctx, pBob, 100, models.SingleChoice(1), true, 5))
	require.NoError(t, m.UpsertUserAnswer(ctx, pCarol, 100, models.SingleChoice(2), false, 2))
	require.NoError(t, m.AddParticipantTime(ctx, 42, 1, 10))
	require.NoError(t, m.AddParticipantTime(ctx, 42, 2, 5))
	require.NoError(t, m.AddParticipantTime(ctx, 42, 3, 2))

	board, err := m.Leaderboard(ctx, 42)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, "bob", board[0].Username)
	assert.Equal(t, "alice", board[1].Username)
	assert.Equal(t, "carol", board[2].Username)
}

func TestMemoryMarkConducted(t *testing.T) {
	ctx := context.Background()
	m := seedQuiz(t)

	completedAt := time.Now()
	require.NoError(t, m.MarkConducted(ctx, 42, completedAt))

	conducted, err := m.InteractiveConducted(ctx, 42)
	require.NoError(t, err)
	assert.True(t, conducted)

	assert.ErrorIs(t, m.MarkConducted(ctx, 999, completedAt), ErrNotFound)
}

func TestMemoryDropParticipant(t *testing.T) {
	ctx := context.Background()
	m := seedQuiz(t)
	pid, _ := m.RegisterParticipant(ctx, 42, 2)
	require.NoError(t, m.UpsertUserAnswer(ctx, pid, 100, models.SingleChoice(1), true, 1))

	require.NoError(t, m.DropParticipant(ctx, 42, 2))

	_, _, _, ok := m.StoredAnswer(pid, 100)
	assert.False(t, ok)
	registered, err := m.ParticipantRegistered(ctx, 42, 2)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestMemoryDeleteInteractive(t *testing.T) {
	ctx := context.Background()
	m := seedQuiz(t)
	_, err := m.RegisterParticipant(ctx, 42, 2)
	require.NoError(t, err)

	require.NoError(t, m.DeleteInteractive(ctx, 42))

	exists, err := m.InteractiveExists(ctx, 42)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.ErrorIs(t, m.DeleteInteractive(ctx, 42), ErrNotFound)
}
