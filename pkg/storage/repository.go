// Package storage defines the persistence contract the session engine relies
// on, with a PostgreSQL implementation (pgx) and an in-memory one for tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/carclicker/quizd/pkg/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Repository is the storage contract consumed by the session engine. All
// operations are safe for concurrent use; writes are atomic at statement
// level and the (participant, question) pair is unique for user answers.
type Repository interface {
	// InteractiveExists reports whether the interactive exists.
	InteractiveExists(ctx context.Context, interactiveID int) (bool, error)

	// InteractiveConducted reports whether the interactive already ran to
	// completion. ErrNotFound when the interactive does not exist.
	InteractiveConducted(ctx context.Context, interactiveID int) (bool, error)

	// InteractiveMeta loads the immutable definition without questions.
	InteractiveMeta(ctx context.Context, interactiveID int) (models.Interactive, error)

	// InteractiveQuestions loads the questions ordered by position.
	InteractiveQuestions(ctx context.Context, interactiveID int) ([]models.Question, error)

	// QuestionAnswers loads a question's answer options including
	// correctness flags.
	QuestionAnswers(ctx context.Context, questionID int) ([]models.Answer, error)

	// UserIDByTelegram resolves the internal user id for an external
	// Telegram id. ErrNotFound for unknown users.
	UserIDByTelegram(ctx context.Context, telegramID int64) (int, error)

	// IsCreator reports whether the user created the interactive.
	IsCreator(ctx context.Context, interactiveID, userID int) (bool, error)

	// RegisterParticipant records a participant, returning the existing row
	// id when the user is already registered.
	RegisterParticipant(ctx context.Context, interactiveID, userID int) (int, error)

	// ParticipantRegistered reports whether the user holds a participant
	// record for the interactive.
	ParticipantRegistered(ctx context.Context, interactiveID, userID int) (bool, error)

	// ParticipantCount returns the number of registered participants.
	ParticipantCount(ctx context.Context, interactiveID int) (int, error)

	// UpsertUserAnswer stores a submission, replacing any prior answer by
	// the same participant to the same question.
	UpsertUserAnswer(ctx context.Context, participantID, questionID int, data models.AnswerData, isCorrect bool, timeSeconds int) error

	// SelectionPercentages returns, per answer option, the share of
	// choice submissions that selected it.
	SelectionPercentages(ctx context.Context, questionID int) ([]models.PercentageRow, error)

	// TextMatchPercentages returns, per accepted variant, the share of text
	// submissions that matched it.
	TextMatchPercentages(ctx context.Context, questionID int) ([]models.TextPercentageRow, error)

	// TextAnswerFeedback returns every participant's text-answer outcome
	// for the question, keyed for per-recipient personalization.
	TextAnswerFeedback(ctx context.Context, questionID int) ([]models.TextFeedbackRow, error)

	// UserScore returns the user's accumulated score in the interactive.
	UserScore(ctx context.Context, userID, interactiveID int) (int, error)

	// Leaderboard returns all participants ordered by score descending,
	// total time ascending.
	Leaderboard(ctx context.Context, interactiveID int) ([]models.LeaderboardRow, error)

	// MarkConducted flags the interactive as completed.
	MarkConducted(ctx context.Context, interactiveID int, completedAt time.Time) error

	// AddParticipantTime accumulates seconds onto the participant's total
	// question time. The session is the only caller.
	AddParticipantTime(ctx context.Context, interactiveID, userID, seconds int) error

	// RecordQuestionTime stores the aggregate seconds a question phase ran.
	RecordQuestionTime(ctx context.Context, interactiveID, questionID, seconds int) error

	// DropParticipant removes the participant and all their answers. Used
	// when an interactive is deleted mid-run.
	DropParticipant(ctx context.Context, interactiveID, userID int) error

	// DeleteInteractive removes the interactive with its questions,
	// participants and answers. ErrNotFound when it does not exist.
	DeleteInteractive(ctx context.Context, interactiveID int) error
}
