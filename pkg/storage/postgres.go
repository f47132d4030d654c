package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carclicker/quizd/pkg/models"
)

// Schema holds the DDL for the tables this package reads and writes.
// Applied by EnsureSchema and by the test harness.
//
//go:embed schema.sql
var Schema string

// Postgres implements Repository on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Open connects a new pool for the given DSN and pings it.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool, e.g. for test fixtures.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks database connectivity. Used by the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// EnsureSchema creates the tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) InteractiveExists(ctx context.Context, interactiveID int) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM interactives WHERE id = $1)`,
		interactiveID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check interactive %d: %w", interactiveID, err)
	}
	return exists, nil
}

func (p *Postgres) InteractiveConducted(ctx context.Context, interactiveID int) (bool, error) {
	var conducted bool
	err := p.pool.QueryRow(ctx,
		`SELECT conducted FROM interactives WHERE id = $1`,
		interactiveID).Scan(&conducted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load conducted flag for interactive %d: %w", interactiveID, err)
	}
	return conducted, nil
}

func (p *Postgres) InteractiveMeta(ctx context.Context, interactiveID int) (models.Interactive, error) {
	var m models.Interactive
	var responsible *string
	err := p.pool.QueryRow(ctx,
		`SELECT id, code, title, description,
		        answer_duration, discussion_duration, countdown_duration,
		        conducted, date_completed, COALESCE(created_by_id, 0), responsible_full_name
		 FROM interactives WHERE id = $1`,
		interactiveID).Scan(
		&m.ID, &m.Code, &m.Title, &m.Description,
		&m.AnswerDuration, &m.DiscussionDuration, &m.CountdownDuration,
		&m.Conducted, &m.DateCompleted, &m.CreatedByID, &responsible)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Interactive{}, ErrNotFound
	}
	if err != nil {
		return models.Interactive{}, fmt.Errorf("load interactive %d: %w", interactiveID, err)
	}
	if responsible != nil {
		m.ResponsibleFullName = *responsible
	}
	return m, nil
}

func (p *Postgres) InteractiveQuestions(ctx context.Context, interactiveID int) ([]models.Question, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, text, position, score, type, COALESCE(image_url, '')
		 FROM questions WHERE interactive_id = $1 ORDER BY position`,
		interactiveID)
	if err != nil {
		return nil, fmt.Errorf("load questions for interactive %d: %w", interactiveID, err)
	}
	defer rows.Close()

	var questions []models.Question
	for rows.Next() {
		var q models.Question
		if err := rows.Scan(&q.ID, &q.Text, &q.Position, &q.Score, &q.Type, &q.Image); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (p *Postgres) QuestionAnswers(ctx context.Context, questionID int) ([]models.Answer, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, question_id, text, is_correct FROM answers WHERE question_id = $1 ORDER BY id`,
		questionID)
	if err != nil {
		return nil, fmt.Errorf("load answers for question %d: %w", questionID, err)
	}
	defer rows.Close()

	var answers []models.Answer
	for rows.Next() {
		var a models.Answer
		if err := rows.Scan(&a.ID, &a.QuestionID, &a.Text, &a.IsCorrect); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (p *Postgres) UserIDByTelegram(ctx context.Context, telegramID int64) (int, error) {
	var userID int
	err := p.pool.QueryRow(ctx,
		`SELECT id FROM users WHERE telegram_id = $1`, telegramID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve telegram id %d: %w", telegramID, err)
	}
	return userID, nil
}

func (p *Postgres) IsCreator(ctx context.Context, interactiveID, userID int) (bool, error) {
	var isCreator bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM interactives WHERE id = $1 AND created_by_id = $2)`,
		interactiveID, userID).Scan(&isCreator)
	if err != nil {
		return false, fmt.Errorf("check creator of interactive %d: %w", interactiveID, err)
	}
	return isCreator, nil
}

func (p *Postgres) RegisterParticipant(ctx context.Context, interactiveID, userID int) (int, error) {
	var participantID int
	err := p.pool.QueryRow(ctx,
		`INSERT INTO quiz_participants (interactive_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (interactive_id, user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING id`,
		interactiveID, userID).Scan(&participantID)
	if err != nil {
		return 0, fmt.Errorf("register participant user %d in interactive %d: %w", userID, interactiveID, err)
	}
	return participantID, nil
}

func (p *Postgres) ParticipantRegistered(ctx context.Context, interactiveID, userID int) (bool, error) {
	var registered bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM quiz_participants WHERE interactive_id = $1 AND user_id = $2)`,
		interactiveID, userID).Scan(&registered)
	if err != nil {
		return false, fmt.Errorf("check participant registration: %w", err)
	}
	return registered, nil
}

func (p *Postgres) ParticipantCount(ctx context.Context, interactiveID int) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM quiz_participants WHERE interactive_id = $1`,
		interactiveID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count participants of interactive %d: %w", interactiveID, err)
	}
	return count, nil
}

func (p *Postgres) UpsertUserAnswer(ctx context.Context, participantID, questionID int, data models.AnswerData, isCorrect bool, timeSeconds int) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal answer data: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO user_answers (participant_id, question_id, answer_data, is_correct, time_seconds)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (participant_id, question_id)
		 DO UPDATE SET answer_data = EXCLUDED.answer_data,
		               is_correct = EXCLUDED.is_correct,
		               time_seconds = EXCLUDED.time_seconds,
		               created_at = now()`,
		participantID, questionID, payload, isCorrect, timeSeconds)
	if err != nil {
		return fmt.Errorf("upsert answer of participant %d to question %d: %w", participantID, questionID, err)
	}
	return nil
}

// questionSubmissions loads every stored submission for a question whose
// answer data is of one of the given types.
func (p *Postgres) questionSubmissions(ctx context.Context, questionID int, types ...models.QuestionType) ([]models.AnswerData, []int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT qp.user_id, ua.answer_data
		 FROM user_answers ua
		 JOIN quiz_participants qp ON qp.id = ua.participant_id
		 WHERE ua.question_id = $1`,
		questionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load submissions for question %d: %w", questionID, err)
	}
	defer rows.Close()

	wanted := make(map[models.QuestionType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var submissions []models.AnswerData
	var userIDs []int
	for rows.Next() {
		var userID int
		var raw []byte
		if err := rows.Scan(&userID, &raw); err != nil {
			return nil, nil, fmt.Errorf("scan submission: %w", err)
		}
		var data models.AnswerData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, nil, fmt.Errorf("decode answer data: %w", err)
		}
		if wanted[data.Type] {
			submissions = append(submissions, data)
			userIDs = append(userIDs, userID)
		}
	}
	return submissions, userIDs, rows.Err()
}

func (p *Postgres) SelectionPercentages(ctx context.Context, questionID int) ([]models.PercentageRow, error) {
	answers, err := p.QuestionAnswers(ctx, questionID)
	if err != nil {
		return nil, err
	}
	submissions, _, err := p.questionSubmissions(ctx, questionID, models.QuestionTypeSingle, models.QuestionTypeMulti)
	if err != nil {
		return nil, err
	}
	return selectionPercentages(answers, submissions), nil
}

func (p *Postgres) TextMatchPercentages(ctx context.Context, questionID int) ([]models.TextPercentageRow, error) {
	answers, err := p.QuestionAnswers(ctx, questionID)
	if err != nil {
		return nil, err
	}
	submissions, _, err := p.questionSubmissions(ctx, questionID, models.QuestionTypeText)
	if err != nil {
		return nil, err
	}
	return textMatchPercentages(answers, submissions), nil
}

func (p *Postgres) TextAnswerFeedback(ctx context.Context, questionID int) ([]models.TextFeedbackRow, error) {
	submissions, userIDs, err := p.questionSubmissions(ctx, questionID, models.QuestionTypeText)
	if err != nil {
		return nil, err
	}
	feedback := make([]models.TextFeedbackRow, 0, len(submissions))
	for i, sub := range submissions {
		feedback = append(feedback, models.TextFeedbackRow{
			UserID:          userIDs[i],
			MatchedAnswerID: sub.MatchedAnswerID,
			IsCorrect:       sub.MatchedAnswerID != nil,
		})
	}
	return feedback, nil
}

func (p *Postgres) UserScore(ctx context.Context, userID, interactiveID int) (int, error) {
	var score int
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(q.score), 0)
		 FROM user_answers ua
		 JOIN quiz_participants qp ON qp.id = ua.participant_id
		 JOIN questions q ON q.id = ua.question_id
		 WHERE qp.user_id = $1 AND qp.interactive_id = $2 AND ua.is_correct`,
		userID, interactiveID).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("load score of user %d in interactive %d: %w", userID, interactiveID, err)
	}
	return score, nil
}

func (p *Postgres) Leaderboard(ctx context.Context, interactiveID int) ([]models.LeaderboardRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT qp.user_id, u.username, COALESCE(SUM(q.score), 0) AS score, qp.total_time
		 FROM quiz_participants qp
		 JOIN users u ON u.id = qp.user_id
		 LEFT JOIN user_answers ua ON ua.participant_id = qp.id AND ua.is_correct
		 LEFT JOIN questions q ON q.id = ua.question_id
		 WHERE qp.interactive_id = $1
		 GROUP BY qp.user_id, u.username, qp.total_time
		 ORDER BY score DESC, qp.total_time ASC, qp.user_id ASC`,
		interactiveID)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard of interactive %d: %w", interactiveID, err)
	}
	defer rows.Close()

	var board []models.LeaderboardRow
	for rows.Next() {
		var r models.LeaderboardRow
		if err := rows.Scan(&r.UserID, &r.Username, &r.Score, &r.TotalTime); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		board = append(board, r)
	}
	return board, rows.Err()
}

func (p *Postgres) MarkConducted(ctx context.Context, interactiveID int, completedAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE interactives SET conducted = true, date_completed = $2 WHERE id = $1`,
		interactiveID, completedAt)
	if err != nil {
		return fmt.Errorf("mark interactive %d conducted: %w", interactiveID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddParticipantTime(ctx context.Context, interactiveID, userID, seconds int) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE quiz_participants SET total_time = total_time + $3
		 WHERE interactive_id = $1 AND user_id = $2`,
		interactiveID, userID, seconds)
	if err != nil {
		return fmt.Errorf("add time for user %d in interactive %d: %w", userID, interactiveID, err)
	}
	return nil
}

func (p *Postgres) RecordQuestionTime(ctx context.Context, interactiveID, questionID, seconds int) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE questions SET total_time = $3 WHERE interactive_id = $1 AND id = $2`,
		interactiveID, questionID, seconds)
	if err != nil {
		return fmt.Errorf("record time for question %d: %w", questionID, err)
	}
	return nil
}

func (p *Postgres) DropParticipant(ctx context.Context, interactiveID, userID int) error {
	// user_answers rows go with the participant via ON DELETE CASCADE.
	_, err := p.pool.Exec(ctx,
		`DELETE FROM quiz_participants WHERE interactive_id = $1 AND user_id = $2`,
		interactiveID, userID)
	if err != nil {
		return fmt.Errorf("drop participant user %d from interactive %d: %w", userID, interactiveID, err)
	}
	return nil
}

func (p *Postgres) DeleteInteractive(ctx context.Context, interactiveID int) error {
	// Questions, participants and answers cascade.
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM interactives WHERE id = $1`, interactiveID)
	if err != nil {
		return fmt.Errorf("delete interactive %d: %w", interactiveID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// selectionPercentages counts, per answer option, how many choice
// submissions selected it, as a share of all choice submissions.
func selectionPercentages(answers []models.Answer, submissions []models.AnswerData) []models.PercentageRow {
	counts := make(map[int]int, len(answers))
	for _, sub := range submissions {
		for _, id := range sub.SelectedAnswerIDs() {
			counts[id]++
		}
	}
	total := len(submissions)

	result := make([]models.PercentageRow, 0, len(answers))
	for _, a := range answers {
		result = append(result, models.PercentageRow{
			AnswerID:   a.ID,
			Percentage: percentage(counts[a.ID], total),
		})
	}
	return result
}

// textMatchPercentages counts, per accepted variant, how many text
// submissions matched it, as a share of all text submissions.
func textMatchPercentages(answers []models.Answer, submissions []models.AnswerData) []models.TextPercentageRow {
	counts := make(map[int]int, len(answers))
	for _, sub := range submissions {
		if sub.MatchedAnswerID != nil {
			counts[*sub.MatchedAnswerID]++
		}
	}
	total := len(submissions)

	result := make([]models.TextPercentageRow, 0, len(answers))
	for _, a := range answers {
		result = append(result, models.TextPercentageRow{
			AnswerID:   a.ID,
			Text:       a.Text,
			Percentage: percentage(counts[a.ID], total),
		})
	}
	return result
}

// percentage returns count/total as a percent rounded to two decimals,
// 0 when there are no submissions.
func percentage(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(total)*100*100) / 100
}
