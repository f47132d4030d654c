package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carclicker/quizd/pkg/models"
)

// Memory is a mutex-guarded in-memory Repository. It backs the engine tests
// and local development without a database.
type Memory struct {
	mu sync.Mutex

	users        map[int]memUser // user id → user
	interactives map[int]models.Interactive
	questions    map[int][]models.Question // interactive id → ordered questions
	answers      map[int][]models.Answer   // question id → answers

	participants  map[int]*models.Participant // participant id → record
	userAnswers   map[answerKey]*storedAnswer
	questionTimes map[int]int // question id → aggregate seconds

	nextParticipantID int
}

type memUser struct {
	id         int
	telegramID int64
	username   string
}

type answerKey struct {
	participantID int
	questionID    int
}

type storedAnswer struct {
	data        models.AnswerData
	isCorrect   bool
	timeSeconds int
	createdAt   time.Time
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:             make(map[int]memUser),
		interactives:      make(map[int]models.Interactive),
		questions:         make(map[int][]models.Question),
		answers:           make(map[int][]models.Answer),
		participants:      make(map[int]*models.Participant),
		userAnswers:       make(map[answerKey]*storedAnswer),
		questionTimes:     make(map[int]int),
		nextParticipantID: 1,
	}
}

// AddUser seeds a user.
func (m *Memory) AddUser(id int, telegramID int64, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = memUser{id: id, telegramID: telegramID, username: username}
}

// AddInteractive seeds an interactive with its questions and answers.
func (m *Memory) AddInteractive(meta models.Interactive, questions []models.Question, answers map[int][]models.Answer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactives[meta.ID] = meta
	qs := make([]models.Question, len(questions))
	copy(qs, questions)
	sort.Slice(qs, func(i, j int) bool { return qs[i].Position < qs[j].Position })
	m.questions[meta.ID] = qs
	for qid, ans := range answers {
		m.answers[qid] = append([]models.Answer(nil), ans...)
	}
}

// Interactive returns the seeded interactive, for test assertions.
func (m *Memory) Interactive(id int) (models.Interactive, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.interactives[id]
	return meta, ok
}

// StoredAnswer returns a participant's stored submission, for test assertions.
func (m *Memory) StoredAnswer(participantID, questionID int) (models.AnswerData, bool, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sa, ok := m.userAnswers[answerKey{participantID, questionID}]
	if !ok {
		return models.AnswerData{}, false, 0, false
	}
	return sa.data, sa.isCorrect, sa.timeSeconds, true
}

// QuestionTime returns the recorded aggregate seconds for a question.
func (m *Memory) QuestionTime(questionID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.questionTimes[questionID]
}

func (m *Memory) InteractiveExists(_ context.Context, interactiveID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.interactives[interactiveID]
	return ok, nil
}

func (m *Memory) InteractiveConducted(_ context.Context, interactiveID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.interactives[interactiveID]
	if !ok {
		return false, ErrNotFound
	}
	return meta.Conducted, nil
}

func (m *Memory) InteractiveMeta(_ context.Context, interactiveID int) (models.Interactive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.interactives[interactiveID]
	if !ok {
		return models.Interactive{}, ErrNotFound
	}
	return meta, nil
}

func (m *Memory) InteractiveQuestions(_ context.Context, interactiveID int) ([]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Question(nil), m.questions[interactiveID]...), nil
}

func (m *Memory) QuestionAnswers(_ context.Context, questionID int) ([]models.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Answer(nil), m.answers[questionID]...), nil
}

func (m *Memory) UserIDByTelegram(_ context.Context, telegramID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.telegramID == telegramID {
			return u.id, nil
		}
	}
	return 0, ErrNotFound
}

func (m *Memory) IsCreator(_ context.Context, interactiveID, userID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.interactives[interactiveID]
	return ok && meta.CreatedByID == userID, nil
}

func (m *Memory) RegisterParticipant(_ context.Context, interactiveID, userID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.InteractiveID == interactiveID && p.UserID == userID {
			return p.ID, nil
		}
	}
	id := m.nextParticipantID
	m.nextParticipantID++
	m.participants[id] = &models.Participant{
		ID:            id,
		InteractiveID: interactiveID,
		UserID:        userID,
		JoinedAt:      time.Now(),
	}
	return id, nil
}

func (m *Memory) ParticipantRegistered(_ context.Context, interactiveID, userID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.InteractiveID == interactiveID && p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ParticipantCount(_ context.Context, interactiveID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.participants {
		if p.InteractiveID == interactiveID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) UpsertUserAnswer(_ context.Context, participantID, questionID int, data models.AnswerData, isCorrect bool, timeSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userAnswers[answerKey{participantID, questionID}] = &storedAnswer{
		data:        data,
		isCorrect:   isCorrect,
		timeSeconds: timeSeconds,
		createdAt:   time.Now(),
	}
	return nil
}

// submissionsFor collects stored answer data of the given types for one
// question, together with the submitting user ids.
func (m *Memory) submissionsFor(questionID int, types ...models.QuestionType) ([]models.AnswerData, []int) {
	wanted := make(map[models.QuestionType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var submissions []models.AnswerData
	var userIDs []int
	for key, sa := range m.userAnswers {
		if key.questionID != questionID || !wanted[sa.data.Type] {
			continue
		}
		submissions = append(submissions, sa.data)
		if p, ok := m.participants[key.participantID]; ok {
			userIDs = append(userIDs, p.UserID)
		} else {
			userIDs = append(userIDs, 0)
		}
	}
	return submissions, userIDs
}

func (m *Memory) SelectionPercentages(_ context.Context, questionID int) ([]models.PercentageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	submissions, _ := m.submissionsFor(questionID, models.QuestionTypeSingle, models.QuestionTypeMulti)
	return selectionPercentages(m.answers[questionID], submissions), nil
}

func (m *Memory) TextMatchPercentages(_ context.Context, questionID int) ([]models.TextPercentageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	submissions, _ := m.submissionsFor(questionID, models.QuestionTypeText)
	return textMatchPercentages(m.answers[questionID], submissions), nil
}

func (m *Memory) TextAnswerFeedback(_ context.Context, questionID int) ([]models.TextFeedbackRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	submissions, userIDs := m.submissionsFor(questionID, models.QuestionTypeText)
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

// scoreOf sums question scores over a participant's correct answers.
// Callers hold m.mu.
func (m *Memory) scoreOf(participantID int) int {
	score := 0
	for key, sa := range m.userAnswers {
		if key.participantID != participantID || !sa.isCorrect {
			continue
		}
		for _, qs := range m.questions {
			for _, q := range qs {
				if q.ID == key.questionID {
					score += q.Score
				}
			}
		}
	}
	return score
}

func (m *Memory) UserScore(_ context.Context, userID, interactiveID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.InteractiveID == interactiveID && p.UserID == userID {
			return m.scoreOf(p.ID), nil
		}
	}
	return 0, nil
}

func (m *Memory) Leaderboard(_ context.Context, interactiveID int) ([]models.LeaderboardRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var board []models.LeaderboardRow
	for _, p := range m.participants {
		if p.InteractiveID != interactiveID {
			continue
		}
		username := ""
		if u, ok := m.users[p.UserID]; ok {
			username = u.username
		}
		board = append(board, models.LeaderboardRow{
			UserID:    p.UserID,
			Username:  username,
			Score:     m.scoreOf(p.ID),
			TotalTime: p.TotalTime,
		})
	}
	sort.Slice(board, func(i, j int) bool {
		if board[i].Score != board[j].Score {
			return board[i].Score > board[j].Score
		}
		if board[i].TotalTime != board[j].TotalTime {
			return board[i].TotalTime < board[j].TotalTime
		}
		return board[i].UserID < board[j].UserID
	})
	return board, nil
}

func (m *Memory) MarkConducted(_ context.Context, interactiveID int, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.interactives[interactiveID]
	if !ok {
		return ErrNotFound
	}
	meta.Conducted = true
	meta.DateCompleted = &completedAt
	m.interactives[interactiveID] = meta
	return nil
}

func (m *Memory) AddParticipantTime(_ context.Context, interactiveID, userID, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.InteractiveID == interactiveID && p.UserID == userID {
			p.TotalTime += seconds
		}
	}
	return nil
}

func (m *Memory) RecordQuestionTime(_ context.Context, _, questionID, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questionTimes[questionID] = seconds
	return nil
}

func (m *Memory) DeleteInteractive(_ context.Context, interactiveID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interactives[interactiveID]; !ok {
		return ErrNotFound
	}
	for _, q := range m.questions[interactiveID] {
		delete(m.answers, q.ID)
		delete(m.questionTimes, q.ID)
		for key := range m.userAnswers {
			if key.questionID == q.ID {
				delete(m.userAnswers, key)
			}
		}
	}
	for id, p := range m.participants {
		if p.InteractiveID == interactiveID {
			delete(m.participants, id)
		}
	}
	delete(m.questions, interactiveID)
	delete(m.interactives, interactiveID)
	return nil
}

func (m *Memory) DropParticipant(_ context.Context, interactiveID, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.participants {
		if p.InteractiveID != interactiveID || p.UserID != userID {
			continue
		}
		for key := range m.userAnswers {
			if key.participantID == id {
				delete(m.userAnswers, key)
			}
		}
		delete(m.participants, id)
	}
	return nil
}
