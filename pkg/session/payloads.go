package session

import "github.com/carclicker/quizd/pkg/models"

// Outbound frames. Every frame carries its stage; the remaining fields
// follow the audience and phase. Participant frames never contain answer
// correctness while a question is open.

// pauseData mirrors the idle overlay to clients: "no" while running,
// "yes" while an idle countdown runs, "timer_n" during the final warning.
type pauseData struct {
	State  PauseState `json:"state"`
	TimerN int        `json:"timer_n"`
}

type waitingData struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	Code               string `json:"code"`
	ParticipantsActive int    `json:"participants_active"`
}

type waitingFrame struct {
	Stage Stage       `json:"stage"`
	Pause pauseData   `json:"pause"`
	Data  waitingData `json:"data"`
}

type countdownData struct {
	Timer int `json:"timer"`
}

type countdownFrame struct {
	Stage Stage         `json:"stage"`
	Data  countdownData `json:"data"`
}

type questionData struct {
	QuestionsCount int             `json:"questions_count"`
	Timer          int             `json:"timer"`
	TimerDuration  int             `json:"timer_duration"`
	Title          string          `json:"title"`
	Code           string          `json:"code"`
	Question       models.Question `json:"question"`
}

type questionFrame struct {
	Stage Stage        `json:"stage"`
	Pause pauseData    `json:"pause"`
	Data  questionData `json:"data"`
	// DataAnswers lists the selectable choices for single- and
	// multi-choice questions. Text questions carry none.
	DataAnswers []models.Choice `json:"data_answers,omitempty"`
}

type discussionData struct {
	questionData
	// IDCorrectAnswer is set for single-choice questions.
	IDCorrectAnswer *int `json:"id_correct_answer,omitempty"`
	// IDsCorrectAnswers is set for multi-choice questions.
	IDsCorrectAnswers []int `json:"ids_correct_answers,omitempty"`
	// Percentages is the per-choice selection share for choice questions.
	Percentages []models.PercentageRow `json:"percentages,omitempty"`
}

// Winner is a running leaderboard entry shown during discussion.
type Winner struct {
	Position int    `json:"position"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

type discussionFrame struct {
	Stage Stage          `json:"stage"`
	Pause pauseData      `json:"pause"`
	Data  discussionData `json:"data"`
	// DataAnswers carries accepted text variants with match percentages.
	// Leaders see the full list; a participant whose answer matched sees
	// only their matched variant.
	DataAnswers []models.TextPercentageRow `json:"data_answers,omitempty"`
	Winners     []Winner                   `json:"winners"`
	// IsCorrect reflects the recipient's own text answer outcome.
	IsCorrect *bool `json:"is_correct,omitempty"`
	// Score is the recipient's running score.
	Score *int `json:"score,omitempty"`
}

type endData struct {
	Title             string `json:"title"`
	ParticipantsTotal int    `json:"participants_total"`
}

// FinalWinner is a top-3 entry of the terminal leaderboard.
type FinalWinner struct {
	Position int    `json:"position"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	Time     int    `json:"time"`
}

// PersonalResult is the recipient's own final placement.
type PersonalResult struct {
	Position  int `json:"position"`
	Score     int `json:"score"`
	TotalTime int `json:"total_time"`
}

type endFrame struct {
	Stage   Stage         `json:"stage"`
	Data    endData       `json:"data"`
	Winners []FinalWinner `json:"winners"`
	Score   *PersonalResult `json:"score,omitempty"`
}

// InboundCommand is the leader's control frame.
type InboundCommand struct {
	InteractiveStatus Command `json:"interactive_status"`
}

// inboundAnswer is a participant submission before validation. Exactly one
// field must be set, matching the open question's type.
type inboundAnswer struct {
	AnswerID   *int    `json:"answer_id"`
	AnswerIDs  []int   `json:"answer_ids"`
	AnswerText *string `json:"answer_text"`
}
