// Package models contains the domain types shared by the storage layer and
// the session engine.
package models

import "time"

// QuestionType discriminates how a question is answered and scored.
type QuestionType string

// Question type wire values.
const (
	QuestionTypeSingle QuestionType = "one"  // exactly one correct choice
	QuestionTypeMulti  QuestionType = "many" // two or more correct choices
	QuestionTypeText   QuestionType = "text" // free text matched against variants
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeSingle, QuestionTypeMulti, QuestionTypeText:
		return true
	}
	return false
}

// Interactive is a quiz definition. It is immutable while a session runs.
type Interactive struct {
	ID                  int        `json:"interactive_id"`
	Code                string     `json:"code"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	AnswerDuration      int        `json:"answer_duration"`
	DiscussionDuration  int        `json:"discussion_duration"`
	CountdownDuration   int        `json:"countdown_duration"`
	Conducted           bool       `json:"conducted"`
	DateCompleted       *time.Time `json:"date_completed,omitempty"`
	CreatedByID         int        `json:"created_by_id"`
	ResponsibleFullName string     `json:"responsible_full_name,omitempty"`
}

// Question is one question of an interactive. Position is 1-based and
// strictly sequential within the interactive.
type Question struct {
	ID       int          `json:"id"`
	Text     string       `json:"text"`
	Position int          `json:"position"`
	Score    int          `json:"score"`
	Type     QuestionType `json:"type"`
	Image    string       `json:"image,omitempty"`
}

// Answer is one answer option of a question. IsCorrect never leaves the
// server during the QUESTION phase.
type Answer struct {
	ID         int    `json:"id"`
	QuestionID int    `json:"-"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"is_correct"`
}

// Choice is the participant-visible projection of an Answer.
type Choice struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Participant is a user registered for one interactive.
type Participant struct {
	ID            int       `json:"id"`
	InteractiveID int       `json:"interactive_id"`
	UserID        int       `json:"user_id"`
	TotalTime     int       `json:"total_time"`
	JoinedAt      time.Time `json:"joined_at"`
}

// LeaderboardRow is one participant's aggregate standing, ordered by score
// descending and total time ascending.
type LeaderboardRow struct {
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	Score     int    `json:"score"`
	TotalTime int    `json:"total_time"`
}

// PercentageRow is the share of submissions that selected one answer of a
// single- or multi-choice question.
type PercentageRow struct {
	AnswerID   int     `json:"id"`
	Percentage float64 `json:"percentage"`
}

// TextPercentageRow is the share of text submissions that matched one
// accepted variant.
type TextPercentageRow struct {
	AnswerID   int     `json:"id"`
	Text       string  `json:"text"`
	Percentage float64 `json:"percentage"`
}

// TextFeedbackRow is one participant's text-answer outcome for a question,
// prefetched so discussion broadcasts personalize without per-recipient
// queries.
type TextFeedbackRow struct {
	UserID          int
	MatchedAnswerID *int
	IsCorrect       bool
}
