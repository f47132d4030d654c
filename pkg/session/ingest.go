package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/carclicker/quizd/pkg/models"
)

// SubmitAnswer validates and persists one participant submission. Malformed
// payloads, submissions outside the question phase and answer ids that do
// not belong to the open question are dropped without a reply; the session
// never sends error frames to participants.
func (s *Session) SubmitAnswer(ctx context.Context, participantID, userID int, raw []byte) {
	var in inboundAnswer
	if err := json.Unmarshal(raw, &in); err != nil {
		s.discard("malformed answer payload", userID)
		return
	}

	s.mu.Lock()
	if s.stage != StageQuestion || s.current == nil {
		s.mu.Unlock()
		s.discard("answer outside question phase", userID)
		return
	}
	question := *s.current
	answers := s.answers
	elapsed := s.elapsedQuestion
	s.mu.Unlock()

	data, isCorrect, ok := evaluate(question, answers, in)
	if !ok {
		s.discard("answer does not fit the open question", userID)
		return
	}

	if err := s.repo.UpsertUserAnswer(ctx, participantID, question.ID, data, isCorrect, elapsed); err != nil {
		slog.Warn("storing answer failed",
			"interactive_id", s.interactive.ID, "question_id", question.ID,
			"user_id", userID, "error", err)
	}
}

func (s *Session) discard(reason string, userID int) {
	s.mu.Lock()
	s.droppedInbound++
	s.mu.Unlock()
	slog.Debug("dropping submission",
		"interactive_id", s.interactive.ID, "user_id", userID, "reason", reason)
}

// evaluate grades a submission against the open question. Correctness is
// always computed here; nothing the client sends is trusted.
func evaluate(q models.Question, answers []models.Answer, in inboundAnswer) (models.AnswerData, bool, bool) {
	switch q.Type {
	case models.QuestionTypeSingle:
		if in.AnswerID == nil || in.AnswerIDs != nil || in.AnswerText != nil {
			return models.AnswerData{}, false, false
		}
		for _, a := range answers {
			if a.ID == *in.AnswerID {
				return models.SingleChoice(a.ID), a.IsCorrect, true
			}
		}
		return models.AnswerData{}, false, false

	case models.QuestionTypeMulti:
		if len(in.AnswerIDs) == 0 || in.AnswerID != nil || in.AnswerText != nil {
			return models.AnswerData{}, false, false
		}
		listed := make(map[int]bool, len(answers))
		correct := make(map[int]bool, len(answers))
		for _, a := range answers {
			listed[a.ID] = true
			if a.IsCorrect {
				correct[a.ID] = true
			}
		}
		selected := make(map[int]bool, len(in.AnswerIDs))
		for _, id := range in.AnswerIDs {
			if !listed[id] {
				return models.AnswerData{}, false, false
			}
			selected[id] = true
		}
		isCorrect := len(selected) == len(correct)
		for id := range correct {
			if !selected[id] {
				isCorrect = false
				break
			}
		}
		return models.MultiChoice(in.AnswerIDs), isCorrect, true

	case models.QuestionTypeText:
		if in.AnswerText == nil || in.AnswerID != nil || in.AnswerIDs != nil {
			return models.AnswerData{}, false, false
		}
		text := strings.TrimSpace(*in.AnswerText)
		if text == "" {
			return models.AnswerData{}, false, false
		}
		for _, a := range answers {
			if strings.EqualFold(text, strings.TrimSpace(a.Text)) {
				return models.TextAnswer(text, &a.ID), true, true
			}
		}
		return models.TextAnswer(text, nil), false, true
	}
	return models.AnswerData{}, false, false
}
