package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/carclicker/quizd/pkg/models"
	"github.com/carclicker/quizd/pkg/storage"
)

// frameSet is one tick's serialized output, split by audience. perUser
// overrides the participant frame for recipients with personalized fields.
type frameSet struct {
	leader      []byte
	participant []byte
	perUser     map[int][]byte
}

func (f frameSet) frameFor(e Entry) []byte {
	if e.Role == RoleLeader {
		return f.leader
	}
	if data, ok := f.perUser[e.UserID]; ok {
		return data
	}
	return f.participant
}

// projector turns a session snapshot into wire frames. Discussion and end
// frames need storage aggregates; those are fetched once per call, never per
// recipient.
type projector struct {
	repo storage.Repository
}

func sameForAll(frame any) frameSet {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("frame marshal failed", "error", err)
		return frameSet{}
	}
	return frameSet{leader: data, participant: data}
}

func (p *projector) waiting(frame waitingFrame) frameSet {
	return sameForAll(frame)
}

func (p *projector) countdown(frame countdownFrame) frameSet {
	return sameForAll(frame)
}

func (p *projector) question(frame questionFrame) frameSet {
	return sameForAll(frame)
}

// discussionSnap is the mutex-held state a discussion broadcast needs,
// copied out before any storage call.
type discussionSnap struct {
	data          questionData
	pause         pauseData
	interactiveID int
	question      models.Question
	correctIDs    []int
}

func (p *projector) discussion(ctx context.Context, snap discussionSnap, participantIDs []int) (frameSet, error) {
	board, err := p.repo.Leaderboard(ctx, snap.interactiveID)
	if err != nil {
		return frameSet{}, err
	}

	winners := make([]Winner, 0, 3)
	scores := make(map[int]int, len(board))
	for i, row := range board {
		scores[row.UserID] = row.Score
		if i < 3 {
			winners = append(winners, Winner{Position: i + 1, Username: row.Username, Score: row.Score})
		}
	}

	base := discussionFrame{
		Stage:   StageDiscussion,
		Pause:   snap.pause,
		Data:    discussionData{questionData: snap.data},
		Winners: winners,
	}

	if snap.question.Type == models.QuestionTypeText {
		return p.discussionText(ctx, snap, base, scores, participantIDs)
	}

	percentages, err := p.repo.SelectionPercentages(ctx, snap.question.ID)
	if err != nil {
		return frameSet{}, err
	}
	base.Data.Percentages = percentages
	switch snap.question.Type {
	case models.QuestionTypeSingle:
		if len(snap.correctIDs) > 0 {
			id := snap.correctIDs[0]
			base.Data.IDCorrectAnswer = &id
		}
	case models.QuestionTypeMulti:
		base.Data.IDsCorrectAnswers = snap.correctIDs
	}

	fs := frameSet{perUser: make(map[int][]byte, len(participantIDs))}
	fs.leader, err = json.Marshal(base)
	if err != nil {
		return frameSet{}, err
	}
	zero := 0
	base.Score = &zero
	fs.participant, err = json.Marshal(base)
	if err != nil {
		return frameSet{}, err
	}
	for _, userID := range participantIDs {
		score, ok := scores[userID]
		if !ok || score == 0 {
			continue
		}
		frame := base
		frame.Score = &score
		data, err := json.Marshal(frame)
		if err != nil {
			return frameSet{}, err
		}
		fs.perUser[userID] = data
	}
	return fs, nil
}

// discussionText builds the text-question discussion frames. Leaders see the
// full variant list; a participant whose answer matched a variant sees only
// that variant, everyone else sees the full list with is_correct=false.
func (p *projector) discussionText(ctx context.Context, snap discussionSnap, base discussionFrame, scores map[int]int, participantIDs []int) (frameSet, error) {
	variants, err := p.repo.TextMatchPercentages(ctx, snap.question.ID)
	if err != nil {
		return frameSet{}, err
	}
	feedback, err := p.repo.TextAnswerFeedback(ctx, snap.question.ID)
	if err != nil {
		return frameSet{}, err
	}

	variantByID := make(map[int]models.TextPercentageRow, len(variants))
	for _, v := range variants {
		variantByID[v.AnswerID] = v
	}
	feedbackByUser := make(map[int]models.TextFeedbackRow, len(feedback))
	for _, row := range feedback {
		feedbackByUser[row.UserID] = row
	}

	fs := frameSet{perUser: make(map[int][]byte, len(participantIDs))}

	leaderFrame := base
	leaderFrame.DataAnswers = variants
	fs.leader, err = json.Marshal(leaderFrame)
	if err != nil {
		return frameSet{}, err
	}

	notCorrect := false
	zero := 0
	fallback := base
	fallback.DataAnswers = variants
	fallback.IsCorrect = &notCorrect
	fallback.Score = &zero
	fs.participant, err = json.Marshal(fallback)
	if err != nil {
		return frameSet{}, err
	}

	for _, userID := range participantIDs {
		frame := base
		score := scores[userID]
		frame.Score = &score
		row, answered := feedbackByUser[userID]
		switch {
		case answered && row.MatchedAnswerID != nil:
			matched := true
			frame.IsCorrect = &matched
			if v, ok := variantByID[*row.MatchedAnswerID]; ok {
				frame.DataAnswers = []models.TextPercentageRow{v}
			}
		default:
			frame.IsCorrect = &notCorrect
			frame.DataAnswers = variants
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return frameSet{}, err
		}
		fs.perUser[userID] = data
	}
	return fs, nil
}

// end builds the terminal frames: top-3 winners for everyone, plus each
// ranked participant's own placement.
func (p *projector) end(ctx context.Context, meta models.Interactive) (frameSet, error) {
	board, err := p.repo.Leaderboard(ctx, meta.ID)
	if err != nil {
		return frameSet{}, err
	}
	total, err := p.repo.ParticipantCount(ctx, meta.ID)
	if err != nil {
		return frameSet{}, err
	}

	winners := make([]FinalWinner, 0, 3)
	for i, row := range board {
		if i >= 3 {
			break
		}
		winners = append(winners, FinalWinner{
			Position: i + 1,
			Username: row.Username,
			Score:    row.Score,
			Time:     row.TotalTime,
		})
	}

	base := endFrame{
		Stage:   StageEnd,
		Data:    endData{Title: meta.Title, ParticipantsTotal: total},
		Winners: winners,
	}

	fs := frameSet{perUser: make(map[int][]byte, len(board))}
	fs.leader, err = json.Marshal(base)
	if err != nil {
		return frameSet{}, err
	}
	fs.participant = fs.leader

	for i, row := range board {
		frame := base
		frame.Score = &PersonalResult{Position: i + 1, Score: row.Score, TotalTime: row.TotalTime}
		data, err := json.Marshal(frame)
		if err != nil {
			return frameSet{}, err
		}
		fs.perUser[row.UserID] = data
	}
	return fs, nil
}

// endWithout is the degraded terminal frame used when standings could not
// be read: stage and title only, so clients still see the session close.
func (p *projector) endWithout(meta models.Interactive) frameSet {
	return sameForAll(endFrame{
		Stage:   StageEnd,
		Data:    endData{Title: meta.Title},
		Winners: []FinalWinner{},
	})
}
