package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carclicker/quizd/pkg/models"
	"github.com/carclicker/quizd/pkg/storage"
)

const quizID = 42

func testConfig() Config {
	return Config{TickInterval: 3 * time.Millisecond, SendTimeout: 100 * time.Millisecond}
}

// seedRepo loads one quiz: a single-choice question worth 3 points and a
// text question worth 5. User 1 is the creator.
func seedRepo(t *testing.T) *storage.Memory {
	t.Helper()
	repo := storage.NewMemory()
	repo.AddUser(1, 1001, "alice")
	repo.AddUser(2, 1002, "bob")
	repo.AddUser(3, 1003, "carol")
	repo.AddInteractive(
		models.Interactive{
			ID: quizID, Code: "ABCD", Title: "Geography", Description: "Capitals and peaks",
			AnswerDuration: 1, DiscussionDuration: 1, CountdownDuration: 1,
			CreatedByID: 1,
		},
		[]models.Question{
			{ID: 100, Text: "Capital of France?", Position: 1, Score: 3, Type: models.QuestionTypeSingle},
			{ID: 101, Text: "Highest mountain?", Position: 2, Score: 5, Type: models.QuestionTypeText},
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
	return repo
}

func waitForStage(t *testing.T, s *Session, stage Stage) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stage() == stage {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached stage %q, still at %q", stage, s.Stage())
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished")
	}
}

// decodeFrames unmarshals every recorded frame into generic maps.
func decodeFrames(t *testing.T, frames [][]byte) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(frames))
	for _, raw := range frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func framesOfStage(frames []map[string]any, stage Stage) []map[string]any {
	var out []map[string]any
	for _, f := range frames {
		if f["stage"] == string(stage) {
			out = append(out, f)
		}
	}
	return out
}

func TestSessionWaitingBroadcast(t *testing.T) {
	repo := seedRepo(t)
	mgr := NewManager(repo, testConfig())
	ctx := context.Background()

	leader := &fakeTransport{}
	participant := &fakeTransport{}
	_, _, err := mgr.Connect(ctx, leader, quizID, 1, RoleLeader)
	require.NoError(t, err)
	sess, _, err := mgr.Connect(ctx, participant, quizID, 2, RoleParticipant)
	require.NoError(t, err)
	defer sess.destroy(ctx, "test over", false)

	require.Eventually(t, func() bool {
		return len(participant.Frames()) >= 2
	}, 2*time.Second, time.Millisecond)

	frames := decodeFrames(t, participant.Frames())
	waiting := framesOfStage(frames, StageWaiting)
	require.NotEmpty(t, waiting)

	data := waiting[len(waiting)-1]["data"].(map[string]any)
	assert.Equal(t, "Geography", data["title"])
	assert.Equal(t, "ABCD", data["code"])
	assert.Equal(t, float64(1), data["participants_active"])

	pause := waiting[len(waiting)-1]["pause"].(map[string]any)
	assert.Equal(t, string(PauseStateYes), pause["state"])
}

func TestSessionFullRun(t *testing.T) {
	repo := seedRepo(t)
	// One question keeps the run short; the text question is exercised in
	// the projector tests.
	meta, _ := repo.Interactive(quizID)
	meta.AnswerDuration = 5
	repo.AddInteractive(meta,
		[]models.Question{{ID: 100, Text: "Capital of France?", Position: 1, Score: 3, Type: models.QuestionTypeSingle}},
		map[int][]models.Answer{100: {
			{ID: 1, QuestionID: 100, Text: "Paris", IsCorrect: true},
			{ID: 2, QuestionID: 100, Text: "Lyon"},
		}},
	)

	mgr := NewManager(repo, testConfig())
	ctx := context.Background()

	leader := &fakeTransport{}
	participant := &fakeTransport{}
	sess, _, err := mgr.Connect(ctx, leader, quizID, 1, RoleLeader)
	require.NoError(t, err)
	_, participantID, err := mgr.Connect(ctx, participant, quizID, 2, RoleParticipant)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(leader.Frames()) >= 1
	}, 2*time.Second, time.Millisecond)

	sess.ApplyCommand(CommandGoing)
	waitForStage(t, sess, StageQuestion)

	one := 1
	raw, err := json.Marshal(inboundAnswer{AnswerID: &one})
	require.NoError(t, err)
	sess.SubmitAnswer(ctx, participantID, 2, raw)

	waitDone(t, sess)

	meta, ok := repo.Interactive(quizID)
	require.True(t, ok)
	assert.True(t, meta.Conducted)
	require.NotNil(t, meta.DateCompleted)

	data, isCorrect, _, ok := repo.StoredAnswer(participantID, 100)
	require.True(t, ok)
	assert.True(t, isCorrect)
	assert.Equal(t, models.SingleChoice(1), data)

	_, gone := mgr.Get(quizID)
	assert.False(t, gone)
	assert.True(t, leader.Closed())
	assert.True(t, participant.Closed())

	leaderFrames := decodeFrames(t, leader.Frames())
	for _, stage := range []Stage{StageWaiting, StageCountdown, StageQuestion, StageDiscussion, StageEnd} {
		assert.NotEmpty(t, framesOfStage(leaderFrames, stage), "missing %s frames", stage)
	}

	// The leader sees the correct answer id during discussion.
	discussion := framesOfStage(leaderFrames, StageDiscussion)
	require.NotEmpty(t, discussion)
	dData := discussion[0]["data"].(map[string]any)
	assert.Equal(t, float64(1), dData["id_correct_answer"])

	// No question frame ever carries correctness.
	for _, f := range framesOfStage(decodeFrames(t, participant.Frames()), StageQuestion) {
		qData := f["data"].(map[string]any)
		assert.NotContains(t, qData, "id_correct_answer")
		question := qData["question"].(map[string]any)
		assert.NotContains(t, question, "is_correct")
	}

	// The participant's terminal frame includes their placement.
	pFrames := decodeFrames(t, participant.Frames())
	end := framesOfStage(pFrames, StageEnd)
	require.NotEmpty(t, end)
	score := end[len(end)-1]["score"].(map[string]any)
	assert.Equal(t, float64(1), score["position"])
	assert.Equal(t, float64(3), score["score"])

	lEnd := framesOfStage(leaderFrames, StageEnd)
	require.NotEmpty(t, lEnd)
	assert.NotContains(t, lEnd[len(lEnd)-1], "score")
}

func TestSessionLeaderOnlyMultiQuestionRun(t *testing.T) {
	repo := seedRepo(t)
	mgr := NewManager(repo, testConfig())
	ctx := context.Background()

	// Nobody joins: the leader runs both questions back to back.
	leader := &fakeTransport{}
	sess, _, err := mgr.Connect(ctx, leader, quizID, 1, RoleLeader)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(leader.Frames()) >= 1
	}, 2*time.Second, time.Millisecond)

	sess.ApplyCommand(CommandGoing)
	waitDone(t, sess)

	meta, ok := repo.Interactive(quizID)
	require.True(t, ok)
	assert.True(t, meta.Conducted)

	frames := decodeFrames(t, leader.Frames())
	for _, stage := range []Stage{StageWaiting, StageCountdown, StageQuestion, StageDiscussion, StageEnd} {
		assert.NotEmpty(t, framesOfStage(frames, stage), "missing %s frames", stage)
	}

	position := func(f map[string]any) float64 {
		q := f["data"].(map[string]any)["question"].(map[string]any)
		return q["position"].(float64)
	}

	// Both questions go out and the position never rewinds.
	var positions []float64
	for _, f := range framesOfStage(frames, StageQuestion) {
		positions = append(positions, position(f))
	}
	for i := 1; i < len(positions); i++ {
		assert.GreaterOrEqual(t, positions[i], positions[i-1])
	}
	assert.Contains(t, positions, float64(1))
	assert.Contains(t, positions, float64(2))

	// Each question is discussed, and the second question only opens after
	// the first discussion.
	var discussed []float64
	for _, f := range framesOfStage(frames, StageDiscussion) {
		discussed = append(discussed, position(f))
	}
	assert.Contains(t, discussed, float64(1))
	assert.Contains(t, discussed, float64(2))

	sawFirstDiscussion := false
	for _, f := range frames {
		switch f["stage"] {
		case string(StageDiscussion):
			if position(f) == 1 {
				sawFirstDiscussion = true
			}
		case string(StageQuestion):
			if position(f) == 2 {
				assert.True(t, sawFirstDiscussion,
					"second question opened before the first discussion")
			}
		}
	}
}

func TestSessionEndFromWaitingNotConducted(t *testing.T) {
	repo := seedRepo(t)
	mgr := NewManager(repo, testConfig())
	ctx := context.Background()

	sess, _, err := mgr.Connect(ctx, &fakeTransport{}, quizID, 1, RoleLeader)
	require.NoError(t, err)

	sess.ApplyCommand(CommandEnd)
	waitDone(t, sess)

	meta, _ := repo.Interactive(quizID)
	assert.False(t, meta.Conducted)
}

func TestSessionEndBeforeDiscussionNotConducted(t *testing.T) {
	repo := seedRepo(t)
	meta, _ := repo.Interactive(quizID)
	meta.CountdownDuration = 1000
	repo.AddInteractive(meta,
		[]models.Question{{ID: 100, Text: "q", Position: 1, Score: 1, Type: models.QuestionTypeSingle}},
		map[int][]models.Answer{100: {{ID: 1, QuestionID: 100, Text: "a", IsCorrect: true}}},
	)
	mgr := NewManager(repo, testConfig())

	sess, _, err := mgr.Connect(context.Background(), &fakeTransport{}, quizID, 1, RoleLeader)
	require.NoError(t, err)

	sess.ApplyCommand(CommandGoing)
	waitForStage(t, sess, StageCountdown)
	sess.ApplyCommand(CommandEnd)
	waitDone(t, sess)

	meta, _ = repo.Interactive(quizID)
	assert.False(t, meta.Conducted)
}

func TestSessionPauseFreezesTimer(t *testing.T) {
	repo := seedRepo(t)
	meta, _ := repo.Interactive(quizID)
	meta.CountdownDuration = 1000
	repo.AddInteractive(meta,
		[]models.Question{{ID: 100, Text: "q", Position: 1, Score: 1, Type: models.QuestionTypeSingle}},
		map[int][]models.Answer{100: {{ID: 1, QuestionID: 100, Text: "a", IsCorrect: true}}},
	)
	mgr := NewManager(repo, testConfig())
	ctx := context.Background()

	sess, _, err := mgr.Connect(ctx, &fakeTransport{}, quizID, 1, RoleLeader)
	require.NoError(t, err)
	defer sess.destroy(ctx, "test over", false)

	sess.ApplyCommand(CommandGoing)
	waitForStage(t, sess, StageCountdown)

	sess.ApplyCommand(CommandPause)
	time.Sleep(5 * testConfig().TickInterval)
	sess.mu.Lock()
	frozen := sess.remaining
	idleState := sess.idleState
	sess.mu.Unlock()
	assert.Equal(t, PauseStateYes, idleState)

	time.Sleep(5 * testConfig().TickInterval)
	sess.mu.Lock()
	stillFrozen := sess.remaining
	sess.mu.Unlock()
	assert.Equal(t, frozen, stillFrozen)

	sess.ApplyCommand(CommandPause)
	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.remaining < stillFrozen
	}, 2*time.Second, time.Millisecond)

	sess.mu.Lock()
	assert.Equal(t, PauseStateNo, sess.idleState)
	sess.mu.Unlock()
}

func TestIdleOverlayEscalatesToForcedEnd(t *testing.T) {
	repo := seedRepo(t)
	mgr := NewManager(repo, testConfig())
	questions, _ := repo.InteractiveQuestions(context.Background(), quizID)
	meta, _ := repo.Interactive(quizID)
	s := newSession(meta, questions, repo, mgr, testConfig())

	s.mu.Lock()
	s.idleSecondsLeft = 2
	s.tickIdleLocked(3)
	assert.Equal(t, PauseStateYes, s.idleState)
	assert.Equal(t, 1, s.idleSecondsLeft)

	s.tickIdleLocked(3)
	assert.Equal(t, PauseStateWarning, s.idleState)
	assert.Equal(t, 3, s.idleSecondsLeft)

	s.tickIdleLocked(3)
	s.tickIdleLocked(3)
	assert.Equal(t, StageWaiting, s.stage)
	s.tickIdleLocked(3)
	assert.Equal(t, StageEnd, s.stage)
	assert.True(t, s.cancelled)
	s.mu.Unlock()
}

func TestMorePauseResetsIdleWindow(t *testing.T) {
	repo := seedRepo(t)
	mgr := NewManager(repo, testConfig())
	questions, _ := repo.InteractiveQuestions(context.Background(), quizID)
	meta, _ := repo.Interactive(quizID)
	s := newSession(meta, questions, repo, mgr, testConfig())

	// Waiting: the idle window rewinds to the full budget.
	s.mu.Lock()
	s.idleState = PauseStateWarning
	s.idleSecondsLeft = 4
	s.mu.Unlock()
	s.ApplyCommand(CommandMorePause)
	s.mu.Lock()
	assert.Equal(t, PauseStateYes, s.idleState)
	assert.Equal(t, waitingIdleTicks, s.idleSecondsLeft)

	// Paused mid-run: rewinds to the paused budget.
	s.stage = StageQuestion
	s.tickStep = 0
	s.idleState = PauseStateWarning
	s.idleSecondsLeft = 4
	s.mu.Unlock()
	s.ApplyCommand(CommandMorePause)
	s.mu.Lock()
	assert.Equal(t, PauseStateYes, s.idleState)
	assert.Equal(t, pausedIdleTicks, s.idleSecondsLeft)

	// Running mid-run: ignored.
	s.tickStep = 1
	s.idleState = PauseStateNo
	s.idleSecondsLeft = 0
	s.mu.Unlock()
	s.ApplyCommand(CommandMorePause)
	s.mu.Lock()
	assert.Equal(t, PauseStateNo, s.idleState)
	s.mu.Unlock()
}

func TestSubmitAnswerOutsideQuestionDropped(t *testing.T) {
	repo := seedRepo(t)
	mgr := NewManager(repo, testConfig())
	ctx := context.Background()
	questions, _ := repo.InteractiveQuestions(ctx, quizID)
	meta, _ := repo.Interactive(quizID)
	s := newSession(meta, questions, repo, mgr, testConfig())

	pid, err := repo.RegisterParticipant(ctx, quizID, 2)
	require.NoError(t, err)

	one := 1
	raw, _ := json.Marshal(inboundAnswer{AnswerID: &one})
	s.SubmitAnswer(ctx, pid, 2, raw)
	assert.Equal(t, 1, s.DroppedInbound())

	_, _, _, stored := repo.StoredAnswer(pid, 100)
	assert.False(t, stored)
}

func TestSubmitAnswerMalformedDropped(t *testing.T) {
	repo := seedRepo(t)
	mgr := NewManager(repo, testConfig())
	ctx := context.Background()
	questions, _ := repo.InteractiveQuestions(ctx, quizID)
	meta, _ := repo.Interactive(quizID)
	s := newSession(meta, questions, repo, mgr, testConfig())
	s.stage = StageQuestion
	s.current = &questions[0]
	s.answers, _ = repo.QuestionAnswers(ctx, 100)

	pid, err := repo.RegisterParticipant(ctx, quizID, 2)
	require.NoError(t, err)

	s.SubmitAnswer(ctx, pid, 2, []byte("{not json"))
	s.SubmitAnswer(ctx, pid, 2, []byte(`{"answer_text":"Paris"}`))
	assert.Equal(t, 2, s.DroppedInbound())

	_, _, _, stored := repo.StoredAnswer(pid, 100)
	assert.False(t, stored)
}

func TestBroadcastDetachesFailingTransport(t *testing.T) {
	repo := seedRepo(t)
	mgr := NewManager(repo, testConfig())
	ctx := context.Background()
	questions, _ := repo.InteractiveQuestions(ctx, quizID)
	meta, _ := repo.Interactive(quizID)
	s := newSession(meta, questions, repo, mgr, testConfig())

	_, err := repo.RegisterParticipant(ctx, quizID, 2)
	require.NoError(t, err)

	healthy := &fakeTransport{}
	broken := &fakeTransport{failSends: true}
	require.NoError(t, s.registry.Attach(healthy, 1, RoleLeader))
	require.NoError(t, s.registry.Attach(broken, 2, RoleParticipant))

	s.mu.Lock()
	s.pendingTime[2] = 7
	s.mu.Unlock()

	s.broadcast(sameForAll(countdownFrame{Stage: StageCountdown}))

	assert.False(t, s.registry.Has(2, RoleParticipant))
	assert.True(t, s.registry.Has(1, RoleLeader))
	assert.Len(t, healthy.Frames(), 1)

	// The dropped participant's accumulated time was persisted.
	board, err := repo.Leaderboard(ctx, quizID)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, 7, board[0].TotalTime)
}
