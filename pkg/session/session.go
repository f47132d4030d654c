package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carclicker/quizd/pkg/models"
	"github.com/carclicker/quizd/pkg/storage"
)

// Session drives one live run of an interactive. A single goroutine owns the
// phase loop; inbound commands and answers are applied under the session
// mutex and take effect no later than the next tick's broadcast. Storage and
// sends always run with the mutex released.
type Session struct {
	interactive models.Interactive
	questions   []models.Question

	repo      storage.Repository
	registry  *Registry
	projector *projector
	mgr       *Manager
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	stage           Stage
	waitingDone     bool // leader sent "going"
	cancelled       bool // end without completion: idle expiry, fatal, waiting end
	sawDiscussion   bool
	tickStep        int // 1 running, 0 paused
	timerDuration   int
	remaining       int
	questionIndex   int
	current         *models.Question
	answers         []models.Answer
	elapsedQuestion int // ticks spent in the current question phase
	idleState       PauseState
	idleSecondsLeft int
	pendingTime     map[int]int  // user id → question ticks not yet persisted
	joined          map[int]bool // participant users that attached during this run
	droppedInbound  int          // malformed or out-of-phase submissions
}

func newSession(meta models.Interactive, questions []models.Question, repo storage.Repository, mgr *Manager, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		interactive:     meta,
		questions:       questions,
		repo:            repo,
		registry:        NewRegistry(),
		projector:       &projector{repo: repo},
		mgr:             mgr,
		cfg:             cfg.withDefaults(),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		stage:           StageWaiting,
		tickStep:        1,
		questionIndex:   -1,
		idleState:       PauseStateYes,
		idleSecondsLeft: waitingIdleTicks,
		pendingTime:     make(map[int]int),
		joined:          make(map[int]bool),
	}
}

func (s *Session) start() {
	go s.run()
}

// Stage returns the current phase.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Done closes when the phase loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Interactive returns the immutable definition this session runs.
func (s *Session) Interactive() models.Interactive {
	return s.interactive
}

// DroppedInbound returns how many submissions were silently discarded.
func (s *Session) DroppedInbound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedInbound
}

// ApplyCommand applies a leader control command. Commands that do not apply
// to the current phase are ignored.
func (s *Session) ApplyCommand(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case CommandGoing:
		if s.stage != StageWaiting {
			return
		}
		s.waitingDone = true
		s.idleState = PauseStateNo
		s.idleSecondsLeft = 0

	case CommandPause:
		if s.stage == StageWaiting || s.stage == StageEnd {
			return
		}
		if s.tickStep == 1 {
			s.tickStep = 0
			s.idleState = PauseStateYes
			s.idleSecondsLeft = pausedIdleTicks
		} else {
			s.tickStep = 1
			s.idleState = PauseStateNo
			s.idleSecondsLeft = 0
		}

	case CommandEnd:
		if s.stage == StageEnd {
			return
		}
		if s.stage == StageWaiting {
			s.cancelled = true
		}
		s.stage = StageEnd

	case CommandMorePause:
		switch {
		case s.stage == StageWaiting:
			s.idleState = PauseStateYes
			s.idleSecondsLeft = waitingIdleTicks
		case s.stage != StageEnd && s.tickStep == 0:
			s.idleState = PauseStateYes
			s.idleSecondsLeft = pausedIdleTicks
		}
	}
}

// run is the phase loop. It exits either through the end phase or when the
// session context is cancelled (deletion, leader abandoning the waiting
// room); only the former broadcasts a terminal frame.
func (s *Session) run() {
	defer close(s.done)
	for {
		var ok bool
		switch s.Stage() {
		case StageWaiting:
			ok = s.runWaiting()
		case StageCountdown:
			ok = s.runCountdown()
		case StageQuestion:
			ok = s.runQuestion()
		case StageDiscussion:
			ok = s.runDiscussion()
		case StageEnd:
			s.runEnd()
			return
		}
		if !ok {
			return
		}
	}
}

// sleepTick waits one tick. Returns false when the session was cancelled.
func (s *Session) sleepTick() bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(s.cfg.TickInterval):
		return true
	}
}

func (s *Session) runWaiting() bool {
	for {
		s.mu.Lock()
		if s.stage != StageWaiting {
			s.mu.Unlock()
			return true
		}
		if s.waitingDone {
			s.stage = StageCountdown
			s.timerDuration = s.interactive.CountdownDuration
			s.remaining = s.interactive.CountdownDuration
			s.mu.Unlock()
			return true
		}
		pause := s.pauseLocked()
		s.mu.Unlock()

		s.broadcast(s.projector.waiting(waitingFrame{
			Stage: StageWaiting,
			Pause: pause,
			Data: waitingData{
				Title:              s.interactive.Title,
				Description:        s.interactive.Description,
				Code:               s.interactive.Code,
				ParticipantsActive: s.registry.AudienceCount(),
			},
		}))

		if !s.sleepTick() {
			return false
		}

		s.mu.Lock()
		if s.stage == StageWaiting && !s.waitingDone {
			s.tickIdleLocked(waitingIdleWarningTicks)
		}
		s.mu.Unlock()
	}
}

func (s *Session) runCountdown() bool {
	for {
		s.mu.Lock()
		if s.stage != StageCountdown {
			s.mu.Unlock()
			return true
		}
		if s.remaining < 0 {
			s.questionIndex = 0
			s.stage = StageQuestion
			s.mu.Unlock()
			return true
		}
		timer := s.remaining
		s.mu.Unlock()

		s.broadcast(s.projector.countdown(countdownFrame{
			Stage: StageCountdown,
			Data:  countdownData{Timer: timer},
		}))

		if !s.sleepTick() {
			return false
		}

		s.mu.Lock()
		if s.stage == StageCountdown {
			s.remaining -= s.tickStep
			if s.tickStep == 0 {
				s.tickIdleLocked(pausedIdleWarningTicks)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Session) runQuestion() bool {
	s.mu.Lock()
	if s.stage != StageQuestion {
		s.mu.Unlock()
		return true
	}
	if s.questionIndex < 0 || s.questionIndex >= len(s.questions) {
		s.failLocked("question index out of range", "index", s.questionIndex)
		s.mu.Unlock()
		return true
	}
	q := &s.questions[s.questionIndex]
	s.mu.Unlock()

	// Preload answers off the mutex. A question without answers cannot be
	// played; force the session to its end instead of stalling.
	answers, err := s.repo.QuestionAnswers(s.ctx, q.ID)
	if err != nil || len(answers) == 0 {
		s.mu.Lock()
		s.failLocked("question preload failed", "question_id", q.ID, "error", err)
		s.mu.Unlock()
		return true
	}

	s.mu.Lock()
	s.current = q
	s.answers = answers
	s.elapsedQuestion = 0
	s.timerDuration = s.interactive.AnswerDuration
	s.remaining = s.interactive.AnswerDuration
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.stage != StageQuestion {
			s.mu.Unlock()
			return true
		}
		if s.remaining < 0 {
			elapsed := s.elapsedQuestion
			s.sawDiscussion = true
			s.stage = StageDiscussion
			s.timerDuration = s.interactive.DiscussionDuration
			s.remaining = s.interactive.DiscussionDuration
			s.mu.Unlock()
			if err := s.repo.RecordQuestionTime(s.ctx, s.interactive.ID, q.ID, elapsed); err != nil {
				slog.Warn("recording question time failed",
					"interactive_id", s.interactive.ID, "question_id", q.ID, "error", err)
			}
			return true
		}
		frame := questionFrame{
			Stage: StageQuestion,
			Pause: s.pauseLocked(),
			Data: questionData{
				QuestionsCount: len(s.questions),
				Timer:          s.remaining,
				TimerDuration:  s.timerDuration,
				Title:          s.interactive.Title,
				Code:           s.interactive.Code,
				Question:       *s.current,
			},
		}
		if s.current.Type != models.QuestionTypeText {
			frame.DataAnswers = choicesOf(s.answers)
		}
		s.mu.Unlock()

		s.broadcast(s.projector.question(frame))

		if !s.sleepTick() {
			return false
		}

		s.mu.Lock()
		if s.stage == StageQuestion {
			s.remaining -= s.tickStep
			if s.tickStep == 1 {
				s.elapsedQuestion++
				for _, userID := range s.registry.ParticipantUserIDs() {
					s.pendingTime[userID]++
				}
			} else {
				s.tickIdleLocked(pausedIdleWarningTicks)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Session) runDiscussion() bool {
	for {
		s.mu.Lock()
		if s.stage != StageDiscussion {
			s.mu.Unlock()
			return true
		}
		if s.remaining < 0 {
			if s.questionIndex+1 < len(s.questions) {
				s.questionIndex++
				s.stage = StageQuestion
			} else {
				s.stage = StageEnd
			}
			s.mu.Unlock()
			return true
		}
		if s.current == nil {
			s.failLocked("discussion without a current question")
			s.mu.Unlock()
			return true
		}
		snap := discussionSnap{
			data: questionData{
				QuestionsCount: len(s.questions),
				Timer:          s.remaining,
				TimerDuration:  s.timerDuration,
				Title:          s.interactive.Title,
				Code:           s.interactive.Code,
				Question:       *s.current,
			},
			pause:         s.pauseLocked(),
			interactiveID: s.interactive.ID,
			question:      *s.current,
			correctIDs:    correctIDsOf(s.answers),
		}
		s.mu.Unlock()

		fs, err := s.projector.discussion(s.ctx, snap, s.registry.ParticipantUserIDs())
		if err != nil {
			slog.Warn("discussion aggregates unavailable, skipping tick broadcast",
				"interactive_id", s.interactive.ID, "error", err)
		} else {
			s.broadcast(fs)
		}

		if !s.sleepTick() {
			return false
		}

		s.mu.Lock()
		if s.stage == StageDiscussion {
			s.remaining -= s.tickStep
			if s.tickStep == 0 {
				s.tickIdleLocked(pausedIdleWarningTicks)
			}
		}
		s.mu.Unlock()
	}
}

// runEnd performs the terminal sequence: flush participant times, persist
// completion, broadcast the final standings, close every connection and
// unregister from the manager. Final writes use a background context so a
// racing deletion cannot tear them.
func (s *Session) runEnd() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	completed := s.sawDiscussion && !s.cancelled
	pending := s.pendingTime
	s.pendingTime = make(map[int]int)
	s.mu.Unlock()

	for userID, ticks := range pending {
		if ticks <= 0 {
			continue
		}
		if err := s.repo.AddParticipantTime(ctx, s.interactive.ID, userID, ticks); err != nil {
			slog.Warn("flushing participant time failed",
				"interactive_id", s.interactive.ID, "user_id", userID, "error", err)
		}
	}

	if completed {
		var err error
		for attempt := 0; attempt < markConductedAttempts; attempt++ {
			if err = s.repo.MarkConducted(ctx, s.interactive.ID, time.Now()); err == nil {
				break
			}
		}
		if err != nil {
			slog.Error("marking interactive conducted failed",
				"interactive_id", s.interactive.ID, "error", err)
		}
	}

	fs, err := s.projector.end(ctx, s.interactive)
	if err != nil {
		// Terminal frame still goes out with whatever is computable.
		slog.Error("final standings unavailable",
			"interactive_id", s.interactive.ID, "error", err)
		fs = s.projector.endWithout(s.interactive)
	}
	s.broadcast(fs)

	s.registry.DetachAll("interactive ended")
	s.mgr.remove(s.interactive.ID)

	slog.Info("session ended",
		"interactive_id", s.interactive.ID, "completed", completed)
}

// destroy cancels the phase loop and closes every connection without a
// terminal broadcast. With cleanupParticipants set, every participant that
// joined this run is removed from storage with their answers (mid-run
// deletion), whether or not they are still connected.
func (s *Session) destroy(ctx context.Context, reason string, cleanupParticipants bool) {
	s.cancel()
	<-s.done

	s.registry.DetachAll(reason)
	if cleanupParticipants {
		s.mu.Lock()
		users := make([]int, 0, len(s.joined))
		for userID := range s.joined {
			users = append(users, userID)
		}
		s.mu.Unlock()
		for _, userID := range users {
			if err := s.repo.DropParticipant(ctx, s.interactive.ID, userID); err != nil {
				slog.Warn("participant cleanup failed",
					"interactive_id", s.interactive.ID, "user_id", userID, "error", err)
			}
		}
	}
	s.mgr.remove(s.interactive.ID)
}

// noteParticipant records that a participant user joined this run, so a
// mid-run deletion can clean up their registration after they disconnect.
func (s *Session) noteParticipant(userID int) {
	s.mu.Lock()
	s.joined[userID] = true
	s.mu.Unlock()
}

// dropConnection detaches one endpoint and, for participants, persists the
// question time accumulated while they were connected. This and runEnd are
// the only writers of a participant's total time.
func (s *Session) dropConnection(ctx context.Context, userID int, role Role) {
	if !s.registry.Detach(userID, role) {
		return
	}
	if role != RoleParticipant {
		return
	}

	s.mu.Lock()
	ticks := s.pendingTime[userID]
	delete(s.pendingTime, userID)
	s.mu.Unlock()

	if ticks <= 0 {
		return
	}
	if err := s.repo.AddParticipantTime(ctx, s.interactive.ID, userID, ticks); err != nil {
		slog.Warn("flushing participant time failed",
			"interactive_id", s.interactive.ID, "user_id", userID, "error", err)
	}
}

// broadcast sends a frame set to a snapshot of the registry. Failed sends
// are treated as disconnects and detached afterwards.
func (s *Session) broadcast(fs frameSet) {
	entries := s.registry.Snapshot()
	var failed []Entry
	for _, e := range entries {
		data := fs.frameFor(e)
		if data == nil || e.Transport == nil {
			continue
		}
		sendCtx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		err := e.Transport.Send(sendCtx, data)
		cancel()
		if err != nil {
			failed = append(failed, e)
		}
	}
	for _, e := range failed {
		slog.Warn("send failed, detaching connection",
			"interactive_id", s.interactive.ID, "user_id", e.UserID, "role", e.Role)
		s.dropConnection(context.Background(), e.UserID, e.Role)
	}
}

// tickIdleLocked advances the idle overlay by one tick: the armed countdown
// escalates to a warning window, and an expired warning forces the session
// to its end without completion.
func (s *Session) tickIdleLocked(warningTicks int) {
	s.idleSecondsLeft--
	if s.idleSecondsLeft > 0 {
		return
	}
	switch s.idleState {
	case PauseStateYes:
		s.idleState = PauseStateWarning
		s.idleSecondsLeft = warningTicks
	case PauseStateWarning:
		slog.Info("idle warning expired, ending session",
			"interactive_id", s.interactive.ID, "stage", s.stage)
		s.cancelled = true
		s.stage = StageEnd
	}
}

// failLocked aborts the session after an invariant violation. The end phase
// still runs so clients get a terminal frame; completion is never recorded.
func (s *Session) failLocked(msg string, args ...any) {
	slog.Error("session invariant violation: "+msg,
		append([]any{"interactive_id", s.interactive.ID}, args...)...)
	s.cancelled = true
	s.stage = StageEnd
}

func (s *Session) pauseLocked() pauseData {
	return pauseData{State: s.idleState, TimerN: s.idleSecondsLeft}
}

func choicesOf(answers []models.Answer) []models.Choice {
	choices := make([]models.Choice, 0, len(answers))
	for _, a := range answers {
		choices = append(choices, models.Choice{ID: a.ID, Text: a.Text})
	}
	return choices
}

func correctIDsOf(answers []models.Answer) []int {
	var ids []int
	for _, a := range answers {
		if a.IsCorrect {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
