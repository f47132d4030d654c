package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/carclicker/quizd/pkg/storage"
)

// Manager owns the process-wide set of running sessions, keyed by
// interactive id. At most one session exists per interactive.
type Manager struct {
	repo storage.Repository
	cfg  Config

	mu       sync.RWMutex
	sessions map[int]*Session
}

// NewManager returns a manager creating sessions with the given timing.
func NewManager(repo storage.Repository, cfg Config) *Manager {
	return &Manager{
		repo:     repo,
		cfg:      cfg.withDefaults(),
		sessions: make(map[int]*Session),
	}
}

// Get returns the running session for an interactive, if any.
func (m *Manager) Get(interactiveID int) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[interactiveID]
	return s, ok
}

// Count returns the number of running sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// getOrCreate returns the session for an interactive, starting one from
// storage when none runs. The definition load happens outside the manager
// lock; a concurrent creation for the same id wins by double check.
func (m *Manager) getOrCreate(ctx context.Context, interactiveID int) (*Session, error) {
	if s, ok := m.Get(interactiveID); ok {
		return s, nil
	}

	meta, err := m.repo.InteractiveMeta(ctx, interactiveID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading interactive %d: %w", interactiveID, err)
	}
	questions, err := m.repo.InteractiveQuestions(ctx, interactiveID)
	if err != nil {
		return nil, fmt.Errorf("loading questions of interactive %d: %w", interactiveID, err)
	}

	m.mu.Lock()
	if s, ok := m.sessions[interactiveID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := newSession(meta, questions, m.repo, m, m.cfg)
	m.sessions[interactiveID] = s
	m.mu.Unlock()

	s.start()
	slog.Info("session started",
		"interactive_id", interactiveID, "questions", len(questions))
	return s, nil
}

// Connect attaches a transport to the interactive's session, starting the
// session when the leader or first participant arrives. Participants are
// registered in storage while the session waits; once it has moved on, only
// already-registered participants may reattach. Returns the session and,
// for participants, their registration id.
func (m *Manager) Connect(ctx context.Context, t Transport, interactiveID, userID int, role Role) (*Session, int, error) {
	s, err := m.getOrCreate(ctx, interactiveID)
	if err != nil {
		return nil, 0, err
	}

	participantID := 0
	freshRegistration := false
	if role == RoleParticipant {
		registered, err := m.repo.ParticipantRegistered(ctx, interactiveID, userID)
		if err != nil {
			return nil, 0, fmt.Errorf("checking participant registration: %w", err)
		}
		if !registered && s.Stage() != StageWaiting {
			return nil, 0, ErrNotRegistered
		}
		participantID, err = m.repo.RegisterParticipant(ctx, interactiveID, userID)
		if err != nil {
			return nil, 0, fmt.Errorf("registering participant: %w", err)
		}
		freshRegistration = !registered
	}

	if err := s.registry.Attach(t, userID, role); err != nil {
		// The session may have ended between lookup and attach. A
		// registration created just now would be an orphan, undo it;
		// one from an earlier connect stays.
		if freshRegistration {
			if dropErr := m.repo.DropParticipant(ctx, interactiveID, userID); dropErr != nil {
				slog.Warn("dropping unattached participant failed",
					"interactive_id", interactiveID, "user_id", userID, "error", dropErr)
			}
		}
		return nil, 0, err
	}
	if role == RoleParticipant {
		s.noteParticipant(userID)
	}
	return s, participantID, nil
}

// Disconnect handles one endpoint going away. A leader abandoning the
// waiting room destroys the session without a terminal broadcast; any other
// disconnect only detaches the endpoint, flushing a participant's pending
// question time.
func (m *Manager) Disconnect(ctx context.Context, interactiveID, userID int, role Role) {
	s, ok := m.Get(interactiveID)
	if !ok {
		return
	}

	if role == RoleLeader && s.Stage() == StageWaiting {
		slog.Info("leader left the waiting room, destroying session",
			"interactive_id", interactiveID)
		s.destroy(ctx, "leader left", false)
		return
	}
	s.dropConnection(ctx, userID, role)
}

// ForceDelete tears down the session for an interactive being deleted: the
// phase loop stops, connections close without a terminal frame, and mid-run
// participant registrations are removed. Reports whether a session ran.
func (m *Manager) ForceDelete(ctx context.Context, interactiveID int) bool {
	m.mu.Lock()
	s, ok := m.sessions[interactiveID]
	if ok {
		delete(m.sessions, interactiveID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	slog.Info("force-deleting session", "interactive_id", interactiveID)
	s.destroy(ctx, "interactive deleted", true)
	return true
}

// Shutdown destroys every running session, used on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[int]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.destroy(ctx, "server shutting down", false)
	}
}

// remove drops a finished session from the table. Called by the session
// itself at the end of its run.
func (m *Manager) remove(interactiveID int) {
	m.mu.Lock()
	delete(m.sessions, interactiveID)
	m.mu.Unlock()
}
