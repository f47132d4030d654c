// Package session implements the live quiz engine: one goroutine-driven
// state machine per running interactive, a per-session connection registry,
// role-aware broadcast projection, answer ingest, and the process-wide
// session manager.
package session

import (
	"context"
	"errors"
	"time"
)

// Stage is the phase a session is in. Stages only move forward:
// waiting → countdown → question → discussion → (question | end) → end.
type Stage string

// Stage wire values.
const (
	StageWaiting    Stage = "waiting"
	StageCountdown  Stage = "countdown"
	StageQuestion   Stage = "question"
	StageDiscussion Stage = "discussion"
	StageEnd        Stage = "end"
)

// Role tags a connection's audience.
type Role string

// Connection roles.
const (
	RoleLeader      Role = "leader"
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
	RoleOrganizer   Role = "organizer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleLeader, RoleParticipant, RoleAdmin, RoleOrganizer:
		return true
	}
	return false
}

// Command is a leader instruction for a running session.
type Command string

// Leader commands.
const (
	CommandPause     Command = "pause"
	CommandGoing     Command = "going"
	CommandEnd       Command = "end"
	CommandMorePause Command = "more_pause"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CommandPause, CommandGoing, CommandEnd, CommandMorePause:
		return true
	}
	return false
}

// PauseState is the wire representation of the idle overlay.
type PauseState string

// Pause states as seen by clients.
const (
	PauseStateNo      PauseState = "no"      // running, no idle countdown
	PauseStateYes     PauseState = "yes"     // idle countdown armed
	PauseStateWarning PauseState = "timer_n" // final warning before forced end
)

// Idle windows, in ticks. The waiting window covers a leader who never
// starts; the paused window covers a leader who pauses and walks away.
const (
	waitingIdleTicks        = 30 * 60
	waitingIdleWarningTicks = 15 * 60
	pausedIdleTicks         = 10 * 60
	pausedIdleWarningTicks  = 5 * 60
)

// markConductedAttempts bounds retries of the final completion write.
const markConductedAttempts = 3

// Transport is one client endpoint the session can push frames to. The api
// package adapts WebSocket connections to it; tests supply fakes.
type Transport interface {
	// Send pushes one serialized frame. The context carries the send
	// deadline; an error means the endpoint is gone.
	Send(ctx context.Context, data []byte) error

	// Close terminates the endpoint.
	Close(reason string) error
}

// Config carries the engine timing knobs. Tests shrink the tick to
// milliseconds; counters count ticks, not wall seconds.
type Config struct {
	// TickInterval is the nominal length of one engine tick.
	TickInterval time.Duration

	// SendTimeout bounds a single outbound send; a transport that blocks
	// longer is treated as disconnected.
	SendTimeout time.Duration
}

// DefaultConfig returns production timing: 1-second ticks, 2-second sends.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		SendTimeout:  2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	return c
}

var (
	// ErrNotFound is returned when no session exists for an interactive.
	ErrNotFound = errors.New("session not found")

	// ErrLeaderTaken is returned when a second user attaches as leader.
	ErrLeaderTaken = errors.New("session already has a leader")

	// ErrNotRegistered is returned when a participant tries to join a
	// session that left the waiting stage without being registered.
	ErrNotRegistered = errors.New("participant is not registered for the running interactive")
)
