package session

import "sync"

// Entry is one connected endpoint of a session.
type Entry struct {
	Transport Transport
	UserID    int
	Role      Role
}

// Registry holds the endpoints connected to one session. It is owned by its
// session and never shared across sessions. Broadcast senders iterate over a
// snapshot so slow sends never run under the lock.
type Registry struct {
	mu      sync.Mutex
	entries []*Entry
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Attach adds an endpoint. A reconnect for the same (user, role) replaces
// the transport in place, closing the previous one. A leader attach for a
// different user than the current leader fails with ErrLeaderTaken; attaching
// after DetachAll fails with ErrNotFound since the session is gone.
func (r *Registry) Attach(t Transport, userID int, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrNotFound
	}

	if role == RoleLeader {
		for _, e := range r.entries {
			if e.Role == RoleLeader && e.UserID != userID {
				return ErrLeaderTaken
			}
		}
	}

	for _, e := range r.entries {
		if e.UserID == userID && e.Role == role {
			old := e.Transport
			e.Transport = t
			if old != nil {
				_ = old.Close("replaced by reconnect")
			}
			return nil
		}
	}

	r.entries = append(r.entries, &Entry{Transport: t, UserID: userID, Role: role})
	return nil
}

// Detach removes the matching endpoint. Reports whether one was removed.
func (r *Registry) Detach(userID int, role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.UserID == userID && e.Role == role {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Has reports whether an endpoint for (user, role) is attached.
func (r *Registry) Has(userID int, role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.UserID == userID && e.Role == role {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current entries, safe to iterate while
// sending.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		snap[i] = *e
	}
	return snap
}

// ParticipantUserIDs returns the user ids of attached participants.
func (r *Registry) ParticipantUserIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int
	for _, e := range r.entries {
		if e.Role == RoleParticipant {
			ids = append(ids, e.UserID)
		}
	}
	return ids
}

// AudienceCount returns the number of attached non-leader endpoints.
func (r *Registry) AudienceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.Role != RoleLeader {
			count++
		}
	}
	return count
}

// DetachAll closes every transport, drops all entries and returns what was
// attached so the caller can run per-role cleanup.
func (r *Registry) DetachAll(reason string) []Entry {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.closed = true
	r.mu.Unlock()

	detached := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Transport != nil {
			_ = e.Transport.Close(reason)
		}
		detached = append(detached, *e)
	}
	return detached
}
