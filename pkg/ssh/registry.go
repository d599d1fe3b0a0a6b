package ssh

import "sync"

// registry is the active-session set, the only state shared across
// sessions. It enforces the session ceiling and carries the shutdown
// broadcast; all mutation happens under one mutex.
type registry struct {
	mu       sync.Mutex
	max      int
	sessions map[string]*Session
}

func newRegistry(max int) *registry {
	return &registry{
		max:      max,
		sessions: make(map[string]*Session),
	}
}

// add admits the session unless the ceiling is reached.
func (r *registry) add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.max {
		return false
	}
	r.sessions[s.id] = s
	return true
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// each visits a snapshot of the active set, outside the lock so a visited
// session is free to remove itself.
func (r *registry) each(f func(*Session)) {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		f(s)
	}
}
