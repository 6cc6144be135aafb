package engine

import "sync"

// Phase is the per-token action state. Entry and exit for one token never overlap.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEntering
	PhaseExiting
)

func (p Phase) String() string {
	switch p {
	case PhaseEntering:
		return "ENTERING"
	case PhaseExiting:
		return "EXITING"
	default:
		return "IDLE"
	}
}

type phases struct {
	mu    sync.Mutex
	state map[string]Phase
}

func newPhases() *phases {
	return &phases{state: make(map[string]Phase)}
}

// tryBegin moves token from IDLE to p. It never waits: a busy token returns false.
func (s *phases) tryBegin(tokenID string, p Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[tokenID] != PhaseIdle {
		return false
	}
	s.state[tokenID] = p
	return true
}

func (s *phases) finish(tokenID string) {
	s.mu.Lock()
	delete(s.state, tokenID)
	s.mu.Unlock()
}

func (s *phases) get(tokenID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[tokenID]
}
