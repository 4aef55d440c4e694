package callback

import "sync"

// Phase is the machine's lifecycle position.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInspecting   Phase = "inspecting"
	PhaseEstablishing Phase = "establishing"
	PhaseHandedOff    Phase = "handed_off"
	PhaseRouting      Phase = "routing"
)

// Target is the screen a Routing state sends the user to.
type Target string

const (
	TargetNone        Target = ""
	TargetLinkExpired Target = "link_expired"
	TargetSignIn      Target = "signin"
)

// Flow distinguishes what a one-time link was issued for.
type Flow string

const (
	FlowConfirm  Flow = "confirm"
	FlowRecovery Flow = "recovery"
)

// State is a snapshot of the machine.
type State struct {
	Phase    Phase
	Target   Target
	Flow     Flow
	Location string
	Error    string
}

// Store holds the current State and notifies subscribers on every change.
// One Store is created at the application root and shared.
type Store struct {
	mu    sync.RWMutex
	state State
	subs  map[int]func(State)
	next  int
}

// NewStore returns a Store in the idle phase.
func NewStore() *Store {
	return &Store{
		state: State{Phase: PhaseIdle},
		subs:  make(map[int]func(State)),
	}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn for future changes and returns a function that
// removes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) set(st State) {
	s.mu.Lock()
	s.state = st
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
