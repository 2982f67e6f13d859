package upload

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	"xdao.co/w3car/bridge"
	"xdao.co/w3car/pack"
)

// State is a step of the upload protocol.
type State int

const (
	StateBuilt State = iota
	StateAuthorized
	StateTransferred
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateAuthorized:
		return "authorized"
	case StateTransferred:
		return "transferred"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when a phase is attempted out of order.
var ErrInvalidTransition = errors.New("upload: invalid session transition")

// Session is the state of one upload. It belongs to a single Upload call
// and is never shared.
type Session struct {
	ID    string
	Root  cid.Cid
	Shard cid.Cid
	Size  uint64

	state      State
	allocation *bridge.Allocation
}

func newSession(a *pack.Archive) *Session {
	return &Session{
		ID:    uuid.NewString(),
		Root:  a.Root(),
		Shard: a.CID(),
		Size:  a.Size(),
		state: StateBuilt,
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

func (s *Session) advance(from, to State) error {
	if s.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, s.state)
	}
	s.state = to
	return nil
}

func (s *Session) authorize(a bridge.Allocation) error {
	if err := s.advance(StateBuilt, StateAuthorized); err != nil {
		return err
	}
	s.allocation = &a
	return nil
}

// takeAllocation hands the allocation to the transfer phase. It can be taken
// at most once.
func (s *Session) takeAllocation() (bridge.Allocation, error) {
	if s.state != StateAuthorized || s.allocation == nil {
		return bridge.Allocation{}, fmt.Errorf("%w: transfer from %s", ErrInvalidTransition, s.state)
	}
	a := *s.allocation
	s.allocation = nil
	return a, nil
}

func (s *Session) transferred() error { return s.advance(StateAuthorized, StateTransferred) }

func (s *Session) finalized() error { return s.advance(StateTransferred, StateFinalized) }

func (s *Session) fail() {
	s.allocation = nil
	s.state = StateFailed
}
