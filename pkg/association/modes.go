package association

import (
	"github.com/juanpablocruz/alpha/pkg/cachetree"
	"github.com/juanpablocruz/alpha/pkg/hashtree"
	"github.com/juanpablocruz/alpha/pkg/ringbuf"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

const (
	nRingSize = 5
	cRingSize = 2 * wire.MaxPresigCount
)

// modeState is the per-mode part of an association. Only the types in
// this file implement it.
type modeState interface {
	mode() wire.Mode
}

type nState struct {
	presigs *ringbuf.Ring
}

type cState struct {
	presigs  *ringbuf.Ring
	expected int
}

type mState struct {
	secMode cachetree.Mode
	scheds  map[int]*cachetree.Schedule

	// sender
	tree  *hashtree.Tree
	sched *cachetree.Schedule

	// receiver
	buf      *cachetree.Buffer
	verifier *cachetree.Verifier
}

type zState struct{}

func (*nState) mode() wire.Mode { return wire.ModeN }
func (*cState) mode() wire.Mode { return wire.ModeC }
func (*mState) mode() wire.Mode { return wire.ModeM }
func (*zState) mode() wire.Mode { return wire.ModeZ }

func newModeState(m wire.Mode, secMode cachetree.Mode) (modeState, error) {
	switch m {
	case wire.ModeN:
		return &nState{presigs: ringbuf.New(nRingSize, wire.H)}, nil
	case wire.ModeC:
		return &cState{presigs: ringbuf.New(cRingSize, wire.H)}, nil
	case wire.ModeM:
		if !secMode.Valid() {
			return nil, ErrInvalidMode
		}
		return &mState{secMode: secMode, scheds: map[int]*cachetree.Schedule{}, buf: cachetree.NewBuffer(1)}, nil
	case wire.ModeZ:
		return &zState{}, nil
	}
	return nil, ErrInvalidMode
}

// schedule caches carry plans per batch size and security mode.
func (s *mState) schedule(n int, mode cachetree.Mode) (*cachetree.Schedule, error) {
	key := n<<2 | int(mode)
	if sc, ok := s.scheds[key]; ok {
		return sc, nil
	}
	sc, err := cachetree.NewSchedule(n, mode)
	if err != nil {
		return nil, err
	}
	s.scheds[key] = sc
	return sc, nil
}

// batchSize is the power-of-two tree width for count real leaves.
func batchSize(count int) int {
	n := 2
	for n < count {
		n <<= 1
	}
	return n
}
