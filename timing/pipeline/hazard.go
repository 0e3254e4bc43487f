// Package pipeline models operand readiness and branch prediction for an
// in-order core with full bypass.
package pipeline

import (
	"github.com/kil0meters/remu/insts"
)

// Scoreboard records, for every integer and float register, the cycle at
// which its latest value becomes available to a consumer.
type Scoreboard struct {
	intReady   [32]uint64
	floatReady [32]uint64
}

// ReadyChange is the previous readiness of one register.
type ReadyChange struct {
	Reg insts.Reg
	Old uint64
}

// NewScoreboard creates a scoreboard with every register ready at cycle 0.
func NewScoreboard() *Scoreboard {
	return &Scoreboard{}
}

func (s *Scoreboard) slot(r insts.Reg) *uint64 {
	switch r.Kind {
	case insts.RegInt:
		if r.Num == 0 {
			return nil
		}
		return &s.intReady[r.Num]
	case insts.RegFloat:
		return &s.floatReady[r.Num]
	}
	return nil
}

// ReadyAt returns the cycle at which r becomes available. x0 is always
// ready.
func (s *Scoreboard) ReadyAt(r insts.Reg) uint64 {
	if p := s.slot(r); p != nil {
		return *p
	}
	return 0
}

// Stall returns how many cycles an instruction reading srcs must wait if
// it would otherwise issue at cycle. A value produced at cycle t is
// bypassed to an instruction issuing at t, so no stall is charged then.
func (s *Scoreboard) Stall(srcs []insts.Reg, cycle uint64) uint64 {
	var ready uint64
	for _, r := range srcs {
		ready = max(ready, s.ReadyAt(r))
	}
	if ready <= cycle {
		return 0
	}
	return ready - cycle
}

// Produce marks r as available at readyAt and returns what it replaced.
// Writes to x0 are dropped and report ok false.
func (s *Scoreboard) Produce(r insts.Reg, readyAt uint64) (change ReadyChange, ok bool) {
	p := s.slot(r)
	if p == nil {
		return ReadyChange{}, false
	}
	change = ReadyChange{Reg: r, Old: *p}
	*p = readyAt
	return change, true
}

// Revert restores the readiness a Produce replaced.
func (s *Scoreboard) Revert(change ReadyChange) {
	if p := s.slot(change.Reg); p != nil {
		*p = change.Old
	}
}
