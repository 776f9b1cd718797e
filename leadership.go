package peerroll

import (
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
)

// leadership is this peer's view of who leads, guarded by one mutex. It
// decides which incoming states to adopt and whether this peer may broadcast.
type leadership struct {
	self string

	mu         sync.Mutex
	role       Role
	designator proto.LeaderDesignator
	// known is false until a leader has been named, either at construction or
	// by the first adopted state.
	known bool
	// needToHearFrom is the peer this one handed leadership to and has not yet
	// heard a state from. While set, this peer keeps rebroadcasting its last
	// state in case the handoff message was lost.
	needToHearFrom string
	state          proto.GameState
	hasState       bool

	l log15.Logger
}

func newLeadership(l log15.Logger, self, initialLeader string) *leadership {
	ld := &leadership{
		self: self,
		role: RoleUnknown,
		l:    l,
	}
	if initialLeader != "" {
		ld.known = true
		ld.designator = proto.LeaderDesignator{Name: initialLeader}
		if initialLeader == self {
			ld.role.mustTransitionTo(RoleLeader)
		} else {
			ld.role.mustTransitionTo(RoleFollower)
		}
	}
	return ld
}

// apply offers a state received on source's game channel. It reports whether
// the state was adopted. A state is dropped when it comes from anyone but the
// believed leader, or when its epoch is older than the current designator's.
func (ld *leadership) apply(source string, state proto.GameState) bool {
	ld.mu.Lock()
	defer ld.mu.Unlock()

	if ld.known && source != ld.designator.Name {
		ld.l.Debug("dropping state from stale leader", "source", source, "leader", ld.designator.Name)
		return false
	}
	if ld.known && state.Leader.Epoch < ld.designator.Epoch {
		ld.l.Debug("dropping state with old epoch", "source", source, "epoch", state.Leader.Epoch, "current", ld.designator.Epoch)
		return false
	}

	if state.Leader != ld.designator {
		ld.l.Info("leader changed", "from", ld.designator.Name, "to", state.Leader.Name, "epoch", state.Leader.Epoch)
	}
	ld.designator = state.Leader
	ld.known = true
	ld.state = state.Clone()
	ld.hasState = true
	if ld.needToHearFrom == source {
		ld.l.Info("heard from new leader, stopping backup broadcast", "leader", source)
		ld.needToHearFrom = ""
	}
	if state.Leader.Name == ld.self {
		ld.role.mustTransitionTo(RoleLeader)
	} else {
		ld.role.mustTransitionTo(RoleFollower)
	}
	return true
}

// prepareBroadcast checks that this peer may send state and records it as
// the latest authoritative state. A leader sending a state that names
// someone else steps down and starts backup broadcasting until it hears from
// the peer it named.
func (ld *leadership) prepareBroadcast(state proto.GameState) error {
	ld.mu.Lock()
	defer ld.mu.Unlock()

	switch {
	case ld.role == RoleLeader:
		if state.Leader.Name != ld.self {
			ld.l.Info("handing off leadership", "to", state.Leader.Name, "epoch", state.Leader.Epoch)
			ld.needToHearFrom = state.Leader.Name
			ld.role.mustTransitionTo(RoleFollower)
		}
		ld.designator = state.Leader
		ld.known = true
	case ld.needToHearFrom != "":
	default:
		return ErrNotLeader
	}
	ld.state = state.Clone()
	ld.hasState = true
	return nil
}

func (ld *leadership) isLeader() bool {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.role == RoleLeader
}

func (ld *leadership) shouldBackupBroadcast() bool {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.needToHearFrom != ""
}

func (ld *leadership) currentRole() Role {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.role
}

func (ld *leadership) leader() proto.LeaderDesignator {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.designator
}

func (ld *leadership) pending() string {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.needToHearFrom
}

func (ld *leadership) latest() (proto.GameState, bool) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.state.Clone(), ld.hasState
}

// NextDesignator returns the designator naming candidate. The epoch only
// advances when the leader actually changes.
func NextDesignator(cur proto.LeaderDesignator, candidate string) proto.LeaderDesignator {
	if candidate == cur.Name {
		return cur
	}
	return proto.LeaderDesignator{Name: candidate, Epoch: cur.Epoch + 1}
}
