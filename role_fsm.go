package peerroll

import "fmt"

// Role is a small finite state machine. It has the following transitions:
// Unknown  → Follower
// Unknown  → Leader
// Follower → Follower
// Follower → Leader
// Leader   → Follower
// Leader   → Leader
//
// Nothing returns to Unknown: once a peer has heard of a leader it always
// believes in one.
type Role string

const (
	// RoleUnknown is the initial state of a peer that hasn't been told who the
	// leader is and hasn't received an authoritative state yet.
	RoleUnknown Role = "unknown"
	// RoleFollower is a replica. It adopts states from the leader it believes
	// in and drops everything else.
	RoleFollower Role = "follower"
	// RoleLeader owns the authoritative state and is the only peer that steps
	// the simulation.
	RoleLeader Role = "leader"
)

var validTransitions = map[Role][]Role{
	RoleUnknown: {
		RoleFollower,
		RoleLeader,
	},
	RoleFollower: {
		RoleFollower,
		RoleLeader,
	},
	RoleLeader: {
		RoleLeader,
		RoleFollower,
	},
}

func (r *Role) canTransitionTo(role Role) error {
	for _, target := range validTransitions[*r] {
		if target == role {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *r, role)
}

func (r *Role) transitionTo(role Role) error {
	if err := r.canTransitionTo(role); err != nil {
		return err
	}
	*r = role
	return nil
}

func (r *Role) mustTransitionTo(role Role) {
	if err := r.transitionTo(role); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", role, err))
	}
}
