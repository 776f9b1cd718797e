// Package sim has a minimal simulation for driving a peerroll mesh: entities
// move with the keys and fire projectiles at the pointer.
package sim

import (
	"github.com/ngrok/peerroll/proto"
)

// Kinematic moves entities at a constant speed inside a box. Releasing the
// secondary pointer button fires a projectile toward the pointer. A projectile
// that comes within HitRadius of another live entity knocks it out for
// RespawnDelay seconds and scores a point for its creator; the rest leave
// when they exit the box.
type Kinematic struct {
	// Dt is the length of a tick in seconds.
	Dt float64
	// Speed is how far an entity moves per second.
	Speed float64
	// ProjectileSpeed is how far a projectile moves per second.
	ProjectileSpeed float64
	// Bounds is the far corner of the box; the near corner is the origin.
	Bounds proto.Vec2
	// HitRadius is how close a projectile must come to an entity to hit it.
	HitRadius float64
	// RespawnDelay is how long a hit entity stays out, in seconds.
	RespawnDelay float64
}

// NewKinematic returns a Kinematic ticking rate times a second in a 1000x1000
// box.
func NewKinematic(rate int) Kinematic {
	return Kinematic{
		Dt:              1 / float64(rate),
		Speed:           200,
		ProjectileSpeed: 600,
		Bounds:          proto.Vec2{X: 1000, Y: 1000},
		HitRadius:       20,
		RespawnDelay:    3,
	}
}

// Step advances state by one tick. It never mutates state.
func (k Kinematic) Step(state proto.GameState, inputs map[string]proto.InputState) proto.GameState {
	next := state.Clone()

	for i := range next.Entities {
		e := &next.Entities[i]
		if !e.Alive {
			e.RespawnTimer -= k.Dt
			if e.RespawnTimer <= 0 {
				e.RespawnTimer = 0
				e.Alive = true
			}
			continue
		}
		in, ok := inputs[e.ID]
		if !ok {
			e.Vel = proto.Vec2{}
			continue
		}

		e.Vel = direction(in.Keys).Scale(k.Speed)
		e.Pos = k.clamp(e.Pos.Add(e.Vel.Scale(k.Dt)))
		switch {
		case e.Vel.X > 0:
			e.Facing = 1
		case e.Vel.X < 0:
			e.Facing = -1
		}

		if e.Casting && !in.Pointer.Right {
			next.EphemeralCounter++
			next.Ephemerals = append(next.Ephemerals, proto.Ephemeral{
				ID:      next.EphemeralCounter,
				Pos:     e.Pos,
				Vel:     in.Pointer.Pos.Sub(e.Pos).Normalized().Scale(k.ProjectileSpeed),
				Creator: e.ID,
			})
		}
		e.Casting = in.Pointer.Right
	}

	kept := next.Ephemerals[:0]
	for _, p := range next.Ephemerals {
		p.Pos = p.Pos.Add(p.Vel.Scale(k.Dt))
		if k.inside(p.Pos) && !k.hit(&next, p) {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	next.Ephemerals = kept
	return next
}

// hit knocks out the first live entity other than its creator that p is
// touching and credits the creator. It reports whether p hit anything.
func (k Kinematic) hit(state *proto.GameState, p proto.Ephemeral) bool {
	for i := range state.Entities {
		e := &state.Entities[i]
		if !e.Alive || e.ID == p.Creator || e.Pos.Sub(p.Pos).Len() > k.HitRadius {
			continue
		}
		e.Alive = false
		e.Casting = false
		e.Vel = proto.Vec2{}
		e.RespawnTimer = k.RespawnDelay
		for j := range state.Entities {
			if state.Entities[j].ID == p.Creator {
				state.Entities[j].Score++
			}
		}
		return true
	}
	return false
}

func direction(keys proto.KeyInput) proto.Vec2 {
	var d proto.Vec2
	if keys.Left {
		d.X--
	}
	if keys.Right {
		d.X++
	}
	if keys.Up {
		d.Y--
	}
	if keys.Down {
		d.Y++
	}
	return d.Normalized()
}

func (k Kinematic) clamp(p proto.Vec2) proto.Vec2 {
	return proto.Vec2{X: clamp(p.X, 0, k.Bounds.X), Y: clamp(p.Y, 0, k.Bounds.Y)}
}

func (k Kinematic) inside(p proto.Vec2) bool {
	return p.X >= 0 && p.X <= k.Bounds.X && p.Y >= 0 && p.Y <= k.Bounds.Y
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
