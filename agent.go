package peerroll

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const (
	// DefaultTickRate is how many times per second the agent steps.
	DefaultTickRate = 30
	// DefaultLeaderCooldown is how many ticks a leader keeps the role before
	// handing it to the worst-scoring peer.
	DefaultLeaderCooldown = 90

	backupWarnTicks = 100
)

// Simulation advances the shared state by one tick given every peer's input.
// It must not mutate its argument.
type Simulation interface {
	Step(state proto.GameState, inputs map[string]proto.InputState) proto.GameState
}

// Agent drives one peer: the leader steps the simulation and broadcasts the
// result, a peer that just handed off rebroadcasts the handoff state, and
// everyone else follows the latest state received.
type Agent struct {
	m   *Manager
	sim Simulation

	tickRate int
	cooldown int
	clock    clock.WithTicker
	l        log15.Logger

	mu          sync.Mutex
	state       proto.GameState
	wasLeader   bool
	ticks       int
	backupTicks int
}

// AgentOption is an option function for Agent.
type AgentOption func(a *Agent)

// WithTickRate sets the number of ticks per second.
func WithTickRate(perSecond int) AgentOption {
	return func(a *Agent) {
		if perSecond > 0 {
			a.tickRate = perSecond
		}
	}
}

// WithLeaderCooldown sets how many ticks a leader holds the role before
// picking a successor.
func WithLeaderCooldown(ticks int) AgentOption {
	return func(a *Agent) {
		a.cooldown = ticks
	}
}

// WithAgentLogger configures the logger for the driving loop.
func WithAgentLogger(l log15.Logger) AgentOption {
	return func(a *Agent) {
		a.l = l
	}
}

// WithAgentClock replaces the clock that schedules ticks.
func WithAgentClock(c clock.WithTicker) AgentOption {
	return func(a *Agent) {
		a.clock = c
	}
}

// NewAgent returns an agent driving m. initial is the state a leader starts
// from when it has never received one.
func NewAgent(m *Manager, sim Simulation, initial proto.GameState, opts ...AgentOption) *Agent {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	a := &Agent{
		m:        m,
		sim:      sim,
		tickRate: DefaultTickRate,
		cooldown: DefaultLeaderCooldown,
		clock:    clock.RealClock{},
		l:        noopLogger,
		state:    initial.Clone(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run ticks until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(time.Second / time.Duration(a.tickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := a.Tick(); err != nil && errors.Cause(err) != ErrNotLeader {
				return err
			}
		}
	}
}

// Tick runs one step of the loop.
func (a *Agent) Tick() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.m.IsLeader():
		if !a.wasLeader {
			a.l.Info("became leader", "epoch", a.m.Leader().Epoch)
			a.ticks = 0
			if latest, ok := a.m.LatestState(); ok {
				a.state = latest
			}
		}
		a.wasLeader = true
		a.backupTicks = 0

		next := a.sim.Step(a.state.Clone(), a.m.Inputs())
		next.Leader = a.m.Leader()
		a.ticks++
		if a.ticks >= a.cooldown {
			if worst, ok := next.Worst(); ok && worst != a.m.Name() {
				next.Leader = NextDesignator(next.Leader, worst)
				a.l.Info("cooldown elapsed, handing off", "to", worst, "epoch", next.Leader.Epoch)
			}
		}
		a.state = next
		return a.m.BroadcastGameState(next)

	case a.m.ShouldBackupBroadcast():
		a.wasLeader = false
		a.backupTicks++
		if a.backupTicks%backupWarnTicks == 0 {
			a.l.Warn("still waiting to hear from new leader", "leader", a.m.NeedToHearFrom(), "ticks", a.backupTicks)
		}
		latest, ok := a.m.LatestState()
		if !ok {
			return nil
		}
		a.state = latest
		return a.m.BroadcastGameState(latest)

	default:
		a.wasLeader = false
		a.backupTicks = 0
		if latest, ok := a.m.LatestState(); ok {
			a.state = latest
		}
		return nil
	}
}

// SetInput publishes this peer's local input.
func (a *Agent) SetInput(in proto.InputState) error {
	return a.m.BroadcastInput(in)
}

// State returns the agent's current view of the shared state.
func (a *Agent) State() proto.GameState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// NewGameState builds the state a mesh starts from: leader at epoch 0 and a
// live entity for every name, in name order.
func NewGameState(leader string, names []string) proto.GameState {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	state := proto.GameState{Leader: proto.LeaderDesignator{Name: leader}}
	for _, name := range sorted {
		state.Entities = append(state.Entities, proto.Entity{ID: name, Alive: true})
	}
	return state
}
