package peerroll

import (
	"testing"
	"time"

	"github.com/ngrok/peerroll/proto"
	"github.com/stretchr/testify/require"
)

// TestLeaderHandoff runs three agents by hand. A starts as leader and, once
// its cooldown has passed, hands off to B, which has the lowest score. A
// keeps backing up until it hears from B.
func TestLeaderHandoff(t *testing.T) {
	names := []string{"A", "B", "C"}
	peers := startMesh(t, names)
	scores := fixedScores{"A": 5, "B": 0, "C": 3}
	initial := NewGameState("A", names)

	agents := make(map[string]*Agent)
	for _, m := range peers {
		agents[m.Name()] = NewAgent(m, scores, initial, WithLeaderCooldown(3), WithAgentLogger(l.New("agent", m.Name())))
	}
	a, b, c := peers[0], peers[1], peers[2]

	// two ticks in, A still leads
	require.NoError(t, agents["A"].Tick())
	require.NoError(t, agents["A"].Tick())
	require.True(t, a.IsLeader())
	require.Equal(t, proto.LeaderDesignator{Name: "A"}, agents["A"].State().Leader)

	// the third tick names B
	require.NoError(t, agents["A"].Tick())
	require.False(t, a.IsLeader())
	require.True(t, a.ShouldBackupBroadcast())
	require.Equal(t, "B", a.NeedToHearFrom())
	want := proto.LeaderDesignator{Name: "B", Epoch: 1}
	require.Equal(t, want, a.Leader())

	// A backs up until B has the handoff
	require.Eventually(t, func() bool {
		require.NoError(t, agents["A"].Tick())
		return b.IsLeader()
	}, 5*time.Second, 10*time.Millisecond)

	// B's first broadcast reaches A and C; A then stops backing up
	require.Eventually(t, func() bool {
		require.NoError(t, agents["B"].Tick())
		return !a.ShouldBackupBroadcast() && c.Leader() == want
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, want, a.Leader())
	require.Equal(t, RoleFollower, a.Role())
	require.Equal(t, RoleFollower, c.Role())

	// A is no longer allowed to broadcast
	require.NoError(t, agents["A"].Tick())
	_, ok := a.LatestState()
	require.True(t, ok)
	require.Equal(t, ErrNotLeader, a.BroadcastGameState(initial))

	// followers track B's state
	require.NoError(t, agents["C"].Tick())
	latest, _ := b.LatestState()
	require.Eventually(t, func() bool {
		require.NoError(t, agents["C"].Tick())
		return agents["C"].State().EphemeralCounter >= latest.EphemeralCounter
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeaderKeepsRoleWhenWorst(t *testing.T) {
	listeners := createListeners(t, 1)
	m, err := New(testCtx(t), identityFor(t, "A", listeners[0]), WithLogger(l), WithListener(listeners[0]), WithInitialLeader("A"))
	require.NoError(t, err)
	defer m.Stop()

	agent := NewAgent(m, fixedScores{"A": 0, "B": 1}, NewGameState("A", []string{"B", "A"}), WithLeaderCooldown(1))
	for i := 0; i < 5; i++ {
		require.NoError(t, agent.Tick())
	}
	state := agent.State()
	require.Equal(t, proto.LeaderDesignator{Name: "A"}, state.Leader)
	require.Equal(t, 5, state.EphemeralCounter)
	require.True(t, m.IsLeader())
}

func TestNewGameState(t *testing.T) {
	state := NewGameState("B", []string{"C", "A", "B"})
	require.Equal(t, proto.LeaderDesignator{Name: "B"}, state.Leader)
	require.Len(t, state.Entities, 3)
	for i, name := range []string{"A", "B", "C"} {
		require.Equal(t, name, state.Entities[i].ID)
		require.True(t, state.Entities[i].Alive)
	}
}
