package peerroll

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const staticConfig = `
name: C
leader: A
tick_rate: 60
leader_cooldown: 120
health_interval: 5s
health_timeout: 500ms
log_level: debug
peers:
  A: 10.0.0.1:50000
  B: 10.0.0.2:50001
  C: 10.0.0.3:50002
connect: [A, B]
`

func TestLoadStaticConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yml")
	require.NoError(t, os.WriteFile(path, []byte(staticConfig), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.HealthInterval)
	require.Equal(t, 500*time.Millisecond, cfg.HealthTimeout)
	require.Equal(t, 60, cfg.TickRate)

	m, err := cfg.Machine()
	require.NoError(t, err)
	require.Equal(t, proto.Machine{
		Name:        "C",
		HostAddress: "10.0.0.3",
		ListenPort:  50002,
		Connections: []proto.Endpoint{{Address: "10.0.0.1", Port: 50000}, {Address: "10.0.0.2", Port: 50001}},
	}, m)
	require.Len(t, cfg.AgentOptions(), 2)
}

func TestNegotiatorConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("name: X\nnegotiator: 127.0.0.1:7000\n"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.Negotiator)
	require.Empty(t, cfg.AgentOptions())
}

func TestConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		name    string
		yaml    string
		unknown bool
	}{
		{"no name", "negotiator: x:1\n", false},
		{"reserved char in name", "name: a@b\nnegotiator: x:1\n", false},
		{"no source", "name: A\n", false},
		{"bad log level", "name: A\nnegotiator: x:1\nlog_level: loud\n", false},
		{"negative tick rate", "name: A\nnegotiator: x:1\ntick_rate: -1\n", false},
		{"self not in peers", "name: Z\nleader: A\npeers: {A: 'h:1'}\n", true},
		{"unknown connect", "name: A\nleader: A\npeers: {A: 'h:1'}\nconnect: [B]\n", true},
		{"unknown leader", "name: A\nleader: B\npeers: {A: 'h:1'}\n", true},
		{"missing leader", "name: A\npeers: {A: 'h:1'}\n", false},
		{"connect to self", "name: A\nleader: A\npeers: {A: 'h:1'}\nconnect: [A]\n", false},
		{"bad address", "name: A\nleader: A\npeers: {A: 'nope'}\n", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			require.Error(t, err)
			if tc.unknown {
				require.Equal(t, ErrUnknownPeer, errors.Cause(err))
			}
		})
	}
}
