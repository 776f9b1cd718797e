package peerroll

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll/proto"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is a peer's process configuration.
//
// A peer either negotiates its identity with a rendezvous service, or takes it
// from the static Peers map, in which case Connect lists the peers it dials.
type Config struct {
	Name       string `yaml:"name"`
	Negotiator string `yaml:"negotiator"`
	Watcher    string `yaml:"watcher"`

	PeerCount      int           `yaml:"peer_count"`
	TickRate       int           `yaml:"tick_rate"`
	LeaderCooldown int           `yaml:"leader_cooldown"`
	InputInterval  time.Duration `yaml:"input_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	LogLevel       string        `yaml:"log_level"`

	// Leader names the initial leader when running without a negotiator.
	Leader string `yaml:"leader"`
	// Peers maps every peer's name to its host:port.
	Peers map[string]string `yaml:"peers"`
	// Connect lists the peers this one dials at startup.
	Connect []string `yaml:"connect"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML config.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if !proto.ValidName(c.Name) {
		return errors.Errorf("name %q is empty or contains a reserved character", c.Name)
	}
	if c.Negotiator == "" && len(c.Peers) == 0 {
		return errors.New("either negotiator or peers is required")
	}
	if c.PeerCount < 0 || c.TickRate < 0 || c.LeaderCooldown < 0 {
		return errors.New("peer_count, tick_rate and leader_cooldown must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := log15.LvlFromString(c.LogLevel); err != nil {
			return errors.Wrapf(err, "log_level")
		}
	}
	if c.Negotiator != "" {
		return nil
	}

	if _, ok := c.Peers[c.Name]; !ok {
		return errors.Wrapf(ErrUnknownPeer, "name %q not found in peers", c.Name)
	}
	for name, addr := range c.Peers {
		if !proto.ValidName(name) {
			return errors.Errorf("peer name %q is empty or contains a reserved character", name)
		}
		if _, err := parseEndpoint(addr); err != nil {
			return errors.Wrapf(err, "peer %q", name)
		}
	}
	for _, name := range c.Connect {
		if _, ok := c.Peers[name]; !ok {
			return errors.Wrapf(ErrUnknownPeer, "connect names %q", name)
		}
		if name == c.Name {
			return errors.Errorf("peer %q can't connect to itself", name)
		}
	}
	if c.Leader == "" {
		return errors.New("leader is required without a negotiator")
	}
	if _, ok := c.Peers[c.Leader]; !ok {
		return errors.Wrapf(ErrUnknownPeer, "leader %q", c.Leader)
	}
	return nil
}

// Machine builds this peer's identity from the static peer map.
func (c *Config) Machine() (proto.Machine, error) {
	addr, ok := c.Peers[c.Name]
	if !ok {
		return proto.Machine{}, errors.Wrapf(ErrUnknownPeer, "%q", c.Name)
	}
	self, err := parseEndpoint(addr)
	if err != nil {
		return proto.Machine{}, err
	}
	m := proto.Machine{
		Name:        c.Name,
		HostAddress: self.Address,
		ListenPort:  self.Port,
	}
	for _, name := range c.Connect {
		addr, ok := c.Peers[name]
		if !ok {
			return proto.Machine{}, errors.Wrapf(ErrUnknownPeer, "%q", name)
		}
		ep, err := parseEndpoint(addr)
		if err != nil {
			return proto.Machine{}, err
		}
		m.Connections = append(m.Connections, ep)
	}
	return m, nil
}

// Options translates the tunables into Manager options.
func (c *Config) Options() []Option {
	var opts []Option
	if c.PeerCount > 0 {
		opts = append(opts, WithPeerCount(c.PeerCount))
	} else if c.Negotiator == "" {
		opts = append(opts, WithPeerCount(len(c.Peers)))
	}
	if c.Leader != "" {
		opts = append(opts, WithInitialLeader(c.Leader))
	}
	if c.Watcher != "" {
		opts = append(opts, WithWatcher(c.Watcher))
	}
	if c.InputInterval > 0 {
		opts = append(opts, WithInputInterval(c.InputInterval))
	}
	opts = append(opts, WithHealthInterval(c.HealthInterval), WithHealthTimeout(c.HealthTimeout))
	return opts
}

// AgentOptions translates the tunables into Agent options.
func (c *Config) AgentOptions() []AgentOption {
	var opts []AgentOption
	if c.TickRate > 0 {
		opts = append(opts, WithTickRate(c.TickRate))
	}
	if c.LeaderCooldown > 0 {
		opts = append(opts, WithLeaderCooldown(c.LeaderCooldown))
	}
	return opts
}

func parseEndpoint(addr string) (proto.Endpoint, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return proto.Endpoint{}, errors.Wrapf(err, "bad address %q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return proto.Endpoint{}, errors.Wrapf(err, "bad port in %q", addr)
	}
	return proto.Endpoint{Address: host, Port: p}, nil
}
