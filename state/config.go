package state

import (
	"fmt"
	"time"
)

// ElectionStrategy selects which healthy bridge becomes primary. It only
// changes the choice among healthy candidates, never the health or cooldown
// rules.
type ElectionStrategy string

const (
	StrategyPriority   ElectionStrategy = "priority"
	StrategyRoundRobin ElectionStrategy = "round-robin"
	StrategySignal     ElectionStrategy = "signal"
)

// PeerCfg is the central representation of one mesh node.
type PeerCfg struct {
	Id   NodeId `yaml:"id"`
	Addr string `yaml:"addr"`
}

// MeshCfg is the network-global configuration shared by every node.
type MeshCfg struct {
	Name  string    `yaml:"name,omitempty"`
	Peers []PeerCfg `yaml:"peers"`
}

// BridgeCfg configures a node's internet uplink role. A node with Enabled set
// registers itself as a bridge and participates in gateway election.
type BridgeCfg struct {
	Enabled  bool `yaml:"enabled"`
	Priority int  `yaml:"priority,omitempty"` // 1-10, higher wins election

	CheckHost    string         `yaml:"check_host,omitempty"`     // host probed for internet connectivity
	CheckPort    uint16         `yaml:"check_port,omitempty"`     // default 53
	CheckDelay   *time.Duration `yaml:"check_delay,omitempty"`    // delay between connectivity checks
	CheckTimeout *time.Duration `yaml:"check_timeout,omitempty"`  // per-probe timeout
	UseICMP      bool           `yaml:"use_icmp,omitempty"`       // probe with ICMP echo instead of a TCP dial

	HeartbeatInterval *time.Duration `yaml:"heartbeat_interval,omitempty"`
	FailureTimeout    *time.Duration `yaml:"failure_timeout,omitempty"`

	Participate *bool            `yaml:"participate,omitempty"` // join gateway elections, default true
	Strategy    ElectionStrategy `yaml:"strategy,omitempty"`    // default priority
}

// LocalCfg is the node-level configuration.
type LocalCfg struct {
	Id      NodeId     `yaml:"id"`
	Port    uint16     `yaml:"port,omitempty"`
	Codec   string     `yaml:"codec,omitempty"`    // wire codec, json (default) or cbor
	LogPath string     `yaml:"log_path,omitempty"` // if not empty, cedar will also write logs to this file
	Bridge  *BridgeCfg `yaml:"bridge,omitempty"`
}

func (c *BridgeCfg) CanParticipate() bool {
	return c != nil && c.Enabled && (c.Participate == nil || *c.Participate)
}

// ExpandLocalConfig fills defaulted fields in place.
func ExpandLocalConfig(c *LocalCfg) {
	if c.Port == 0 {
		c.Port = uint16(DefaultPort)
	}
	if c.Bridge == nil {
		return
	}
	b := c.Bridge
	if b.Priority == 0 {
		b.Priority = 5
	}
	if b.CheckHost == "" {
		b.CheckHost = "8.8.8.8"
	}
	if b.CheckPort == 0 {
		b.CheckPort = 53
	}
	if b.CheckDelay == nil {
		b.CheckDelay = &InternetCheckDelay
	}
	if b.CheckTimeout == nil {
		d := time.Second * 5
		b.CheckTimeout = &d
	}
	if b.HeartbeatInterval == nil {
		b.HeartbeatInterval = &HeartbeatInterval
	}
	if b.FailureTimeout == nil {
		b.FailureTimeout = &BridgeHealthTimeout
	}
	if b.Strategy == "" {
		b.Strategy = StrategyPriority
	}
}

// LocalConfigValidator checks the node configuration.
func LocalConfigValidator(c *LocalCfg) error {
	if c.Id == 0 {
		return fmt.Errorf("config: node id must be non-zero")
	}
	b := c.Bridge
	if b == nil || !b.Enabled {
		return nil
	}
	if b.Priority < 1 || b.Priority > 10 {
		return fmt.Errorf("config: bridge priority %d out of range 1-10", b.Priority)
	}
	if b.CheckHost == "" {
		return fmt.Errorf("config: bridge check_host cannot be empty")
	}
	if *b.CheckDelay < time.Second {
		return fmt.Errorf("config: bridge check_delay must be at least 1s")
	}
	if *b.CheckTimeout < time.Millisecond*100 {
		return fmt.Errorf("config: bridge check_timeout must be at least 100ms")
	}
	if *b.CheckTimeout >= *b.CheckDelay {
		return fmt.Errorf("config: bridge check_timeout must be less than check_delay")
	}
	if *b.HeartbeatInterval < time.Second {
		return fmt.Errorf("config: bridge heartbeat_interval must be at least 1s")
	}
	if *b.FailureTimeout < 2**b.HeartbeatInterval {
		return fmt.Errorf("config: bridge failure_timeout should be at least 2x heartbeat_interval")
	}
	switch b.Strategy {
	case StrategyPriority, StrategyRoundRobin, StrategySignal:
	default:
		return fmt.Errorf("config: unknown election strategy %q", b.Strategy)
	}
	return nil
}

// MeshConfigValidator checks the shared mesh configuration.
func MeshConfigValidator(c *MeshCfg) error {
	seen := make(map[NodeId]bool)
	for _, p := range c.Peers {
		if p.Id == 0 {
			return fmt.Errorf("config: peer id must be non-zero")
		}
		if seen[p.Id] {
			return fmt.Errorf("config: duplicate peer id %d", p.Id)
		}
		seen[p.Id] = true
	}
	return nil
}

// PeerAddr returns the configured address for a peer id.
func (c *MeshCfg) PeerAddr(id NodeId) (string, bool) {
	for _, p := range c.Peers {
		if p.Id == id {
			return p.Addr, true
		}
	}
	return "", false
}
