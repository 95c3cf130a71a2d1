package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultNamespace         = "phonon"
	DefaultVNodes            = 128
	DefaultNodeTimeout       = 2 * time.Second
	DefaultLockTTL           = 30 * time.Second
	DefaultLockBudget        = time.Second
	DefaultRecordTTL         = 30 * time.Minute
	DefaultSessionTTL        = 30 * time.Minute
	DefaultRegisterAttempts  = 5
	DefaultRetryInterval     = 50 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultCacheCapacity     = 10000
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Peer is one cache node of the fleet.
type Peer struct {
	ID     string
	Addr   string
	Region string
}

// Config holds the fleet topology and the coordination tuning shared by
// every worker. It is built once at startup and not modified afterwards.
type Config struct {
	Namespace string `yaml:"namespace"`
	// Regions maps a region label to its node addresses. An entry may name
	// its node as "id@addr"; otherwise the address is the node id. Addresses
	// starting with redis:// are Redis servers.
	Regions map[string][]string `yaml:"regions"`

	// Quorum and ShardSize default to a majority of a shard twice the size
	// of the smallest region.
	Quorum    int `yaml:"quorum"`
	ShardSize int `yaml:"shard_size"`
	VNodes    int `yaml:"vnodes"`

	NodeTimeout       time.Duration `yaml:"node_timeout"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	LockBudget        time.Duration `yaml:"lock_budget"`
	RecordTTL         time.Duration `yaml:"record_ttl"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	RegisterAttempts  int           `yaml:"register_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	CacheCapacity int  `yaml:"cache_capacity"`
	InitCache     bool `yaml:"init_cache"`
}

// Default returns a Config with every tuning field set and no regions.
func Default() Config {
	return Config{
		Namespace:         DefaultNamespace,
		VNodes:            DefaultVNodes,
		NodeTimeout:       DefaultNodeTimeout,
		LockTTL:           DefaultLockTTL,
		LockBudget:        DefaultLockBudget,
		RecordTTL:         DefaultRecordTTL,
		SessionTTL:        DefaultSessionTTL,
		RegisterAttempts:  DefaultRegisterAttempts,
		RetryInterval:     DefaultRetryInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		CacheCapacity:     DefaultCacheCapacity,
	}
}

// Load reads a YAML config file. Fields the file omits keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML config and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseRegions parses a region list in the format:
// "us=addr1|addr2,eu=id3@addr3|addr4"
func ParseRegions(s string) (map[string][]string, error) {
	regions := make(map[string][]string)
	if s == "" {
		return regions, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid region format: %s (expected region=addr|addr)", part)
		}

		region := strings.TrimSpace(kv[0])
		if region == "" {
			return nil, fmt.Errorf("region name cannot be empty: %s", part)
		}

		for _, addr := range strings.Split(kv[1], "|") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				return nil, fmt.Errorf("empty node address in region %s", region)
			}
			regions[region] = append(regions[region], addr)
		}
	}

	return regions, nil
}

// splitPeer splits "id@addr" into id and address. Redis URLs may carry
// credentials, so an "@" after a scheme separator is part of the address.
func splitPeer(entry string) (id, addr string) {
	if i := strings.Index(entry, "@"); i > 0 && !strings.Contains(entry[:i], "://") {
		return entry[:i], entry[i+1:]
	}
	return entry, entry
}

// Peers returns every configured node, ordered by region name and then by
// position within the region.
func (c *Config) Peers() []Peer {
	regions := make([]string, 0, len(c.Regions))
	for r := range c.Regions {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	var peers []Peer
	for _, r := range regions {
		for _, entry := range c.Regions[r] {
			id, addr := splitPeer(entry)
			peers = append(peers, Peer{ID: id, Addr: addr, Region: r})
		}
	}
	return peers
}

// NodeRegions maps node id to region.
func (c *Config) NodeRegions() map[string]string {
	out := make(map[string]string)
	for _, p := range c.Peers() {
		out[p.ID] = p.Region
	}
	return out
}

// EffectiveShardSize returns ShardSize, or twice the smallest region's node
// count, capped to the fleet size.
func (c *Config) EffectiveShardSize() int {
	total := len(c.Peers())
	size := c.ShardSize
	if size <= 0 {
		smallest := 0
		for _, addrs := range c.Regions {
			if smallest == 0 || len(addrs) < smallest {
				smallest = len(addrs)
			}
		}
		size = 2 * smallest
	}
	if size > total {
		size = total
	}
	return size
}

// EffectiveQuorum returns Quorum, or a strict majority of the shard.
func (c *Config) EffectiveQuorum() int {
	if c.Quorum > 0 {
		return c.Quorum
	}
	return c.EffectiveShardSize()/2 + 1
}

// Validate checks that the fleet can survive the loss of one region and that
// the tuning is consistent.
func (c *Config) Validate() error {
	if len(c.Regions) < 2 {
		return fmt.Errorf("%w: need at least 2 regions, have %d", ErrInvalid, len(c.Regions))
	}
	for r, addrs := range c.Regions {
		if len(addrs) < 2 {
			return fmt.Errorf("%w: region %s needs at least 2 nodes, has %d", ErrInvalid, r, len(addrs))
		}
	}

	seen := make(map[string]bool)
	for _, p := range c.Peers() {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("%w: empty node in region %s", ErrInvalid, p.Region)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate node %s", ErrInvalid, p.ID)
		}
		seen[p.ID] = true
	}

	if c.ShardSize < 0 || c.ShardSize > len(seen) {
		return fmt.Errorf("%w: shard size %d out of range [0, %d]", ErrInvalid, c.ShardSize, len(seen))
	}
	shard := c.EffectiveShardSize()
	q := c.EffectiveQuorum()
	if q > shard {
		return fmt.Errorf("%w: quorum %d exceeds shard size %d", ErrInvalid, q, shard)
	}
	if q <= shard/2 {
		// Two disjoint node sets could each grant the same lock.
		return fmt.Errorf("%w: quorum %d is not a majority of shard size %d", ErrInvalid, q, shard)
	}
	if c.LockTTL <= 0 || c.LockBudget <= 0 || c.LockBudget >= c.LockTTL {
		return fmt.Errorf("%w: lock budget %v must be positive and below lock ttl %v", ErrInvalid, c.LockBudget, c.LockTTL)
	}
	if c.NodeTimeout <= 0 {
		return fmt.Errorf("%w: node timeout must be positive", ErrInvalid)
	}
	if c.RegisterAttempts < 1 {
		return fmt.Errorf("%w: register attempts must be at least 1", ErrInvalid)
	}
	if c.CacheCapacity < 1 {
		return fmt.Errorf("%w: cache capacity must be at least 1", ErrInvalid)
	}
	return nil
}
