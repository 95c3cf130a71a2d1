package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseRegions(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string][]string
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  map[string][]string{},
		},
		{
			name:  "single region",
			input: "us=127.0.0.1:50051|127.0.0.1:50052",
			want: map[string][]string{
				"us": {"127.0.0.1:50051", "127.0.0.1:50052"},
			},
		},
		{
			name:  "multiple regions with ids",
			input: "us=n1@127.0.0.1:50051|n2@127.0.0.1:50052,eu=n3@127.0.0.1:50053|n4@127.0.0.1:50054",
			want: map[string][]string{
				"us": {"n1@127.0.0.1:50051", "n2@127.0.0.1:50052"},
				"eu": {"n3@127.0.0.1:50053", "n4@127.0.0.1:50054"},
			},
		},
		{
			name:  "with spaces",
			input: " us = a:1 | b:2 , eu = c:3|d:4 ",
			want: map[string][]string{
				"us": {"a:1", "b:2"},
				"eu": {"c:3", "d:4"},
			},
		},
		{
			name:  "repeated region appends",
			input: "us=a:1,us=b:2",
			want: map[string][]string{
				"us": {"a:1", "b:2"},
			},
		},
		{
			name:    "invalid format - no equals",
			input:   "us:a:1",
			wantErr: true,
		},
		{
			name:    "invalid format - empty region",
			input:   "=a:1",
			wantErr: true,
		},
		{
			name:    "invalid format - empty addr",
			input:   "us=a:1||b:2",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRegions(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRegions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRegions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func validConfig() Config {
	cfg := Default()
	cfg.Regions = map[string][]string{
		"us": {"n1@127.0.0.1:50051", "n2@127.0.0.1:50052"},
		"eu": {"n3@127.0.0.1:50053", "n4@127.0.0.1:50054", "n5@127.0.0.1:50055"},
	}
	return cfg
}

func TestPeers(t *testing.T) {
	cfg := Default()
	cfg.Regions = map[string][]string{
		"us": {"n1@a:1", "b:2"},
		"eu": {"redis://user:pw@c:6379", "n4@redis://d:6379"},
	}

	want := []Peer{
		{ID: "redis://user:pw@c:6379", Addr: "redis://user:pw@c:6379", Region: "eu"},
		{ID: "n4", Addr: "redis://d:6379", Region: "eu"},
		{ID: "n1", Addr: "a:1", Region: "us"},
		{ID: "b:2", Addr: "b:2", Region: "us"},
	}
	if got := cfg.Peers(); !reflect.DeepEqual(got, want) {
		t.Errorf("Peers() = %v, want %v", got, want)
	}

	regions := cfg.NodeRegions()
	if regions["n4"] != "eu" || regions["b:2"] != "us" {
		t.Errorf("NodeRegions() = %v", regions)
	}
}

func TestEffectiveSizing(t *testing.T) {
	tests := []struct {
		name       string
		shard      int
		quorum     int
		wantShard  int
		wantQuorum int
	}{
		{name: "defaults", wantShard: 4, wantQuorum: 3},
		{name: "explicit shard", shard: 3, wantShard: 3, wantQuorum: 2},
		{name: "whole fleet", shard: 5, wantShard: 5, wantQuorum: 3},
		{name: "explicit quorum", quorum: 4, wantShard: 4, wantQuorum: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.ShardSize = tt.shard
			cfg.Quorum = tt.quorum
			if got := cfg.EffectiveShardSize(); got != tt.wantShard {
				t.Errorf("EffectiveShardSize() = %d, want %d", got, tt.wantShard)
			}
			if got := cfg.EffectiveQuorum(); got != tt.wantQuorum {
				t.Errorf("EffectiveQuorum() = %d, want %d", got, tt.wantQuorum)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{name: "valid", mutate: func(c *Config) {}, ok: true},
		{name: "one region", mutate: func(c *Config) { delete(c.Regions, "eu") }},
		{name: "small region", mutate: func(c *Config) { c.Regions["us"] = c.Regions["us"][:1] }},
		{name: "duplicate node", mutate: func(c *Config) { c.Regions["eu"][0] = "n1@x:1" }},
		{name: "shard too big", mutate: func(c *Config) { c.ShardSize = 6 }},
		{name: "quorum too big", mutate: func(c *Config) { c.Quorum = 5 }},
		{name: "quorum of one", mutate: func(c *Config) { c.Quorum = 1 }},
		{name: "quorum of half", mutate: func(c *Config) { c.Quorum = 2 }},
		{name: "smallest majority", mutate: func(c *Config) { c.Quorum = 3 }, ok: true},
		{name: "half of odd shard", mutate: func(c *Config) { c.ShardSize = 5; c.Quorum = 2 }},
		{name: "budget not below ttl", mutate: func(c *Config) { c.LockBudget = c.LockTTL }},
		{name: "no node timeout", mutate: func(c *Config) { c.NodeTimeout = 0 }},
		{name: "no attempts", mutate: func(c *Config) { c.RegisterAttempts = 0 }},
		{name: "no capacity", mutate: func(c *Config) { c.CacheCapacity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phonon.yaml")
	data := `
namespace: views
regions:
  us: ["n1@127.0.0.1:50051", "n2@127.0.0.1:50052"]
  eu: ["n3@127.0.0.1:50053", "n4@127.0.0.1:50054"]
lock_ttl: 10s
lock_budget: 500ms
cache_capacity: 64
init_cache: true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Namespace != "views" || cfg.CacheCapacity != 64 || !cfg.InitCache {
		t.Errorf("Load() = %+v", cfg)
	}
	if cfg.LockTTL != 10*time.Second || cfg.LockBudget != 500*time.Millisecond {
		t.Errorf("lock timing = %v/%v", cfg.LockTTL, cfg.LockBudget)
	}
	if cfg.NodeTimeout != DefaultNodeTimeout || cfg.VNodes != DefaultVNodes {
		t.Errorf("defaults not kept: %+v", cfg)
	}
	if len(cfg.Peers()) != 4 {
		t.Errorf("Peers() = %v", cfg.Peers())
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) = nil error")
	}

	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("regions:\n  us: [a:1]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load(one region) = %v, want ErrInvalid", err)
	}
}
