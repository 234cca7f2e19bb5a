package config

import (
	"time"

	"pssync/pkg/types"
)

// Config is the root configuration of one node process.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Node        NodeConfig        `yaml:"node"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Store       StoreConfig       `yaml:"store"`
	Transport   TransportConfig   `yaml:"transport"`
	Cluster     ClusterConfig     `yaml:"cluster"`
}

// NodeConfig describes the identity and role of this participant.
type NodeConfig struct {
	ID   string `yaml:"id"`   // e.g. "w0", "s1"
	Role string `yaml:"role"` // "worker" or "server"

	// App is the shared identity linking worker caches to server
	// stores. Negative values are reserved.
	App int `yaml:"app"`

	// KeyRange is the key segment a server owns. Zero value means the
	// whole space.
	KeyRange types.KeyRange `yaml:"key_range"`
}

// ConsistencyConfig bounds staleness: how many unacknowledged push and
// pull epochs may be outstanding before new requests block. 0 disables
// the bound.
type ConsistencyConfig struct {
	MaxPushDelay int `yaml:"max_push_delay"`
	MaxPullDelay int `yaml:"max_pull_delay"`
}

// StoreConfig covers the server-side key-value store.
type StoreConfig struct {
	Mode   string `yaml:"mode"` // "online" or "batch"
	ValLen int    `yaml:"val_len"`

	// BatchKeys is the closed key set, required for batch mode.
	BatchKeys []types.Key `yaml:"batch_keys"`

	// Compress enables the zstd payload filter.
	Compress bool `yaml:"compress"`
}

// TransportConfig covers the HTTP postoffice.
type TransportConfig struct {
	Port          int               `yaml:"port"`
	ClientTimeout time.Duration     `yaml:"client_timeout"`
	Peers         map[string]string `yaml:"peers"` // node id -> base URL
}

// ClusterConfig describes the server node group: a static member list,
// or ZooKeeper-backed dynamic membership when servers are given.
type ClusterConfig struct {
	Group     string   `yaml:"group"`
	Static    []string `yaml:"static"`
	ZKServers []string `yaml:"zk_servers"`
	ZKRoot    string   `yaml:"zk_root"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config: one worker against one
// local server, unbounded staleness.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Node: NodeConfig{
			ID:   "w0",
			Role: "worker",
			App:  0,
		},
		Store: StoreConfig{
			Mode:   "online",
			ValLen: 1,
		},
		Transport: TransportConfig{
			Port:          8080,
			ClientTimeout: 3 * time.Second,
			Peers:         map[string]string{"s0": "http://localhost:8081"},
		},
		Cluster: ClusterConfig{
			Group:  "servers",
			Static: []string{"s0"},
			ZKRoot: "/pssync",
		},
	}
}
