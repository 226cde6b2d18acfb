package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config - корневая структура конфигурации приложения
// yaml и validate теги для парсинга и валидации
type Config struct {
	Logger  LoggerConfig  `yaml:"logger" validate:"required"`
	Server  ServerConfig  `yaml:"http-server" validate:"required"`
	DB      DBConfig      `yaml:"db" validate:"required"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    *RaftConfig   `yaml:"raft" validate:"omitempty"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"min=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

type DBConfig struct {
	DataDir string `yaml:"path" validate:"required"`
	// number of independent B-tree slices
	Shards int `yaml:"shards" validate:"required,min=1,max=1024"`
	// node capacity in bytes
	NodeSize           int           `yaml:"node_size" validate:"required,min=256,max=65536"`
	Compression        string        `yaml:"compression" validate:"omitempty,oneof=zstd gzip none"`
	CachePages         int           `yaml:"cache_pages" validate:"min=0"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" validate:"min=0"`
	WAL                WALConfig     `yaml:"wal"`
}

type WALConfig struct {
	Sync      bool `yaml:"sync"`
	QueueSize int  `yaml:"queue_size" validate:"min=0"`
}

type ClusterConfig struct {
	Enabled      bool     `yaml:"enabled"`
	NodeAddr     string   `yaml:"node_addr" validate:"required_if=Enabled true"`
	ZKServers    []string `yaml:"zk_servers" validate:"required_if=Enabled true"`
	ZKRoot       string   `yaml:"zk_root" validate:"omitempty,startswith=/"`
	VirtualNodes int      `yaml:"virtual_nodes" validate:"min=0"`
	// per-attempt timeout of calls to other nodes
	RemoteTimeout time.Duration `yaml:"remote_timeout" validate:"min=0"`
	RemoteRetries uint64        `yaml:"remote_retries"`
}

type RaftConfig struct {
	ID                        uint64        `yaml:"id" validate:"required"`
	Peers                     []RaftPeer    `yaml:"peers" validate:"required,min=1,dive"`
	ElectionTick              int           `yaml:"election_tick" validate:"required,gtfield=HeartbeatTick"`
	HeartbeatTick             int           `yaml:"heartbeat_tick" validate:"required,min=1"`
	TickInterval              time.Duration `yaml:"tick_interval"`
	MaxSizePerMsg             uint64        `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64        `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64        `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int           `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool          `yaml:"check_quorum"`
	PreVote                   bool          `yaml:"pre_vote"`
}

type RaftPeer struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required,hostname_port"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		DB: DBConfig{
			DataDir:            "./data",
			Shards:             8,
			NodeSize:           4096,
			Compression:        "zstd",
			CachePages:         1024,
			CheckpointInterval: time.Minute,
			WAL: WALConfig{
				Sync:      true,
				QueueSize: 1024,
			},
		},
		Cluster: ClusterConfig{
			ZKRoot:        "/btreekv",
			VirtualNodes:  100,
			RemoteTimeout: 2 * time.Second,
			RemoteRetries: 3,
		},
	}
}

// DefaultRaft returns raft settings for a single local peer.
func DefaultRaft(id uint64, addr string) *RaftConfig {
	return &RaftConfig{
		ID:                        id,
		Peers:                     []RaftPeer{{ID: id, Address: addr}},
		ElectionTick:              10,
		HeartbeatTick:             1,
		TickInterval:              100 * time.Millisecond,
		MaxSizePerMsg:             1 << 20,
		MaxUncommittedEntriesSize: 1 << 30,
		MaxInflightMsgs:           256,
		CheckQuorum:               true,
		PreVote:                   true,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads a YAML file on top of Default. A missing file yields Default.
func Load(path string) (Config, bool, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, true, err
	}
	return cfg, true, nil
}
