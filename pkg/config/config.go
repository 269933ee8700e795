// Package config loads node configuration from an optional YAML file with
// environment-variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainConfig configures the settlement client.
type ChainConfig struct {
	RPCURL              string        `yaml:"rpcUrl"`
	ChainID             uint64        `yaml:"chainId"`
	MaxCostPrice        uint64        `yaml:"maxCostPrice"`
	CostLimit           uint64        `yaml:"costLimit"`
	ConfirmationTimeout time.Duration `yaml:"confirmationTimeout"`
}

// TransportConfig bounds the peer layer.
type TransportConfig struct {
	MaxPeers         int `yaml:"maxPeers"`
	MinPeers         int `yaml:"minPeers"`
	MaxMessageSize   int `yaml:"maxMessageSize"`
	MessageCacheSize int `yaml:"messageCacheSize"`
}

// CoordinationConfig tunes the intent, voting, and session coordinators.
type CoordinationConfig struct {
	CheckpointMoves    int           `yaml:"checkpointMoves"`
	CheckpointInterval time.Duration `yaml:"checkpointInterval"`
	VotingDuration     time.Duration `yaml:"votingDuration"`
	VotePolicy         string        `yaml:"votePolicy"` // CEL auto-vote expression, empty = abstain
	InboundRate        float64       `yaml:"inboundRate"` // per-sender msgs/sec, 0 = unlimited
	InboundQueue       int           `yaml:"inboundQueue"`
}

// Config is the full node configuration.
type Config struct {
	LogLevel     string             `yaml:"logLevel"`
	LogFormat    string             `yaml:"logFormat"` // "text" or "json"
	StorePath    string             `yaml:"storePath"`
	Chain        ChainConfig        `yaml:"chain"`
	Transport    TransportConfig    `yaml:"transport"`
	Coordination CoordinationConfig `yaml:"coordination"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		StorePath: ":memory:",
		Chain: ChainConfig{
			RPCURL:              "https://mainnet.optimism.io",
			ChainID:             10,
			MaxCostPrice:        20_000_000_000, // 20 gwei
			CostLimit:           300_000,
			ConfirmationTimeout: 60 * time.Second,
		},
		Transport: TransportConfig{
			MaxPeers:         50,
			MinPeers:         3,
			MaxMessageSize:   1 << 20,
			MessageCacheSize: 1000,
		},
		Coordination: CoordinationConfig{
			CheckpointMoves:    10,
			CheckpointInterval: 300 * time.Second,
			VotingDuration:     300 * time.Second,
			VotePolicy:         "", // peers store proposals and abstain
			InboundRate:        0,
			InboundQueue:       256,
		},
	}
}

// Load reads the YAML file at path and applies ACCORD_* environment
// overrides. An empty path or a missing file falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply when no file is present.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would cripple the node.
func (c *Config) Validate() error {
	if c.Transport.MaxPeers < c.Transport.MinPeers {
		return fmt.Errorf("config: maxPeers %d below minPeers %d", c.Transport.MaxPeers, c.Transport.MinPeers)
	}
	if c.Transport.MaxMessageSize <= 0 {
		return fmt.Errorf("config: maxMessageSize must be positive")
	}
	if c.Coordination.CheckpointMoves <= 0 {
		return fmt.Errorf("config: checkpointMoves must be positive")
	}
	if c.Coordination.VotingDuration <= 0 {
		return fmt.Errorf("config: votingDuration must be positive")
	}
	if c.Coordination.InboundQueue <= 0 {
		return fmt.Errorf("config: inboundQueue must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setUint := func(key string, dst *uint64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("ACCORD_LOG_LEVEL", &cfg.LogLevel)
	setString("ACCORD_LOG_FORMAT", &cfg.LogFormat)
	setString("ACCORD_STORE_PATH", &cfg.StorePath)
	setString("ACCORD_CHAIN_RPC_URL", &cfg.Chain.RPCURL)
	setUint("ACCORD_CHAIN_ID", &cfg.Chain.ChainID)
	setUint("ACCORD_MAX_COST_PRICE", &cfg.Chain.MaxCostPrice)
	setUint("ACCORD_COST_LIMIT", &cfg.Chain.CostLimit)
	setDuration("ACCORD_CONFIRMATION_TIMEOUT", &cfg.Chain.ConfirmationTimeout)
	setString("ACCORD_VOTE_POLICY", &cfg.Coordination.VotePolicy)
	setDuration("ACCORD_VOTING_DURATION", &cfg.Coordination.VotingDuration)
	setDuration("ACCORD_CHECKPOINT_INTERVAL", &cfg.Coordination.CheckpointInterval)
}
