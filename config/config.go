package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// RemoteChain names one counterpart chain the node synchronizes roots from.
type RemoteChain struct {
	ChainUID string `toml:"ChainUID"`
	Endpoint string `toml:"Endpoint"`
}

// Sync holds the root synchronizer settings.
type Sync struct {
	IntervalSeconds int64  `toml:"IntervalSeconds"`
	ReturnSize      uint32 `toml:"ReturnSize"`
	GasLimit        uint64 `toml:"GasLimit"`
	// ReadFeeWei is the flat per-target fee quoted for a cross-chain read.
	ReadFeeWei int64 `toml:"ReadFeeWei"`
}

type Config struct {
	ChainUID      string        `toml:"ChainUID"`
	ListenAddress string        `toml:"ListenAddress"`
	DataDir       string        `toml:"DataDir"`
	LogFile       string        `toml:"LogFile"`
	Sync          Sync          `toml:"sync"`
	RemoteChains  []RemoteChain `toml:"remote"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.ChainUID) == "" {
		return fmt.Errorf("ChainUID must not be empty")
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./omniledger-data"
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 60
	}
	if c.Sync.ReturnSize == 0 {
		c.Sync.ReturnSize = 128
	}
	if c.Sync.GasLimit == 0 {
		c.Sync.GasLimit = 200_000
	}
	if c.Sync.ReadFeeWei < 0 {
		return fmt.Errorf("sync.ReadFeeWei must not be negative")
	}
	if c.RemoteChains == nil {
		c.RemoteChains = []RemoteChain{}
	}
	seen := make(map[string]struct{}, len(c.RemoteChains))
	for i, remote := range c.RemoteChains {
		uid := strings.TrimSpace(remote.ChainUID)
		if uid == "" {
			return fmt.Errorf("remote #%d: ChainUID must not be empty", i+1)
		}
		if uid == c.ChainUID {
			return fmt.Errorf("remote %s: a chain cannot synchronize from itself", uid)
		}
		if _, dup := seen[uid]; dup {
			return fmt.Errorf("remote %s listed twice", uid)
		}
		seen[uid] = struct{}{}
		if strings.TrimSpace(remote.Endpoint) == "" {
			return fmt.Errorf("remote %s: Endpoint must not be empty", uid)
		}
	}
	return nil
}

// SyncInterval returns the synchronizer tick as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// RemoteChainUIDs returns the configured remote chain identifiers in file
// order.
func (c *Config) RemoteChainUIDs() []string {
	uids := make([]string, 0, len(c.RemoteChains))
	for _, remote := range c.RemoteChains {
		uids = append(uids, remote.ChainUID)
	}
	return uids
}

// Endpoint returns the configured endpoint for chainUID.
func (c *Config) Endpoint(chainUID string) (string, bool) {
	for _, remote := range c.RemoteChains {
		if remote.ChainUID == chainUID {
			return remote.Endpoint, true
		}
	}
	return "", false
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ChainUID:      "omniledger-local",
		ListenAddress: ":8080",
		DataDir:       "./omniledger-data",
		Sync: Sync{
			IntervalSeconds: 60,
			ReturnSize:      128,
			GasLimit:        200_000,
		},
		RemoteChains: []RemoteChain{},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
