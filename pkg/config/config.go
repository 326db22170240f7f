package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/tables"
	"github.com/cuemby/raidcfg/pkg/transaction"
	"gopkg.in/yaml.v3"
)

// Config is the controller configuration
type Config struct {
	ControllerID string            `yaml:"controllerID"`
	DataDir      string            `yaml:"dataDir"`
	Database     DatabaseConfig    `yaml:"database"`
	Transaction  TransactionConfig `yaml:"transaction"`
	Peer         PeerConfig        `yaml:"peer"`
	Log          log.Config        `yaml:"log"`
	MetricsAddr  string            `yaml:"metricsAddr"`
}

// DatabaseConfig sizes the tables and bounds persistence retries.
// Object ids below SystemObjects belong to pre-provisioned system objects.
type DatabaseConfig struct {
	Capacity             int           `yaml:"capacity"`
	SystemObjects        uint32        `yaml:"systemObjects"`
	PersistRetries       int           `yaml:"persistRetries"`
	PersistRetryInterval time.Duration `yaml:"persistRetryInterval"`
}

// TransactionConfig bounds how long Start waits for the slot
type TransactionConfig struct {
	StartTimeout time.Duration `yaml:"startTimeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// PeerConfig describes the link to the other controller. An empty
// PeerAddr runs the controller alone.
type PeerConfig struct {
	ListenAddr        string        `yaml:"listenAddr"`
	PeerAddr          string        `yaml:"peerAddr"`
	AckTimeout        time.Duration `yaml:"ackTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatMisses   int           `yaml:"heartbeatMisses"`
	ResyncChunkSize   int           `yaml:"resyncChunkSize"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		ControllerID: "spa",
		DataDir:      "./raidcfg-data",
		Database: DatabaseConfig{
			Capacity:             tables.DefaultCapacity,
			SystemObjects:        16,
			PersistRetries:       3,
			PersistRetryInterval: 100 * time.Millisecond,
		},
		Transaction: TransactionConfig{
			StartTimeout: transaction.DefaultStartTimeout,
			PollInterval: transaction.DefaultPollInterval,
		},
		Peer: PeerConfig{
			ListenAddr:        "127.0.0.1:7400",
			AckTimeout:        2 * time.Second,
			HeartbeatInterval: time.Second,
			HeartbeatMisses:   3,
			ResyncChunkSize:   256,
		},
		Log: log.Config{
			Level: log.InfoLevel,
		},
		MetricsAddr: "127.0.0.1:9400",
	}
}

// Load reads path over the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the database cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	if c.Database.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("database.capacity must be positive, got %d", c.Database.Capacity))
	}
	if int(c.Database.SystemObjects) >= c.Database.Capacity && c.Database.Capacity > 0 {
		errs = append(errs, fmt.Errorf("database.systemObjects must be below capacity, got %d", c.Database.SystemObjects))
	}
	if c.Database.PersistRetries < 1 {
		errs = append(errs, fmt.Errorf("database.persistRetries must be at least 1, got %d", c.Database.PersistRetries))
	}
	if c.Transaction.StartTimeout < 0 || c.Transaction.PollInterval <= 0 {
		errs = append(errs, errors.New("transaction timeouts must be positive"))
	}
	if c.Peer.PeerAddr != "" {
		if c.Peer.AckTimeout <= 0 {
			errs = append(errs, errors.New("peer.ackTimeout must be positive"))
		}
		if c.Peer.HeartbeatInterval <= 0 || c.Peer.HeartbeatMisses < 1 {
			errs = append(errs, errors.New("peer heartbeat settings must be positive"))
		}
	}
	if c.Peer.ResyncChunkSize < 1 {
		errs = append(errs, fmt.Errorf("peer.resyncChunkSize must be positive, got %d", c.Peer.ResyncChunkSize))
	}
	return errors.Join(errs...)
}
