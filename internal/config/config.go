// Package config loads the settlement service configuration from a YAML file.
// The loaded Config value is passed explicitly into each component constructor;
// there is no package-level configuration state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the settlement service.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Prover   ProverConfig   `yaml:"prover"`
	Chains   []ChainConfig  `yaml:"chains"`
	NATS     NATSConfig     `yaml:"nats"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig holds the postgres connection settings.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// ProverConfig holds the proving service endpoint settings.
type ProverConfig struct {
	BaseURL         string `yaml:"base_url"`
	RequestTimeout  int    `yaml:"request_timeout"`   // seconds, per HTTP call
	PollInterval    int    `yaml:"poll_interval"`     // seconds between job polls
	MaxPollDuration int    `yaml:"max_poll_duration"` // seconds before a job is considered stalled
}

// ChainConfig describes one execution chain the service can submit to.
// ChainID is the SLIP-44 identifier used throughout the ledger; EVMChainID is
// the id carried in transaction signatures.
type ChainConfig struct {
	ChainID           uint32 `yaml:"chain_id"`
	EVMChainID        int64  `yaml:"evm_chain_id"`
	Name              string `yaml:"name"`
	RPCURL            string `yaml:"rpc_url"`
	ContractAddress   string `yaml:"contract_address"`
	TreasuryAddress   string `yaml:"treasury_address"`
	Confirmations     uint64 `yaml:"confirmations"`
	MultisigThreshold int    `yaml:"multisig_threshold"` // 0 disables the multisig gate for payouts
	// MultisigSigners is the operator addresses allowed to sign payout
	// proposals on this chain. Empty means any signer is accepted and the
	// quorum count is the only gate.
	MultisigSigners []string `yaml:"multisig_signers"`
	SignerURL       string   `yaml:"signer_url"` // external transaction signer endpoint
}

// NATSConfig holds the event bus connection settings.
type NATSConfig struct {
	URL           string `yaml:"url"`
	ReconnectWait int    `yaml:"reconnect_wait"` // seconds
	MaxReconnects int    `yaml:"max_reconnects"`
}

// SweepConfig controls the retry/timeout coordinator.
type SweepConfig struct {
	Interval        int `yaml:"interval"`         // seconds between sweeps
	ProofTimeout    int `yaml:"proof_timeout"`    // seconds before a generating proof is flagged
	SubmitTimeout   int `yaml:"submit_timeout"`   // seconds before a pending broadcast is flagged
	MultisigTimeout int `yaml:"multisig_timeout"` // seconds before a quorum wait is flagged
	PayoutWindow    int `yaml:"payout_window"`    // seconds before the beneficiary may claim timeout
}

// MetricsConfig holds the prometheus listener settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and validates the configuration file at path. The database DSN
// may be overridden with the SETTLEMENT_DATABASE_DSN environment variable so
// secrets stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if dsn := os.Getenv("SETTLEMENT_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 1800
	}
	if c.Prover.RequestTimeout == 0 {
		c.Prover.RequestTimeout = 600
	}
	if c.Prover.PollInterval == 0 {
		c.Prover.PollInterval = 5
	}
	if c.Prover.MaxPollDuration == 0 {
		c.Prover.MaxPollDuration = 1800
	}
	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = 30
	}
	if c.Sweep.ProofTimeout == 0 {
		c.Sweep.ProofTimeout = 1800
	}
	if c.Sweep.SubmitTimeout == 0 {
		c.Sweep.SubmitTimeout = 600
	}
	if c.Sweep.MultisigTimeout == 0 {
		c.Sweep.MultisigTimeout = 3600
	}
	if c.Sweep.PayoutWindow == 0 {
		c.Sweep.PayoutWindow = 86400
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	for i := range c.Chains {
		if c.Chains[i].Confirmations == 0 {
			c.Chains[i].Confirmations = 3
		}
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Prover.BaseURL == "" {
		return fmt.Errorf("prover base_url is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[uint32]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url is required", ch.ChainID)
		}
		if ch.ContractAddress == "" {
			return fmt.Errorf("chain %d: contract_address is required", ch.ChainID)
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("chain %d configured twice", ch.ChainID)
		}
		seen[ch.ChainID] = true
	}
	return nil
}

// Chain returns the configuration for the given SLIP-44 chain id.
func (c *Config) Chain(chainID uint32) (*ChainConfig, bool) {
	for i := range c.Chains {
		if c.Chains[i].ChainID == chainID {
			return &c.Chains[i], true
		}
	}
	return nil, false
}

// ProverPollInterval returns the poll interval as a duration.
func (c *Config) ProverPollInterval() time.Duration {
	return time.Duration(c.Prover.PollInterval) * time.Second
}

// PayoutWindow returns the timeout-claim window as a duration.
func (c *Config) PayoutWindow() time.Duration {
	return time.Duration(c.Sweep.PayoutWindow) * time.Second
}
