// Package config loads the governance node configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a governance node.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Economics    EconomicsConfig    `yaml:"economics"`
	Verification VerificationConfig `yaml:"verification"`
	Dispute      DisputeConfig      `yaml:"dispute"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

type AuthConfig struct {
	// JWTSecret signs login tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// CapabilitySecret signs component capabilities.
	CapabilitySecret string        `yaml:"capability_secret"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	// Owner is bootstrapped as the first directory account and owns every
	// component.
	Owner         string `yaml:"owner"`
	OwnerPassword string `yaml:"owner_password"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json or console
	Development bool   `yaml:"development"`
}

type OutboxConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type EconomicsConfig struct {
	TokenSupply               int64 `yaml:"token_supply"`
	DefaultScore              int   `yaml:"default_score"`
	RegistrationFee           int64 `yaml:"registration_fee"`
	VerifierQuota             int   `yaml:"verifier_quota"`
	CompletionReward          int   `yaml:"completion_reward"`
	VoteReward                int64 `yaml:"vote_reward"`
	FraudSlashPercent         int64 `yaml:"fraud_slash_percent"`
	FraudReputationPenalty    int   `yaml:"fraud_reputation_penalty"`
	MinorityTokenPenalty      int64 `yaml:"minority_token_penalty"`
	MinorityReputationPenalty int   `yaml:"minority_reputation_penalty"`
}

type VerificationConfig struct {
	MinResolutionDelay time.Duration `yaml:"min_resolution_delay"`
	MaxResolutionDelay time.Duration `yaml:"max_resolution_delay"`
	VerificationCutoff time.Duration `yaml:"verification_cutoff"`
}

type DisputeConfig struct {
	NeutralFrom     int           `yaml:"neutral_from"`
	TrustedFrom     int           `yaml:"trusted_from"`
	NeutralStake    int           `yaml:"neutral_stake"`
	TrustedMinStake int           `yaml:"trusted_min_stake"`
	TrustedMaxStake int           `yaml:"trusted_max_stake"`
	LoserPenalty    int           `yaml:"loser_penalty"`
	VotingPeriod    time.Duration `yaml:"voting_period"`
}

// Default returns a configuration that runs a single node on the memory
// store.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
			Owner:    "owner",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Outbox: OutboxConfig{
			Interval:    time.Second,
			BatchSize:   10,
			MaxAttempts: 5,
		},
		Economics: EconomicsConfig{
			TokenSupply:               1_000_000_000,
			DefaultScore:              250,
			RegistrationFee:           20,
			VerifierQuota:             8,
			CompletionReward:          1,
			VoteReward:                10,
			FraudSlashPercent:         50,
			FraudReputationPenalty:    2,
			MinorityTokenPenalty:      100,
			MinorityReputationPenalty: 1,
		},
		Verification: VerificationConfig{
			MinResolutionDelay: 12 * time.Hour,
			MaxResolutionDelay: 7 * 24 * time.Hour,
			VerificationCutoff: 3 * 24 * time.Hour,
		},
		Dispute: DisputeConfig{
			NeutralFrom:     150,
			TrustedFrom:     300,
			NeutralStake:    5,
			TrustedMinStake: 5,
			TrustedMaxStake: 8,
			LoserPenalty:    50,
			VotingPeriod:    72 * time.Hour,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("GOVERN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("GOVERN_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("GOVERN_CAPABILITY_SECRET"); v != "" {
		c.Auth.CapabilitySecret = v
	}
	if v := os.Getenv("GOVERN_OWNER"); v != "" {
		c.Auth.Owner = v
	}
	if v := os.Getenv("GOVERN_OWNER_PASSWORD"); v != "" {
		c.Auth.OwnerPassword = v
	}
	if v := os.Getenv("GOVERN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GOVERN_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GOVERN_DEFAULT_SCORE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: GOVERN_DEFAULT_SCORE: %w", err)
		}
		c.Economics.DefaultScore = n
	}
	if v := os.Getenv("GOVERN_VOTING_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: GOVERN_VOTING_PERIOD: %w", err)
		}
		c.Dispute.VotingPeriod = d
	}
	return nil
}

// Validate rejects configurations no component would accept.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Owner == "" {
		errs = append(errs, errors.New("auth.owner is required"))
	}
	if c.Economics.DefaultScore < 0 || c.Economics.DefaultScore > 500 {
		errs = append(errs, fmt.Errorf("economics.default_score %d outside [0, 500]", c.Economics.DefaultScore))
	}
	if c.Economics.RegistrationFee < 0 || c.Economics.VoteReward < 0 || c.Economics.MinorityTokenPenalty < 0 {
		errs = append(errs, errors.New("economics amounts must not be negative"))
	}
	if c.Economics.FraudSlashPercent < 0 || c.Economics.FraudSlashPercent > 100 {
		errs = append(errs, fmt.Errorf("economics.fraud_slash_percent %d outside [0, 100]", c.Economics.FraudSlashPercent))
	}
	if c.Economics.VerifierQuota <= 0 {
		errs = append(errs, errors.New("economics.verifier_quota must be positive"))
	}
	v := c.Verification
	if v.MinResolutionDelay < 0 || v.MinResolutionDelay >= v.MaxResolutionDelay {
		errs = append(errs, errors.New("verification: min_resolution_delay must be below max_resolution_delay"))
	}
	if v.VerificationCutoff <= 0 {
		errs = append(errs, errors.New("verification.verification_cutoff must be positive"))
	}
	d := c.Dispute
	if d.NeutralFrom < 0 || d.TrustedFrom < d.NeutralFrom {
		errs = append(errs, errors.New("dispute: trusted_from must not be below neutral_from"))
	}
	if d.NeutralStake <= 0 || d.TrustedMinStake <= 0 || d.TrustedMaxStake < d.TrustedMinStake {
		errs = append(errs, errors.New("dispute: invalid stake range"))
	}
	if d.VotingPeriod <= 0 {
		errs = append(errs, errors.New("dispute.voting_period must be positive"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
