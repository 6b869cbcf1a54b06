package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "GOVERN_ADDR", "GOVERN_JWT_SECRET", "GOVERN_CAPABILITY_SECRET",
		"GOVERN_OWNER", "GOVERN_OWNER_PASSWORD", "GOVERN_LOG_LEVEL", "GOVERN_LOG_FORMAT",
		"GOVERN_DEFAULT_SCORE", "GOVERN_VOTING_PERIOD",
	} {
		t.Setenv(k, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Economics.DefaultScore != 250 || cfg.Economics.RegistrationFee != 20 || cfg.Economics.VoteReward != 10 {
		t.Fatalf("unexpected economics: %+v", cfg.Economics)
	}
	if cfg.Dispute.VotingPeriod != 72*time.Hour {
		t.Fatalf("expected 72h voting period, got %s", cfg.Dispute.VotingPeriod)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Server.Addr)
	}
}

func TestSaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "covenant.yaml")

	cfg := Default()
	cfg.Auth.Owner = "root"
	cfg.Verification.VerificationCutoff = 36 * time.Hour
	cfg.Dispute.LoserPenalty = 40
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Auth.Owner != "root" || loaded.Verification.VerificationCutoff != 36*time.Hour || loaded.Dispute.LoserPenalty != 40 {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "covenant.yaml")
	body := "dispute:\n  voting_period: 24h\neconomics:\n  vote_reward: 12\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispute.VotingPeriod != 24*time.Hour || cfg.Economics.VoteReward != 12 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Dispute.LoserPenalty != 50 || cfg.Economics.RegistrationFee != 20 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/covenant")
	t.Setenv("GOVERN_OWNER", "steward")
	t.Setenv("GOVERN_DEFAULT_SCORE", "300")
	t.Setenv("GOVERN_VOTING_PERIOD", "1h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://localhost/covenant" || cfg.Auth.Owner != "steward" {
		t.Fatalf("string overrides not applied: %+v", cfg)
	}
	if cfg.Economics.DefaultScore != 300 || cfg.Dispute.VotingPeriod != time.Hour {
		t.Fatalf("numeric overrides not applied: %+v", cfg)
	}

	t.Setenv("GOVERN_DEFAULT_SCORE", "many")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "GOVERN_DEFAULT_SCORE") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"score", func(c *Config) { c.Economics.DefaultScore = 501 }, "default_score"},
		{"range", func(c *Config) { c.Verification.MinResolutionDelay = c.Verification.MaxResolutionDelay }, "min_resolution_delay"},
		{"cutoff", func(c *Config) { c.Verification.VerificationCutoff = 0 }, "verification_cutoff"},
		{"tiers", func(c *Config) { c.Dispute.TrustedFrom = 100 }, "trusted_from"},
		{"stakes", func(c *Config) { c.Dispute.TrustedMaxStake = 4 }, "stake range"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"owner", func(c *Config) { c.Auth.Owner = "" }, "auth.owner"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
