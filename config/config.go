package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's runtime configuration.
type Config struct {
	Listen      string `yaml:"listen" toml:"listen"`
	NetworkName string `yaml:"network_name" toml:"network_name"`
	Environment string `yaml:"environment" toml:"environment"`

	SponsorAddress string `yaml:"sponsor_address" toml:"sponsor_address"`
	// SponsorKeyRef is a 25-word mnemonic, "kms:<label>" or "prompt".
	SponsorKeyRef string `yaml:"sponsor_key_ref" toml:"sponsor_key_ref"`

	AlgodEndpoint   string `yaml:"algod_endpoint" toml:"algod_endpoint"`
	AlgodToken      string `yaml:"algod_token" toml:"algod_token"`
	IndexerEndpoint string `yaml:"indexer_endpoint" toml:"indexer_endpoint"`
	IndexerToken    string `yaml:"indexer_token" toml:"indexer_token"`

	PaymentAppID  uint64 `yaml:"payment_app_id" toml:"payment_app_id"`
	P2PAppID      uint64 `yaml:"p2p_app_id" toml:"p2p_app_id"`
	SendAppID     uint64 `yaml:"send_app_id" toml:"send_app_id"`
	CUSDAssetID   uint64 `yaml:"cusd_asset_id" toml:"cusd_asset_id"`
	CONFIOAssetID uint64 `yaml:"confio_asset_id" toml:"confio_asset_id"`

	SkipRecipientOptInCheck bool `yaml:"skip_recipient_opt_in_check" toml:"skip_recipient_opt_in_check"`
	VerboseLogs             bool `yaml:"verbose_logs" toml:"verbose_logs"`

	TTLSuggestedParams time.Duration `yaml:"ttl_suggested_params" toml:"ttl_suggested_params"`
	TTLAppInfo         time.Duration `yaml:"ttl_app_info" toml:"ttl_app_info"`
	TTLAppOptIn        time.Duration `yaml:"ttl_app_opt_in" toml:"ttl_app_opt_in"`
	TTLRecipientOptIn  time.Duration `yaml:"ttl_recipient_opt_in" toml:"ttl_recipient_opt_in"`

	ParamsTimeout  time.Duration `yaml:"params_timeout" toml:"params_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout" toml:"submit_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`

	ConfirmationRounds uint64        `yaml:"confirmation_rounds" toml:"confirmation_rounds"`
	PreparedTTL        time.Duration `yaml:"prepared_ttl" toml:"prepared_ttl"`
	PausedActions      []string      `yaml:"paused_actions" toml:"paused_actions"`

	Database Database `yaml:"database" toml:"database"`
	Auth     Auth     `yaml:"auth" toml:"auth"`
	Session  Session  `yaml:"session" toml:"session"`
	Recon    Recon    `yaml:"recon" toml:"recon"`
	Outbox   Outbox   `yaml:"outbox" toml:"outbox"`
	Quota    Quota    `yaml:"quota" toml:"quota"`
	KMS      KMS      `yaml:"kms" toml:"kms"`
	Log      Log      `yaml:"log" toml:"log"`
	Otel     Otel     `yaml:"otel" toml:"otel"`
}

// Load reads path (YAML or TOML by extension), applies CONFIO_* environment
// overrides and defaults, and validates the result. An empty path configures
// from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	default:
		return fmt.Errorf("config file %s: unsupported extension %q", path, ext)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8080"
	}
	if c.TTLSuggestedParams <= 0 {
		c.TTLSuggestedParams = 3 * time.Second
	}
	if c.TTLAppInfo <= 0 {
		c.TTLAppInfo = 120 * time.Second
	}
	if c.TTLAppOptIn <= 0 {
		c.TTLAppOptIn = 60 * time.Second
	}
	if c.TTLRecipientOptIn <= 0 {
		c.TTLRecipientOptIn = 120 * time.Second
	}
	if c.ParamsTimeout <= 0 {
		c.ParamsTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
	if c.ConfirmationRounds == 0 {
		c.ConfirmationRounds = 10
	}
	if c.Session.Keepalive <= 0 {
		c.Session.Keepalive = 25 * time.Second
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = 60 * time.Second
	}
	if c.Recon.Interval <= 0 {
		c.Recon.Interval = 30 * time.Second
	}
	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Auth.ClockSkew <= 0 {
		c.Auth.ClockSkew = 2 * time.Minute
	}
	if c.KMS.Timeout <= 0 {
		c.KMS.Timeout = 5 * time.Second
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "confio-sto"
	}
}

// KeyRefKind classifies SponsorKeyRef.
type KeyRefKind int

const (
	KeyRefMnemonic KeyRefKind = iota
	KeyRefKMS
	KeyRefPrompt
)

// SponsorKey splits SponsorKeyRef into its kind and value: the mnemonic words,
// or the KMS key label. The value is empty for KeyRefPrompt.
func (c *Config) SponsorKey() (KeyRefKind, string) {
	ref := strings.TrimSpace(c.SponsorKeyRef)
	switch {
	case strings.EqualFold(ref, "prompt"):
		return KeyRefPrompt, ""
	case strings.HasPrefix(ref, "kms:"):
		return KeyRefKMS, strings.TrimSpace(strings.TrimPrefix(ref, "kms:"))
	default:
		return KeyRefMnemonic, strings.Join(strings.Fields(ref), " ")
	}
}

