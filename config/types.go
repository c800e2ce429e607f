package config

import "time"

// Database locates the intent store. postgres:// and postgresql:// DSNs use
// PostgreSQL; anything else is opened as SQLite.
type Database struct {
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" toml:"max_idle_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate" toml:"auto_migrate"`
}

// Auth controls bearer token verification.
type Auth struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string        `yaml:"issuer" toml:"issuer"`
	Audience  string        `yaml:"audience" toml:"audience"`
	ClockSkew time.Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// Session tunes the websocket channel.
type Session struct {
	Keepalive      time.Duration `yaml:"keepalive" toml:"keepalive"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst          int           `yaml:"burst" toml:"burst"`
	OriginPatterns []string      `yaml:"origin_patterns" toml:"origin_patterns"`
}

type Recon struct {
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

type Outbox struct {
	Interval    time.Duration `yaml:"interval" toml:"interval"`
	BatchSize   int           `yaml:"batch_size" toml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
}

// Quota bounds sponsorship per user and epoch. Zero limits disable a check.
type Quota struct {
	MaxGroupsPerEpoch uint32 `yaml:"max_groups_per_epoch" toml:"max_groups_per_epoch"`
	MaxFeePerEpoch    uint64 `yaml:"max_fee_per_epoch" toml:"max_fee_per_epoch"`
	EpochSeconds      uint32 `yaml:"epoch_seconds" toml:"epoch_seconds"`
}

// KMS configures the remote sponsor signer used by "kms:<label>" key refs.
type KMS struct {
	BaseURL    string        `yaml:"base_url" toml:"base_url"`
	CACertPath string        `yaml:"ca_cert" toml:"ca_cert"`
	ClientCert string        `yaml:"client_cert" toml:"client_cert"`
	ClientKey  string        `yaml:"client_key" toml:"client_key"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
}

// Log configures the optional rotated file sink.
type Log struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

type Otel struct {
	ServiceName string `yaml:"service_name" toml:"service_name"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	Headers     string `yaml:"headers" toml:"headers"`
	Traces      bool   `yaml:"traces" toml:"traces"`
	Metrics     bool   `yaml:"metrics" toml:"metrics"`
}
