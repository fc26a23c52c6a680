// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable consulted by Load.
const EnvironmentVariable = "BUREAU_CRYPTO_CONFIG"

// Environment is the deployment type selecting an override section.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the full engine configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Store        StoreConfig        `yaml:"store"`
	Homeserver   HomeserverConfig   `yaml:"homeserver"`
	Crypto       CryptoConfig       `yaml:"crypto"`
	Verification VerificationConfig `yaml:"verification"`
	Backup       BackupConfig       `yaml:"backup"`

	// Per-environment overrides, kept as raw nodes and decoded over
	// the base values once the environment is known.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// StoreConfig selects the crypto store backend.
type StoreConfig struct {
	// Path is the SQLite database file. "memory" selects the
	// in-memory backend, which loses all keys on exit.
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection count.
	PoolSize int `yaml:"pool_size"`

	// PickleKeyFile holds the key that encrypts ratchet state at rest.
	// The file is read into locked memory and must contain at least
	// 32 bytes.
	PickleKeyFile string `yaml:"pickle_key_file"`
}

// HomeserverConfig identifies the account the engine runs for.
type HomeserverConfig struct {
	URL       string `yaml:"url"`
	UserID    string `yaml:"user_id"`
	DeviceID  string `yaml:"device_id"`
	TokenFile string `yaml:"token_file"`

	// SyncTimeout is the long-poll timeout passed to /sync.
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// CryptoConfig holds group session and key sharing policy.
type CryptoConfig struct {
	// RotationPeriod and RotationMessages are the outbound session
	// limits used when a room's encryption state does not set its own.
	RotationPeriod   time.Duration `yaml:"rotation_period"`
	RotationMessages int           `yaml:"rotation_messages"`

	// OnlyVerifiedDevices withholds room keys from devices that have
	// not been verified.
	OnlyVerifiedDevices bool `yaml:"only_verified_devices"`

	// ShareWithUnverified allows answering key requests from
	// unverified devices. Blocked devices are never answered.
	ShareWithUnverified bool `yaml:"share_with_unverified"`

	// OneTimeKeyTarget is the number of one-time keys kept on the
	// server.
	OneTimeKeyTarget int `yaml:"one_time_key_target"`

	// DeviceRefreshBackoff bounds the device list retry backoff.
	DeviceRefreshBackoff    time.Duration `yaml:"device_refresh_backoff"`
	DeviceRefreshMaxBackoff time.Duration `yaml:"device_refresh_max_backoff"`
}

// VerificationConfig holds interactive verification timing.
type VerificationConfig struct {
	// Timeout cancels a transaction that has not reached a terminal
	// state in this long.
	Timeout time.Duration `yaml:"timeout"`
}

// BackupConfig holds server-side key backup behavior.
type BackupConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BatchSize      int           `yaml:"batch_size"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// Interval is how often pending sessions are swept for upload.
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	homeDirectory, _ := os.UserHomeDir()
	stateRoot := filepath.Join(homeDirectory, ".local", "state", "bureau-crypto")

	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Path:          filepath.Join(stateRoot, "crypto.db"),
			PoolSize:      4,
			PickleKeyFile: filepath.Join(stateRoot, "pickle.key"),
		},
		Homeserver: HomeserverConfig{
			SyncTimeout: 30 * time.Second,
		},
		Crypto: CryptoConfig{
			RotationPeriod:          7 * 24 * time.Hour,
			RotationMessages:        100,
			OneTimeKeyTarget:        50,
			DeviceRefreshBackoff:    time.Second,
			DeviceRefreshMaxBackoff: 5 * time.Minute,
		},
		Verification: VerificationConfig{
			Timeout: 10 * time.Minute,
		},
		Backup: BackupConfig{
			Enabled:        true,
			BatchSize:      100,
			MaxRetries:     5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Interval:       time.Minute,
		},
	}
}

// Load reads the file named by BUREAU_CRYPTO_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set; point it at the engine config file or pass --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads path over Default, applies the environment section,
// and expands ${VAR} references in path-valued fields. The result is
// not validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	config, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return config, nil
}

// Format is a configuration file syntax.
type Format int

const (
	YAML Format = iota
	JSONC
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return JSONC
	default:
		return YAML
	}
}

// Parse decodes data over Default and applies the environment section.
func Parse(data []byte, format Format) (*Config, error) {
	if format == JSONC {
		// Plain JSON is a YAML subset, so one decoder serves both and
		// duration strings parse the same way.
		data = jsonc.ToJSON(data)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	config.expandVariables()
	return config, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Staging:
		section = &c.Staging
	case Production:
		section = &c.Production
	default:
		return nil
	}
	if section.Kind == 0 {
		return nil
	}

	environment := c.Environment
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("%s section: %w", environment, err)
	}
	if c.Environment != environment {
		return fmt.Errorf("%s section may not change environment", environment)
	}
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Store.PickleKeyFile = expandVars(c.Store.PickleKeyFile, vars)
	c.Homeserver.TokenFile = expandVars(c.Homeserver.TokenFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// InMemoryStore reports whether Store.Path selects the memory backend.
func (c *Config) InMemoryStore() bool {
	return c.Store.Path == "memory"
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if !c.InMemoryStore() && c.Store.PickleKeyFile == "" {
		errs = append(errs, errors.New("store.pickle_key_file is required for a persistent store"))
	}
	if c.Crypto.RotationPeriod <= 0 {
		errs = append(errs, errors.New("crypto.rotation_period must be positive"))
	}
	if c.Crypto.RotationMessages <= 0 {
		errs = append(errs, errors.New("crypto.rotation_messages must be positive"))
	}
	if c.Crypto.OneTimeKeyTarget <= 0 {
		errs = append(errs, errors.New("crypto.one_time_key_target must be positive"))
	}
	if c.Crypto.DeviceRefreshBackoff <= 0 || c.Crypto.DeviceRefreshMaxBackoff < c.Crypto.DeviceRefreshBackoff {
		errs = append(errs, errors.New("crypto.device_refresh_backoff must be positive and not exceed device_refresh_max_backoff"))
	}
	if c.Verification.Timeout <= 0 {
		errs = append(errs, errors.New("verification.timeout must be positive"))
	}
	if c.Backup.Enabled {
		if c.Backup.BatchSize <= 0 {
			errs = append(errs, errors.New("backup.batch_size must be positive"))
		}
		if c.Backup.MaxRetries < 0 {
			errs = append(errs, errors.New("backup.max_retries must not be negative"))
		}
		if c.Backup.InitialBackoff <= 0 || c.Backup.MaxBackoff < c.Backup.InitialBackoff {
			errs = append(errs, errors.New("backup.initial_backoff must be positive and not exceed max_backoff"))
		}
		if c.Backup.Interval <= 0 {
			errs = append(errs, errors.New("backup.interval must be positive"))
		}
	}
	if c.Environment == Production && c.InMemoryStore() {
		errs = append(errs, errors.New("production may not use the memory store"))
	}

	return errors.Join(errs...)
}

// EnsureDirectories creates the parent directories of the store and
// pickle key files with owner-only permissions.
func (c *Config) EnsureDirectories() error {
	if c.InMemoryStore() {
		return nil
	}
	for _, path := range []string{c.Store.Path, c.Store.PickleKeyFile} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", filepath.Dir(path), err)
		}
	}
	return nil
}
