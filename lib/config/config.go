// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates service configuration.
//
// Configuration comes from three layers, later layers overriding
// earlier ones: built-in defaults, an optional YAML file, and
// CUMMENTS_-prefixed environment variables. Environment keys use a
// double underscore between section and field, mirroring the YAML
// nesting: CUMMENTS_SERVER__PORT overrides server.port.
//
// Validation runs after all layers are applied and fails before any
// port is bound or database opened.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cumments-foundation/cumments/lib/ref"
)

// Matrix adapter modes.
const (
	ModeBot        = "bot"
	ModeAppService = "appservice"
)

// Config is the root configuration for the cumments service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig configures the public HTTP surface.
type ServerConfig struct {
	// Host is the listen address for the public API.
	Host string `yaml:"host"`

	// Port is the listen port for the public API.
	Port int `yaml:"port"`

	// CORSOrigins lists allowed CORS origins. "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`

	// AdminToken, when non-empty, enables the moderation endpoints.
	// Requests must carry it as a bearer token.
	AdminToken string `yaml:"admin_token"`
}

// DatabaseConfig configures the local view store.
type DatabaseConfig struct {
	// URL locates the SQLite database, in "sqlite://path" form.
	URL string `yaml:"url"`
}

// Path returns the filesystem path portion of the database URL.
func (d DatabaseConfig) Path() string {
	return strings.TrimPrefix(d.URL, "sqlite://")
}

// MatrixConfig configures the Matrix adapter.
type MatrixConfig struct {
	// Mode selects the adapter: ModeBot or ModeAppService.
	Mode string `yaml:"mode"`

	// HomeserverURL is the base URL of the Matrix homeserver,
	// e.g. "https://matrix.example.org".
	HomeserverURL string `yaml:"homeserver_url"`

	// User is the full Matrix user ID of the bot account (bot mode).
	User string `yaml:"user"`

	// Token is the access token for the bot account (bot mode) or
	// unused in appservice mode.
	Token string `yaml:"token"`

	// ServerName is the homeserver's server name as it appears in
	// user IDs and aliases, e.g. "matrix.example.org".
	ServerName string `yaml:"server_name"`

	// ASToken authenticates the service to the homeserver
	// (appservice mode).
	ASToken string `yaml:"as_token"`

	// HSToken authenticates the homeserver's pushes to the service
	// (appservice mode).
	HSToken string `yaml:"hs_token"`

	// ListenPort is the port for homeserver pushes (appservice mode).
	ListenPort int `yaml:"listen_port"`

	// BotLocalpart is the localpart the appservice sends as when no
	// ghost applies. Also the sender_localpart in the registration.
	BotLocalpart string `yaml:"bot_localpart"`
}

// SecurityConfig configures identity hashing and the PoW gate.
type SecurityConfig struct {
	// GlobalSalt is the process-wide secret for author hashing.
	// Required; there is no default.
	GlobalSalt string `yaml:"global_salt"`

	// PowDifficulty is the required number of leading zero bits in a
	// PoW solution hash.
	PowDifficulty int `yaml:"pow_difficulty"`

	// PowTTLSec is the challenge lifetime in seconds.
	PowTTLSec int `yaml:"pow_ttl_sec"`
}

// Default returns the built-in defaults. Required secrets are left
// empty and caught by Validate.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3000,
			CORSOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			URL: "sqlite://data/cumments.db",
		},
		Matrix: MatrixConfig{
			Mode:         ModeBot,
			BotLocalpart: "cumments",
		},
		Security: SecurityConfig{
			PowDifficulty: 20,
			PowTTLSec:     600,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path (skipped if path is empty), then environment
// overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from CUMMENTS_-prefixed environment
// variables. Unset variables leave the current value; set-but-empty
// variables override with the empty value, which Validate may reject.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := lookup("CUMMENTS_" + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := lookup("CUMMENTS_" + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: CUMMENTS_%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	setString("SERVER__HOST", &c.Server.Host)
	setInt("SERVER__PORT", &c.Server.Port)
	if v, ok := lookup("CUMMENTS_SERVER__CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitCommaList(v)
	}
	setString("SERVER__ADMIN_TOKEN", &c.Server.AdminToken)

	setString("DATABASE__URL", &c.Database.URL)

	setString("MATRIX__MODE", &c.Matrix.Mode)
	setString("MATRIX__HOMESERVER_URL", &c.Matrix.HomeserverURL)
	setString("MATRIX__USER", &c.Matrix.User)
	setString("MATRIX__TOKEN", &c.Matrix.Token)
	setString("MATRIX__SERVER_NAME", &c.Matrix.ServerName)
	setString("MATRIX__AS_TOKEN", &c.Matrix.ASToken)
	setString("MATRIX__HS_TOKEN", &c.Matrix.HSToken)
	setInt("MATRIX__LISTEN_PORT", &c.Matrix.ListenPort)
	setString("MATRIX__BOT_LOCALPART", &c.Matrix.BotLocalpart)

	setString("SECURITY__GLOBAL_SALT", &c.Security.GlobalSalt)
	setInt("SECURITY__POW_DIFFICULTY", &c.Security.PowDifficulty)
	setInt("SECURITY__POW_TTL_SEC", &c.Security.PowTTLSec)

	return errors.Join(errs...)
}

// Validate checks the effective configuration. All problems are
// reported together so the operator fixes them in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: server.port %d out of range", c.Server.Port))
	}
	if len(c.Server.CORSOrigins) == 0 {
		errs = append(errs, errors.New("config: server.cors_origins must not be empty (use \"*\" to allow any)"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("config: database.url is required"))
	} else if !strings.HasPrefix(c.Database.URL, "sqlite://") {
		errs = append(errs, fmt.Errorf("config: database.url %q must use the sqlite:// scheme", c.Database.URL))
	}

	if c.Security.GlobalSalt == "" {
		errs = append(errs, errors.New("config: security.global_salt is required"))
	}
	if c.Security.PowDifficulty < 1 || c.Security.PowDifficulty > 64 {
		errs = append(errs, fmt.Errorf("config: security.pow_difficulty %d out of range [1,64]", c.Security.PowDifficulty))
	}
	if c.Security.PowTTLSec <= 0 {
		errs = append(errs, fmt.Errorf("config: security.pow_ttl_sec %d must be positive", c.Security.PowTTLSec))
	}

	if c.Matrix.HomeserverURL == "" {
		errs = append(errs, errors.New("config: matrix.homeserver_url is required"))
	}
	if c.Matrix.ServerName == "" {
		errs = append(errs, errors.New("config: matrix.server_name is required"))
	} else if _, err := ref.ParseServerName(c.Matrix.ServerName); err != nil {
		errs = append(errs, fmt.Errorf("config: matrix.server_name: %w", err))
	}

	switch c.Matrix.Mode {
	case ModeBot:
		if c.Matrix.User == "" {
			errs = append(errs, errors.New("config: matrix.user is required in bot mode"))
		} else if _, err := ref.ParseUserID(c.Matrix.User); err != nil {
			errs = append(errs, fmt.Errorf("config: matrix.user: %w", err))
		}
		if c.Matrix.Token == "" {
			errs = append(errs, errors.New("config: matrix.token is required in bot mode"))
		}
	case ModeAppService:
		if c.Matrix.ASToken == "" {
			errs = append(errs, errors.New("config: matrix.as_token is required in appservice mode"))
		}
		if c.Matrix.HSToken == "" {
			errs = append(errs, errors.New("config: matrix.hs_token is required in appservice mode"))
		}
		if c.Matrix.ListenPort <= 0 || c.Matrix.ListenPort > 65535 {
			errs = append(errs, fmt.Errorf("config: matrix.listen_port %d out of range", c.Matrix.ListenPort))
		}
		if c.Matrix.BotLocalpart == "" {
			errs = append(errs, errors.New("config: matrix.bot_localpart is required in appservice mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: matrix.mode %q must be %q or %q", c.Matrix.Mode, ModeBot, ModeAppService))
	}

	return errors.Join(errs...)
}

// splitCommaList splits a comma-separated list, trimming whitespace
// and dropping empty entries.
func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
