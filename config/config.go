// Package config loads the client configuration from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"board-sync/auth"
	"board-sync/connection"
)

// Preference store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendTable  = "table"
	BackendMemory = "memory"
)

type Auth struct {
	Domain       string `yaml:"domain"`
	Audience     string `yaml:"audience"`
	SharedSecret string `yaml:"sharedSecret"`
}

type Preferences struct {
	Backend                 string `yaml:"backend"`
	Path                    string `yaml:"path"`
	StorageConnectionString string `yaml:"storageConnectionString"`
	SettingsTable           string `yaml:"settingsTable"`
}

type Reconnect struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"maxDelay"`
}

type Config struct {
	Redis       string      `yaml:"redis"`
	Namespace   string      `yaml:"namespace"`
	APIURL      string      `yaml:"apiUrl"`
	Token       string      `yaml:"token"`
	Project     string      `yaml:"project"`
	BridgeAddr  string      `yaml:"bridgeAddr"`
	Debug       bool        `yaml:"debug"`
	Auth        Auth        `yaml:"auth"`
	Preferences Preferences `yaml:"preferences"`
	Reconnect   Reconnect   `yaml:"reconnect"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	p := connection.DefaultPolicy()
	return Config{
		Namespace:   "default",
		Preferences: Preferences{Backend: BackendSQLite, Path: defaultPreferencesPath(), SettingsTable: "settings"},
		Reconnect:   Reconnect{Attempts: p.MaxAttempts, Delay: p.InitialDelay, MaxDelay: p.MaxDelay},
	}
}

func defaultPreferencesPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "board-sync", "preferences.sqlite")
}

// Load reads path when it is not empty, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("REDIS_CONNECTION_STRING", &c.Redis)
	str("BUS_NAMESPACE", &c.Namespace)
	str("BOARD_API_URL", &c.APIURL)
	str("AUTH_TOKEN", &c.Token)
	str("BOARD_PROJECT", &c.Project)
	str("BRIDGE_ADDR", &c.BridgeAddr)
	str("AUTH0_DOMAIN", &c.Auth.Domain)
	str("AUTH0_AUDIENCE", &c.Auth.Audience)
	str("LOCAL_AUTH_SHARED_SECRET", &c.Auth.SharedSecret)
	str("PREFERENCES_BACKEND", &c.Preferences.Backend)
	str("PREFERENCES_PATH", &c.Preferences.Path)
	str("STORAGE_CONNECTION_STRING", &c.Preferences.StorageConnectionString)
	str("SETTINGS_TABLE", &c.Preferences.SettingsTable)

	if v, ok := lookup("DEBUG"); ok && v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEBUG: %w", err)
		}
		c.Debug = dbg
	}
	if v, ok := lookup("RECONNECT_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid RECONNECT_ATTEMPTS: must be a positive integer, got %q", v)
		}
		c.Reconnect.Attempts = n
	}
	for key, dst := range map[string]*time.Duration{
		"RECONNECT_DELAY":     &c.Reconnect.Delay,
		"RECONNECT_MAX_DELAY": &c.Reconnect.MaxDelay,
	} {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid %s: %q", key, v)
			}
			*dst = d
		}
	}
	return nil
}

// Validate reports every missing or inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if c.Redis == "" {
		errs = append(errs, errors.New("missing redis config"))
	}
	if c.APIURL == "" {
		errs = append(errs, errors.New("missing board api url"))
	}
	if c.Auth.SharedSecret == "" && c.Auth.Domain == "" {
		errs = append(errs, errors.New("missing auth config: set a shared secret or an Auth0 domain"))
	}
	if c.Auth.Domain != "" && c.Auth.Audience == "" {
		errs = append(errs, errors.New("missing Auth0 audience"))
	}
	switch c.Preferences.Backend {
	case BackendSQLite:
		if c.Preferences.Path == "" {
			errs = append(errs, errors.New("missing preferences path"))
		}
	case BackendTable:
		if c.Preferences.StorageConnectionString == "" || c.Preferences.SettingsTable == "" {
			errs = append(errs, errors.New("missing table storage config"))
		}
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown preferences backend %q", c.Preferences.Backend))
	}
	return errors.Join(errs...)
}

// RedisOptions accepts a redis:// URL or the host:port,password=...,ssl=true
// form.
func (c Config) RedisOptions() (*redis.Options, error) {
	return ParseRedis(c.Redis)
}

func ParseRedis(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	return opts, nil
}

// Policy is the reconnection policy.
func (c Config) Policy() connection.Policy {
	p := connection.DefaultPolicy()
	p.MaxAttempts = c.Reconnect.Attempts
	p.InitialDelay = c.Reconnect.Delay
	p.MaxDelay = c.Reconnect.MaxDelay
	return p
}

// Verifier is the token verifier configuration. A shared secret wins over
// Auth0.
func (c Config) Verifier() auth.Config {
	if c.Auth.SharedSecret != "" {
		return auth.Config{SharedSecret: c.Auth.SharedSecret}
	}
	return auth.Config{
		JWKSURL:  fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth.Domain),
		Audience: c.Auth.Audience,
		Issuer:   "https://" + c.Auth.Domain + "/",
	}
}
