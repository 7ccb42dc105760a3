// Package config loads the engine's YAML configuration: backend-server
// definitions, per-server pool sizing, and at-rest-encrypted passwords
// (secrets.go), with env-var substitution and fsnotify-driven hot reload.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	Listen   ListenConfig              `yaml:"listen"`
	Defaults PoolDefaults              `yaml:"defaults"`
	Servers  map[string]ServerConfig   `yaml:"servers"`
	Secrets  SecretsConfig             `yaml:"secrets"`
}

// ListenConfig defines the admin API's bind address.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	APIKey  string `yaml:"api_key"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// PoolDefaults holds the per-server pool settings applied when a server
// doesn't override them.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// ServerConfig describes one backend MySQL server (spec.md §3's Server
// collaborator, plus the pool sizing spec.md §4.5 [EXPANSION] needs).
// Password is the server account's cleartext password as loaded from disk;
// on a production deploy it arrives AES-GCM-encrypted
// (EncryptedPassword set instead) and is decrypted once at load time via
// secrets.go.
type ServerConfig struct {
	Host              string         `yaml:"host"`
	Port              int            `yaml:"port"`
	Database          string         `yaml:"database"`
	Username          string         `yaml:"username"`
	Password          string         `yaml:"password,omitempty"`
	EncryptedPassword string         `yaml:"encrypted_password,omitempty"`
	PersistPoolMax    int            `yaml:"persist_pool_max"`
	MinConnections    *int           `yaml:"min_connections,omitempty"`
	MaxConnections    *int           `yaml:"max_connections,omitempty"`
	IdleTimeout       *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime       *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout    *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout       *time.Duration `yaml:"dial_timeout,omitempty"`
}

// SecretsConfig configures the passphrase-derived key used to decrypt
// ServerConfig.EncryptedPassword fields (see secrets.go).
type SecretsConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// EffectiveMinConnections returns the server's min connections or the default.
func (s ServerConfig) EffectiveMinConnections(d PoolDefaults) int {
	if s.MinConnections != nil {
		return *s.MinConnections
	}
	return d.MinConnections
}

// EffectiveMaxConnections returns the server's max connections or the default.
func (s ServerConfig) EffectiveMaxConnections(d PoolDefaults) int {
	if s.MaxConnections != nil {
		return *s.MaxConnections
	}
	return d.MaxConnections
}

// EffectiveIdleTimeout returns the server's idle timeout or the default.
func (s ServerConfig) EffectiveIdleTimeout(d PoolDefaults) time.Duration {
	if s.IdleTimeout != nil {
		return *s.IdleTimeout
	}
	return d.IdleTimeout
}

// EffectiveMaxLifetime returns the server's max connection lifetime or the default.
func (s ServerConfig) EffectiveMaxLifetime(d PoolDefaults) time.Duration {
	if s.MaxLifetime != nil {
		return *s.MaxLifetime
	}
	return d.MaxLifetime
}

// EffectiveAcquireTimeout returns the server's acquire timeout or the default.
func (s ServerConfig) EffectiveAcquireTimeout(d PoolDefaults) time.Duration {
	if s.AcquireTimeout != nil {
		return *s.AcquireTimeout
	}
	return d.AcquireTimeout
}

// EffectiveDialTimeout returns the server's dial timeout or the default.
func (s ServerConfig) EffectiveDialTimeout(d PoolDefaults) time.Duration {
	if s.DialTimeout != nil {
		return *s.DialTimeout
	}
	return d.DialTimeout
}

// Redacted returns a copy of s with any cleartext password masked, safe for
// logging or the admin API.
func (s ServerConfig) Redacted() ServerConfig {
	c := s
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	if c.EncryptedPassword != "" {
		c.EncryptedPassword = "***REDACTED***"
	}
	return c
}

// TLSEnabled reports whether both a TLS cert and key are configured for the
// admin API.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// decrypting any EncryptedPassword fields against Secrets.Passphrase.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := decryptSecrets(cfg); err != nil {
		return nil, fmt.Errorf("decrypting server passwords: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func decryptSecrets(cfg *Config) error {
	if cfg.Secrets.Passphrase == "" {
		return nil
	}
	for name, srv := range cfg.Servers {
		if srv.EncryptedPassword == "" {
			continue
		}
		plain, err := Decrypt(cfg.Secrets.Passphrase, srv.EncryptedPassword)
		if err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		srv.Password = plain
		cfg.Servers[name] = srv
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	for name, srv := range cfg.Servers {
		if srv.Host == "" {
			return fmt.Errorf("server %q: host is required", name)
		}
		if srv.Port == 0 {
			return fmt.Errorf("server %q: port is required", name)
		}
		if srv.Username == "" {
			return fmt.Errorf("server %q: username is required", name)
		}
		if srv.PersistPoolMax < 0 {
			return fmt.Errorf("server %q: persist_pool_max cannot be negative", name)
		}
	}
	return nil
}

// Watcher watches the config file for changes and calls back with the
// reloaded config, debouncing rapid successive writes the way editors and
// config-management tools tend to produce them.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher and starts it.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "path", cw.path, "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
