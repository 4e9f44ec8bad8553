// Package config loads the YAML-driven PoolConfig set described in
// SPEC_FULL.md §6/§3, grounded on the teacher's own internal/config:
// ${VAR} environment substitution, startup validation, default
// application, and an fsnotify-driven hot-reload watcher. Tenants become
// pools; DB-type/pool-mode knobs become the driver-name/capacity/
// bulk-query-limit fields SPEC_FULL.md's Pool and Registry need.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for asyncdbd.
type Config struct {
	Admin    AdminConfig           `yaml:"admin"`
	Defaults PoolDefaults          `yaml:"defaults"`
	Pools    map[string]PoolConfig `yaml:"pools"`
}

// AdminConfig defines the bind address and auth for the gorilla/mux
// admin API server.
type AdminConfig struct {
	Port    int    `yaml:"port"`
	Bind    string `yaml:"bind"`
	APIKey  string `yaml:"api_key"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (a AdminConfig) TLSEnabled() bool {
	return a.TLSCert != "" && a.TLSKey != ""
}

// PoolDefaults defines default pool settings applied when a pool entry
// doesn't override them.
type PoolDefaults struct {
	Capacity         int           `yaml:"capacity"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	BulkQueryLimitKB int           `yaml:"bulk_query_limit_kb"`
	SkipTLS          bool          `yaml:"skip_tls"`
}

// PoolConfig holds the per-alias pool configuration described in
// SPEC_FULL.md §3's PoolConfig data model and §6's external interface.
type PoolConfig struct {
	DriverName       string `yaml:"driver"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	DBName           string `yaml:"dbname"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	Capacity         *int   `yaml:"capacity,omitempty"`
	IdleTimeout      *time.Duration `yaml:"idle_timeout,omitempty"`
	BulkQueryLimitKB *int   `yaml:"bulk_query_limit_kb,omitempty"`
	SkipTLS          *bool  `yaml:"skip_tls,omitempty"`
}

// EffectiveCapacity returns the pool's capacity or the default.
func (p PoolConfig) EffectiveCapacity(defaults PoolDefaults) int {
	if p.Capacity != nil {
		return *p.Capacity
	}
	return defaults.Capacity
}

// EffectiveIdleTimeout returns the pool's idle timeout or the default.
func (p PoolConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if p.IdleTimeout != nil {
		return *p.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveBulkQueryLimitBytes returns the pool's bulk-batch byte cap or
// the default, converting from the config's KB unit.
func (p PoolConfig) EffectiveBulkQueryLimitBytes(defaults PoolDefaults) int {
	kb := defaults.BulkQueryLimitKB
	if p.BulkQueryLimitKB != nil {
		kb = *p.BulkQueryLimitKB
	}
	return kb * 1024
}

// EffectiveSkipTLS returns the pool's skip_tls flag or the default.
func (p PoolConfig) EffectiveSkipTLS(defaults PoolDefaults) bool {
	if p.SkipTLS != nil {
		return *p.SkipTLS
	}
	return defaults.SkipTLS
}

// Redacted returns a copy of p with the password masked, for logging.
func (p PoolConfig) Redacted() PoolConfig {
	c := p
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
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

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.Admin.Bind == "" {
		cfg.Admin.Bind = "127.0.0.1"
	}
	if cfg.Defaults.Capacity == 0 {
		cfg.Defaults.Capacity = 10
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 30 * time.Second
	}
	if cfg.Defaults.BulkQueryLimitKB == 0 {
		cfg.Defaults.BulkQueryLimitKB = 64
	}
}

func validate(cfg *Config) error {
	for alias, p := range cfg.Pools {
		if p.DriverName != "postgres" && p.DriverName != "mysql" {
			return fmt.Errorf("pool %q: unsupported driver %q (must be postgres or mysql)", alias, p.DriverName)
		}
		if p.Host == "" {
			return fmt.Errorf("pool %q: host is required", alias)
		}
		if p.Port == 0 {
			return fmt.Errorf("pool %q: port is required", alias)
		}
		if p.DBName == "" {
			return fmt.Errorf("pool %q: dbname is required", alias)
		}
		if p.Username == "" {
			return fmt.Errorf("pool %q: username is required", alias)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with
// the new config, debouncing rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
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
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
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
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
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
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
