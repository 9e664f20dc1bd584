package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/convoy/internal/env"
)

// Config is the operator configuration shared by every run. Plans carry the
// deployment itself; this file carries where hosts live, where results go and
// run-wide defaults.
type Config struct {
	Defaults struct {
		Parallelism  int           `yaml:"parallelism"`
		Retries      int           `yaml:"retries"`
		StepTimeout  time.Duration `yaml:"step_timeout"`
		ProbeTimeout time.Duration `yaml:"probe_timeout"`
		Rollback     bool          `yaml:"rollback"`
		Deadline     time.Duration `yaml:"deadline"`
		User         string        `yaml:"user"`
		SSHPort      int           `yaml:"ssh_port"`
	} `yaml:"defaults"`
	Retry struct {
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		Jitter       float64       `yaml:"jitter"`
	} `yaml:"retry"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Inventory struct {
		Hosts []HostConfig `yaml:"hosts"`
		HTTP  struct {
			URL     string        `yaml:"url"`
			Token   string        `yaml:"token"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"http"`
	} `yaml:"inventory"`
	Store  string `yaml:"store"`
	Report struct {
		Format  string `yaml:"format"`
		Archive bool   `yaml:"archive"`
		Bucket  struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Bucket    string `yaml:"bucket"`
			Prefix    string `yaml:"prefix"`
			Region    string `yaml:"region"`
			UseSSL    bool   `yaml:"use_ssl"`
		} `yaml:"bucket"`
	} `yaml:"report"`
	Agent struct {
		Port  int    `yaml:"port"`
		Token string `yaml:"token"`
	} `yaml:"agent"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// HostConfig is one statically known machine in the inventory.
type HostConfig struct {
	Name    string   `yaml:"name"`
	Address string   `yaml:"address"`
	User    string   `yaml:"user"`
	Port    int      `yaml:"port"`
	KeyPath string   `yaml:"key_path"`
	Groups  []string `yaml:"groups"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	var cfg Config
	cfg.Defaults.Parallelism = 1
	cfg.Defaults.Retries = 0
	cfg.Defaults.StepTimeout = 5 * time.Minute
	cfg.Defaults.ProbeTimeout = 5 * time.Second
	cfg.Defaults.Rollback = true
	cfg.Defaults.User = "root"
	cfg.Defaults.SSHPort = 22
	p := DefaultRetryPolicy()
	cfg.Retry.InitialDelay = p.InitialDelay
	cfg.Retry.MaxDelay = p.MaxDelay
	cfg.Retry.Multiplier = p.Multiplier
	cfg.Retry.Jitter = p.Jitter
	dir := ConfigDir()
	cfg.SSH.KeyDir = filepath.Join(dir, "keys")
	cfg.SSH.KnownHosts = filepath.Join(dir, "known_hosts")
	cfg.Store = filepath.Join(dir, "convoy.db")
	cfg.Report.Format = "text"
	cfg.Report.Bucket.Prefix = "runs"
	cfg.Inventory.HTTP.Timeout = 30 * time.Second
	cfg.Agent.Port = 8088
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return cfg
}

// ConfigDir resolves $XDG_CONFIG_HOME/convoy or ~/.config/convoy.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "convoy")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// ConfigDir()/config.yaml and falls back to defaults when that file is missing.
// Secrets from secrets.env and CONVOY_* environment variables are merged on top.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(env.Expand(string(content))), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Tokens live in secrets.env so they stay out of the YAML.
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	if t := secrets["CONVOY_AGENT_TOKEN"]; t != "" {
		cfg.Agent.Token = t
	}
	if t := secrets["CONVOY_INVENTORY_TOKEN"]; t != "" {
		cfg.Inventory.HTTP.Token = t
	}
	if k := secrets["CONVOY_MINIO_ACCESS_KEY"]; k != "" {
		cfg.Report.Bucket.AccessKey = k
	}
	if k := secrets["CONVOY_MINIO_SECRET_KEY"]; k != "" {
		cfg.Report.Bucket.SecretKey = k
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs ValidationErrors
	d := c.Defaults
	if d.Parallelism < 0 {
		errs.Add("defaults.parallelism", strconv.Itoa(d.Parallelism), "parallelism must be >= 0")
	}
	if d.Retries < 0 {
		errs.Add("defaults.retries", strconv.Itoa(d.Retries), "retries must be >= 0")
	}
	if d.StepTimeout <= 0 {
		errs.Add("defaults.step_timeout", d.StepTimeout.String(), "timeout must be positive")
	}
	if d.ProbeTimeout <= 0 {
		errs.Add("defaults.probe_timeout", d.ProbeTimeout.String(), "timeout must be positive")
	}
	if d.Deadline < 0 {
		errs.Add("defaults.deadline", d.Deadline.String(), "deadline must not be negative")
	}
	if d.SSHPort < 0 || d.SSHPort > 65535 {
		errs.Add("defaults.ssh_port", strconv.Itoa(d.SSHPort), "port out of range")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		errs.Add("retry", "", "delays must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.Defaults.Parallelism, err = env.Int("CONVOY_PARALLELISM", c.Defaults.Parallelism); err != nil {
		return err
	}
	if c.Defaults.Retries, err = env.Int("CONVOY_RETRIES", c.Defaults.Retries); err != nil {
		return err
	}
	if c.Defaults.StepTimeout, err = env.Duration("CONVOY_STEP_TIMEOUT", c.Defaults.StepTimeout); err != nil {
		return err
	}
	if c.Defaults.ProbeTimeout, err = env.Duration("CONVOY_PROBE_TIMEOUT", c.Defaults.ProbeTimeout); err != nil {
		return err
	}
	if c.Defaults.Rollback, err = env.Bool("CONVOY_ROLLBACK", c.Defaults.Rollback); err != nil {
		return err
	}
	c.Store = env.String("CONVOY_STORE", c.Store)
	c.Agent.Token = env.String("CONVOY_AGENT_TOKEN", c.Agent.Token)
	c.Inventory.HTTP.Token = env.String("CONVOY_INVENTORY_TOKEN", c.Inventory.HTTP.Token)
	c.Report.Bucket.AccessKey = env.String("CONVOY_MINIO_ACCESS_KEY", c.Report.Bucket.AccessKey)
	c.Report.Bucket.SecretKey = env.String("CONVOY_MINIO_SECRET_KEY", c.Report.Bucket.SecretKey)
	c.Log.Level = env.String("CONVOY_LOG_LEVEL", c.Log.Level)
	return nil
}

// Options converts the run-wide defaults into orchestrator options. Step
// retries and timeouts are plan defaults and are applied by the plan builder.
func (c Config) Options() Options {
	return Options{
		Parallelism:     c.Defaults.Parallelism,
		RollbackEnabled: c.Defaults.Rollback,
		Deadline:        c.Defaults.Deadline,
	}
}

// RetryPolicy returns the configured backoff.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}
}

// KeyPath is the SSH private key used when a host does not name its own:
// ssh.key_path, or id_ed25519 inside ssh.key_dir.
func (c Config) KeyPath() string {
	if c.SSH.KeyPath != "" {
		return c.SSH.KeyPath
	}
	return filepath.Join(c.SSH.KeyDir, "id_ed25519")
}
