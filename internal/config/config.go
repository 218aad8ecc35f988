package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/babybirdprd/zombieclaw/internal/agent"
	"github.com/babybirdprd/zombieclaw/internal/logger"
	"github.com/babybirdprd/zombieclaw/internal/pairing"
)

// Config represents the top-level TOML structure.

type Config struct {
	Listen   string   `toml:"listen" mapstructure:"listen"`
	BasePath string   `toml:"base_path" mapstructure:"base_path"`
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Pairing PairingConfig `toml:"pairing" mapstructure:"pairing"`
	Agent   AgentConfig   `toml:"agent" mapstructure:"agent"`
	Log     *LogConfig    `toml:"log" mapstructure:"log"`
	Stream  StreamConfig  `toml:"stream" mapstructure:"stream"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Daemon  DaemonConfig  `toml:"daemon" mapstructure:"daemon"`
}

type PairingConfig struct {
	Required  bool   `toml:"required" mapstructure:"required"`
	TokenFile string `toml:"token_file" mapstructure:"token_file"`
}

type AgentConfig struct {
	Name            string        `toml:"name" mapstructure:"name"`
	Command         string        `toml:"command" mapstructure:"command"`
	Args            []string      `toml:"args" mapstructure:"args"`
	Env             []string      `toml:"env" mapstructure:"env"`
	WorkDir         string        `toml:"workdir" mapstructure:"workdir"`
	CallTimeout     time.Duration `toml:"call_timeout" mapstructure:"call_timeout"`
	GracePeriod     time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	BackoffBase     time.Duration `toml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax      time.Duration `toml:"backoff_max" mapstructure:"backoff_max"`
	ScannerBufferKB int           `toml:"scanner_buffer_kb" mapstructure:"scanner_buffer_kb"`
	Log             *LogConfig    `toml:"log" mapstructure:"log"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type StreamConfig struct {
	StatusInterval    time.Duration `toml:"status_interval" mapstructure:"status_interval"`
	KeepAliveInterval time.Duration `toml:"keepalive_interval" mapstructure:"keepalive_interval"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN   string `toml:"dsn" mapstructure:"dsn"`
	Table string `toml:"table" mapstructure:"table"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type DaemonConfig struct {
	PIDFile string `toml:"pidfile" mapstructure:"pidfile"`
	LogFile string `toml:"logfile" mapstructure:"logfile"`
}

// ServerConfig is the HTTP host block; TLS is optional.
type ServerConfig struct {
	Listen        string     `toml:"listen" mapstructure:"listen"`
	BasePath      string     `toml:"base_path" mapstructure:"base_path"`
	TLS           *TLSConfig `toml:"tls" mapstructure:"tls"`
	TLSMinVersion string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
}

type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"autogen" mapstructure:"autogen"`
}

type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// Defaults applied by Load.
const (
	DefaultListen            = "127.0.0.1:8787"
	DefaultBasePath          = "/api"
	DefaultTokenFile         = "pairing_tokens.json"
	DefaultStatusInterval    = 15 * time.Second
	DefaultKeepAliveInterval = 20 * time.Second
)

// Load reads a TOML config file and applies defaults. The agent command
// is the only required field.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if c.Agent.Command == "" {
		return nil, errors.New("config: agent.command is required")
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	// the [server] block overrides top-level listen/base_path when set
	if c.Server.Listen == "" {
		c.Server.Listen = c.Listen
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = c.BasePath
	}
	if c.Pairing.TokenFile == "" {
		c.Pairing.TokenFile = DefaultTokenFile
	}
	if c.Stream.StatusInterval <= 0 {
		c.Stream.StatusInterval = DefaultStatusInterval
	}
	if c.Stream.KeepAliveInterval <= 0 {
		c.Stream.KeepAliveInterval = DefaultKeepAliveInterval
	}
}

// PairingGuardConfig maps the [pairing] section onto a guard config.
func (c *Config) PairingGuardConfig() pairing.Config {
	return pairing.Config{
		Required:  c.Pairing.Required,
		TokenFile: c.Pairing.TokenFile,
	}
}

// AgentSpec builds the supervisor launch spec. The [log] section provides
// capture defaults; [agent.log] overrides them per field, the same way
// per-process log blocks override global ones.
func (c *Config) AgentSpec() (agent.Spec, error) {
	var logCfg logger.Config
	if c.Log != nil {
		logCfg.File = fileConfig(*c.Log)
	}
	if c.Agent.Log != nil {
		o := fileConfig(*c.Agent.Log)
		if o.Dir != "" {
			logCfg.File.Dir = o.Dir
		}
		if o.StdoutPath != "" {
			logCfg.File.StdoutPath = o.StdoutPath
		}
		if o.StderrPath != "" {
			logCfg.File.StderrPath = o.StderrPath
		}
		if o.MaxSizeMB != 0 {
			logCfg.File.MaxSizeMB = o.MaxSizeMB
		}
		if o.MaxBackups != 0 {
			logCfg.File.MaxBackups = o.MaxBackups
		}
		if o.MaxAgeDays != 0 {
			logCfg.File.MaxAgeDays = o.MaxAgeDays
		}
		if o.Compress {
			logCfg.File.Compress = true
		}
	}

	spec := agent.Spec{
		Name:            c.Agent.Name,
		Command:         c.Agent.Command,
		Args:            c.Agent.Args,
		Env:             c.Agent.Env,
		WorkDir:         c.Agent.WorkDir,
		CallTimeout:     c.Agent.CallTimeout,
		GracePeriod:     c.Agent.GracePeriod,
		BackoffBase:     c.Agent.BackoffBase,
		BackoffMax:      c.Agent.BackoffMax,
		ScannerBufferKB: c.Agent.ScannerBufferKB,
		Log:             logCfg,
	}
	if err := spec.Validate(); err != nil {
		return agent.Spec{}, fmt.Errorf("config: %w", err)
	}
	spec.Normalize()
	return spec, nil
}

func fileConfig(lc LogConfig) logger.FileConfig {
	return logger.FileConfig{
		Dir:        lc.Dir,
		StdoutPath: lc.Stdout,
		StderrPath: lc.Stderr,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
}

// LoadGlobalEnv merges env from config: top-level env, env_files contents, and optionally OS env when UseOSEnv is true.
// Precedence: OS env (when enabled) provides base; then apply file vars; then top-level env list overrides last.
func LoadGlobalEnv(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	m := make(map[string]string)
	// base: optional OS env
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	// load files in order
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	// apply top-level env overrides
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
