// Package config loads and validates the aegis TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General  General  `toml:"general"`
	Engine   Engine   `toml:"engine"`
	Planner  Planner  `toml:"planner"`
	Policy   Policy   `toml:"policy"`
	Approval Approval `toml:"approval"`
	Metrics  Metrics  `toml:"metrics"`
}

type General struct {
	LogLevel    string `toml:"log_level"`
	StateDB     string `toml:"state_db"`
	AuditDir    string `toml:"audit_dir"`
	CatalogPath string `toml:"catalog_path"`
}

type Engine struct {
	MaxConcurrent    int      `toml:"max_concurrent"`
	DefaultTimeout   Duration `toml:"default_timeout"`
	MinSplitTimeout  Duration `toml:"min_split_timeout"` // floor per invocation when fanning out over array targets
	WordlistRoot     string   `toml:"wordlist_root"`      // path inside containers
	WordlistHostRoot string   `toml:"wordlist_host_root"` // host mount backing wordlist_root
	MemoryLimitBytes int64    `toml:"memory_limit_bytes"`
	CPUQuotaPercent  int      `toml:"cpu_quota_percent"`
	ContainerPrefix  string   `toml:"container_prefix"`
}

type Planner struct {
	Endpoint   string   `toml:"endpoint"`
	Model      string   `toml:"model"`
	APIKeyEnv  string   `toml:"api_key_env"`
	Timeout    Duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
}

type Policy struct {
	RequireFindingsToAdvance bool `toml:"require_findings_to_advance"`
	MaxFollowupsPerFinding   int  `toml:"max_followups_per_finding"`
}

type Approval struct {
	DefaultTimeout   Duration `toml:"default_timeout"`
	EscalationChain  []string `toml:"escalation_chain"`
	EscalationWindow Duration `toml:"escalation_window"`
}

type Metrics struct {
	Bind string `toml:"bind"`
}

// Load reads and validates an aegis TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config populated entirely from defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.AuditDir == "" {
		cfg.General.AuditDir = "audit"
	}

	if cfg.Engine.MaxConcurrent == 0 {
		cfg.Engine.MaxConcurrent = 3
	}
	if cfg.Engine.DefaultTimeout.Duration == 0 {
		cfg.Engine.DefaultTimeout.Duration = 5 * time.Minute
	}
	if cfg.Engine.MinSplitTimeout.Duration == 0 {
		cfg.Engine.MinSplitTimeout.Duration = 60 * time.Second
	}
	if cfg.Engine.WordlistRoot == "" {
		cfg.Engine.WordlistRoot = "/wordlists"
	}
	if cfg.Engine.MemoryLimitBytes == 0 {
		cfg.Engine.MemoryLimitBytes = 2 << 30
	}
	if cfg.Engine.CPUQuotaPercent == 0 {
		cfg.Engine.CPUQuotaPercent = 80
	}
	if cfg.Engine.ContainerPrefix == "" {
		cfg.Engine.ContainerPrefix = "aegis-run-"
	}

	if cfg.Planner.Timeout.Duration == 0 {
		cfg.Planner.Timeout.Duration = 30 * time.Second
	}
	if cfg.Planner.MaxRetries == 0 {
		cfg.Planner.MaxRetries = 2
	}
	if cfg.Planner.APIKeyEnv == "" {
		cfg.Planner.APIKeyEnv = "AEGIS_LLM_API_KEY"
	}

	if cfg.Policy.MaxFollowupsPerFinding == 0 {
		cfg.Policy.MaxFollowupsPerFinding = 3
	}

	if cfg.Approval.DefaultTimeout.Duration == 0 {
		cfg.Approval.DefaultTimeout.Duration = 15 * time.Minute
	}
	if cfg.Approval.EscalationWindow.Duration == 0 {
		cfg.Approval.EscalationWindow.Duration = 10 * time.Minute
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1")
	}
	if cfg.Engine.CPUQuotaPercent < 1 || cfg.Engine.CPUQuotaPercent > 100 {
		return fmt.Errorf("engine.cpu_quota_percent must be in 1..100")
	}
	if cfg.Engine.WordlistHostRoot != "" {
		info, err := os.Stat(ExpandHome(cfg.Engine.WordlistHostRoot))
		if err != nil {
			return fmt.Errorf("engine.wordlist_host_root %q does not exist: %w", cfg.Engine.WordlistHostRoot, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("engine.wordlist_host_root %q is not a directory", cfg.Engine.WordlistHostRoot)
		}
	}
	if cfg.General.StateDB != "" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}
	if cfg.Planner.MaxRetries < 0 {
		return fmt.Errorf("planner.max_retries must not be negative")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
