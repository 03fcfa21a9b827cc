package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
)

const (
	// ProjectDir is created inside every workspace root.
	ProjectDir = ".kiro"

	defaultDataDirName = ".kiro-automation"
)

// Duration decodes "30s"-style strings from both YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ByteSize decodes "50MB"-style strings. Units are binary: "50MB", "50M"
// and "50MiB" all mean 50<<20 bytes.
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := humanize.ParseBytes(binaryUnits(strings.TrimSpace(string(text))))
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

// binaryUnits rewrites a decimal unit suffix ("MB", "m") to its binary
// spelling ("MiB") so humanize parses it as a power of 1024.
func binaryUnits(s string) string {
	unit := strings.TrimRight(s, "Bb")
	if len(unit) == 0 || len(s)-len(unit) > 1 {
		return s
	}
	switch unit[len(unit)-1] {
	case 'k', 'K', 'm', 'M', 'g', 'G', 't', 'T', 'p', 'P', 'e', 'E':
		return unit + "iB"
	}
	return s
}

type BackoffConfig struct {
	Base       Duration `yaml:"base" toml:"base"`
	Multiplier float64  `yaml:"multiplier" toml:"multiplier"`
	Max        Duration `yaml:"max" toml:"max"`
}

type AutomationConfig struct {
	MaxRetries         int           `yaml:"max_retries" toml:"max_retries"`
	TaskTimeout        Duration      `yaml:"task_timeout" toml:"task_timeout"`
	Backoff            BackoffConfig `yaml:"backoff" toml:"backoff"`
	CheckpointInterval Duration      `yaml:"checkpoint_interval" toml:"checkpoint_interval"`
	ContinueOnFailure  bool          `yaml:"continue_on_failure" toml:"continue_on_failure"`
	DebounceDelay      Duration      `yaml:"debounce_delay" toml:"debounce_delay"`
}

type ResourceConfig struct {
	MaxCacheEntries int      `yaml:"max_cache_entries" toml:"max_cache_entries"`
	MaxCacheSize    ByteSize `yaml:"max_cache_size" toml:"max_cache_size"`
	CacheTTL        Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	SweepInterval   Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	SampleInterval  Duration `yaml:"sample_interval" toml:"sample_interval"`
	MaxSamples      int      `yaml:"max_samples" toml:"max_samples"`
	// LeakThreshold is bytes of growth per minute.
	LeakThreshold ByteSize `yaml:"leak_threshold" toml:"leak_threshold"`
}

type SchedulerConfig struct {
	MaxConcurrentWorkspaces int `yaml:"max_concurrent_workspaces" toml:"max_concurrent_workspaces"`
}

type AgentConfig struct {
	// Kind selects the adapter: "command" or "lua".
	Kind    string   `yaml:"kind" toml:"kind"`
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	Script  string   `yaml:"script" toml:"script"`
}

type WorkspaceConfig struct {
	ID                  string   `yaml:"id" toml:"id"`
	Path                string   `yaml:"path" toml:"path"`
	Priority            int      `yaml:"priority" toml:"priority"`
	MaxMemory           ByteSize `yaml:"max_memory" toml:"max_memory"`
	MaxConcurrencyShare float64  `yaml:"max_concurrency_share" toml:"max_concurrency_share"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Stderr bool   `yaml:"stderr" toml:"stderr"`
}

// Settings is the file-backed part of the configuration.
type Settings struct {
	Automation AutomationConfig  `yaml:"automation" toml:"automation"`
	Resources  ResourceConfig    `yaml:"resources" toml:"resources"`
	Scheduler  SchedulerConfig   `yaml:"scheduler" toml:"scheduler"`
	Agent      AgentConfig       `yaml:"agent" toml:"agent"`
	Workspaces []WorkspaceConfig `yaml:"workspaces" toml:"workspaces"`
	Log        LogConfig         `yaml:"log" toml:"log"`
}

type Config struct {
	DataDir string
	DBPath  string
	LogPath string
	// ConfigPath is the file Settings were loaded from, if any.
	ConfigPath string

	Settings
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Automation: AutomationConfig{
			MaxRetries:  3,
			TaskTimeout: Duration{5 * time.Minute},
			Backoff: BackoffConfig{
				Base:       Duration{time.Second},
				Multiplier: 2,
				Max:        Duration{30 * time.Second},
			},
			CheckpointInterval: Duration{30 * time.Second},
			DebounceDelay:      Duration{500 * time.Millisecond},
		},
		Resources: ResourceConfig{
			MaxCacheEntries: 1000,
			MaxCacheSize:    50 * humanize.MiByte,
			CacheTTL:        Duration{5 * time.Minute},
			SweepInterval:   Duration{time.Minute},
			SampleInterval:  Duration{30 * time.Second},
			MaxSamples:      20,
			LeakThreshold:   humanize.MiByte,
		},
		Scheduler: SchedulerConfig{MaxConcurrentWorkspaces: 2},
		Agent: AgentConfig{
			Kind:    "command",
			Command: "claude",
			Args:    []string{"--output-format", "json", "--dangerously-skip-permissions"},
		},
		Log: LogConfig{Level: "info"},
	}
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("KIRO_DATA_DIR", filepath.Join(homeDir, defaultDataDirName))

	c := &Config{
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "automation.db"),
		LogPath:  filepath.Join(dataDir, "logs", "automation.log"),
		Settings: Default(),
	}

	path := getEnv("KIRO_CONFIG", "")
	if path == "" {
		path = findConfigFile([]string{
			filepath.Join(ProjectDir, "automation.yaml"),
			filepath.Join(ProjectDir, "automation.yml"),
			filepath.Join(ProjectDir, "automation.toml"),
			filepath.Join(dataDir, "config.yaml"),
			filepath.Join(dataDir, "config.toml"),
		})
	}
	if path != "" {
		settings, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		c.Settings = settings
		c.ConfigPath = path
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile decodes a YAML or TOML settings file and fills unset fields from
// Default().
func LoadFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes settings, picking the format from the file extension.
func Parse(path string, data []byte) (Settings, error) {
	var s Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &s); err != nil {
			return Settings{}, failure.Configuration(fmt.Errorf("failed to parse %s: %w", path, err))
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, failure.Configuration(fmt.Errorf("failed to parse %s: %w", path, err))
		}
	default:
		return Settings{}, failure.Configuration(fmt.Errorf("unsupported config format %q", filepath.Ext(path)))
	}

	if err := mergo.Merge(&s, Default()); err != nil {
		return Settings{}, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return s, nil
}

func (c *Config) Validate() error {
	return c.Settings.Validate()
}

func (s Settings) Validate() error {
	var errs []error
	if s.Automation.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("automation.max_retries must be >= 0"))
	}
	if s.Automation.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("automation.backoff.multiplier must be >= 1"))
	}
	if s.Automation.Backoff.Max.Duration < s.Automation.Backoff.Base.Duration {
		errs = append(errs, fmt.Errorf("automation.backoff.max must be >= base"))
	}
	if s.Scheduler.MaxConcurrentWorkspaces < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent_workspaces must be >= 1"))
	}
	switch s.Agent.Kind {
	case "command":
		if s.Agent.Command == "" {
			errs = append(errs, fmt.Errorf("agent.command is required for the command agent"))
		}
	case "lua":
		if s.Agent.Script == "" {
			errs = append(errs, fmt.Errorf("agent.script is required for the lua agent"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown agent kind %q", s.Agent.Kind))
	}
	seen := make(map[string]bool)
	for _, ws := range s.Workspaces {
		if ws.ID == "" || ws.Path == "" {
			errs = append(errs, fmt.Errorf("workspaces entries need an id and a path"))
			continue
		}
		if seen[ws.ID] {
			errs = append(errs, fmt.Errorf("duplicate workspace id %q", ws.ID))
		}
		seen[ws.ID] = true
	}
	if len(errs) == 0 {
		return nil
	}
	return failure.Configuration(errors.Join(errs...))
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.LogPath), 0755); err != nil {
		return err
	}
	return nil
}

// Workspace looks up a configured workspace by id. An unknown id that names
// an existing directory is treated as an ad-hoc workspace rooted there.
func (c *Config) Workspace(id string) (WorkspaceConfig, bool) {
	for _, ws := range c.Workspaces {
		if ws.ID == id {
			return ws, true
		}
	}
	if info, err := os.Stat(id); err == nil && info.IsDir() {
		abs, err := filepath.Abs(id)
		if err != nil {
			return WorkspaceConfig{}, false
		}
		return WorkspaceConfig{ID: filepath.Base(abs), Path: abs}, true
	}
	return WorkspaceConfig{}, false
}

func findConfigFile(candidates []string) string {
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
