package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for pingcrew.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Probe      ProbeConfig               `json:"probe"`
	Agent      AgentConfig               `json:"agent"`
	Supervisor SupervisorConfig          `json:"supervisor"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Channels   ChannelsConfig            `json:"channels"`
	Memory     MemoryConfig              `json:"memory"`
	Tools      ToolsConfig               `json:"tools"`
	Crew       CrewConfig                `json:"crew"`
}

type GeneralConfig struct {
	LogLevel        string   `json:"logLevel"`
	LogFile         string   `json:"logFile,omitempty"`
	DefaultProvider string   `json:"defaultProvider"`
	FailoverChain   []string `json:"failoverChain,omitempty"` // providers tried in order after the default fails
}

// ProbeConfig tunes the ping tool.
type ProbeConfig struct {
	Binary         string `json:"binary"`
	Count          int    `json:"count"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func (p ProbeConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// AgentConfig tunes the command loop.
type AgentConfig struct {
	MaxConcurrent int     `json:"maxConcurrent"`
	BusBuffer     int     `json:"busBuffer"`
	RateBurst     int     `json:"rateBurst"`
	RatePerMinute float64 `json:"ratePerMinute"`
	MetricsAddr   string  `json:"metricsAddr,omitempty"` // e.g. 127.0.0.1:9464; empty disables /metrics
}

// SupervisorConfig is the restart policy of the agent loop.
type SupervisorConfig struct {
	MaxRestarts       int     `json:"maxRestarts"`
	InitialDelayMs    int     `json:"initialDelayMs"`
	MaxDelayMs        int     `json:"maxDelayMs"`
	BackoffFactor     float64 `json:"backoffFactor"`
	ResetAfterSeconds int     `json:"resetAfterSeconds"`
}

type ProviderConfig struct {
	Enabled        bool   `json:"enabled"`
	Type           string `json:"type,omitempty"` // "ollama" | "openai" | "anthropic"; defaults to the provider name
	APIBase        string `json:"apiBase,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	DefaultModel   string `json:"defaultModel,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Kind returns the client implementation used for the named provider.
func (p ProviderConfig) Kind(name string) string {
	if p.Type != "" {
		return p.Type
	}
	return name
}

type ChannelsConfig struct {
	CLI      CLIConfig      `json:"cli"`
	Telegram TelegramConfig `json:"telegram"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MemoryConfig configures the probe history database.
type MemoryConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// ToolsConfig enables the optional tools next to ping.
type ToolsConfig struct {
	Web WebToolConfig `json:"web"`
}

type WebToolConfig struct {
	Enabled        bool   `json:"enabled"`
	SearchEndpoint string `json:"searchEndpoint,omitempty"` // empty = DuckDuckGo Instant Answer API
	MaxResults     int    `json:"maxResults"`
}

// CrewConfig points the crew runner at its YAML definitions.
type CrewConfig struct {
	AgentsFile string `json:"agentsFile"`
	TasksFile  string `json:"tasksFile"`
	Provider   string `json:"provider,omitempty"` // empty = general.defaultProvider
	Model      string `json:"model,omitempty"`    // empty = provider default model
	OutputDir  string `json:"outputDir,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.pingcrew).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pingcrew"
	}
	return filepath.Join(home, ".pingcrew")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadEnvFiles loads KEY=VALUE pairs from each existing dotenv file into the
// process environment. Variables already set are left untouched.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		p = ExpandPath(p)
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	// .env next to the config file and in the working directory feed ${VAR}.
	if err := LoadEnvFiles(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Crew.AgentsFile = ExpandPath(cfg.Crew.AgentsFile)
	cfg.Crew.TasksFile = ExpandPath(cfg.Crew.TasksFile)
	cfg.Crew.OutputDir = ExpandPath(cfg.Crew.OutputDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Defaults().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Defaults()
		cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
		cfg.Crew.AgentsFile = ExpandPath(cfg.Crew.AgentsFile)
		cfg.Crew.TasksFile = ExpandPath(cfg.Crew.TasksFile)
		return cfg, nil
	}
	return nil, err
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Probe.Count < 1 || cfg.Probe.Count > 100 {
		errs = append(errs, "probe.count must be between 1 and 100")
	}
	if cfg.Probe.TimeoutSeconds < 1 || cfg.Probe.TimeoutSeconds > 300 {
		errs = append(errs, "probe.timeoutSeconds must be between 1 and 300")
	}

	if cfg.Agent.MaxConcurrent < 1 || cfg.Agent.MaxConcurrent > 100 {
		errs = append(errs, "agent.maxConcurrent must be between 1 and 100")
	}
	if cfg.Agent.RateBurst < 1 {
		errs = append(errs, "agent.rateBurst must be >= 1")
	}
	if cfg.Agent.RatePerMinute <= 0 {
		errs = append(errs, "agent.ratePerMinute must be > 0")
	}

	if cfg.Supervisor.MaxRestarts < 0 {
		errs = append(errs, "supervisor.maxRestarts must be >= 0")
	}
	if cfg.Supervisor.BackoffFactor < 1 {
		errs = append(errs, "supervisor.backoffFactor must be >= 1")
	}
	if cfg.Supervisor.MaxDelayMs < cfg.Supervisor.InitialDelayMs {
		errs = append(errs, "supervisor.maxDelayMs must be >= supervisor.initialDelayMs")
	}

	if cfg.Memory.Enabled && cfg.Memory.RetentionDays < 1 {
		errs = append(errs, "memory.retentionDays must be >= 1")
	}
	if cfg.Tools.Web.Enabled && cfg.Tools.Web.MaxResults < 1 {
		errs = append(errs, "tools.web.maxResults must be >= 1")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}

	for name, pc := range cfg.Providers {
		switch pc.Kind(name) {
		case "ollama":
		case "openai":
			if pc.Enabled && pc.APIKey == "" && pc.APIBase == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: apiKey or apiBase is required", name))
			}
		case "anthropic":
			if pc.Enabled && pc.APIKey == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: apiKey is required", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: unknown type %q", name, pc.Kind(name)))
		}
	}
	if cfg.General.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
		}
	}
	for _, name := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", name))
		}
	}
	if p := cfg.Crew.Provider; p != "" {
		if _, ok := cfg.Providers[p]; !ok {
			errs = append(errs, fmt.Sprintf("crew.provider references unknown provider: %s", p))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
