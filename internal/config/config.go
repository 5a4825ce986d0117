package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultPort               = 8787
	DefaultLLMProvider        = "openai"
	DefaultLLMModel           = "gpt-4o"
	DefaultLLMSmallModel      = "gpt-4o-mini"
	DefaultLLMBaseURL         = "https://api.openai.com/v1"
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultAgentName          = "Cortex"
	DefaultObserverThreshold  = 2000
	DefaultReflectorThreshold = 24
	DefaultMaxIterations      = 10
	DefaultMaxTokens          = 4096
	DefaultTaskPodImage       = "cortex-task:latest"
	DefaultRedisURL           = "redis://localhost:6379"
)

// Config is the resolved runtime configuration for the Brain and the Worker.
// Values are layered: built-in defaults, then the optional YAML config file,
// then environment variables, then caller overrides.
type Config struct {
	Environment string `yaml:"environment"`
	AuthToken   string `yaml:"auth_token"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	RedisURL    string `yaml:"redis_url"`

	// AllowedOrigins lists browser origins granted cross-origin access in
	// production. Development builds allow any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	OSDir     string `yaml:"os_dir"`
	AgentName string `yaml:"agent_name"`

	ObserverThreshold  int `yaml:"observer_threshold"`
	ReflectorThreshold int `yaml:"reflector_threshold"`

	LLMProvider   string  `yaml:"llm_provider"`
	LLMModel      string  `yaml:"llm_model"`
	LLMSmallModel string  `yaml:"llm_small_model"`
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"`
	MaxIterations int     `yaml:"max_iterations"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`

	EmbeddingModel   string `yaml:"embedding_model"`
	EmbeddingBaseURL string `yaml:"embedding_base_url"`
	EmbeddingAPIKey  string `yaml:"embedding_api_key"`

	TaskMountAllowlist []string `yaml:"task_mount_allowlist"`
	TaskPodImage       string   `yaml:"task_pod_image"`
	DockerHost         string   `yaml:"docker_host"`

	// BrainURL is where the worker reaches the Brain's HTTP surface for
	// agent-type jobs.
	BrainURL string `yaml:"brain_url"`

	// NotifyWebhook enables the outbound notification plugin when set.
	NotifyWebhook string `yaml:"notify_webhook"`
	NotifyToken   string `yaml:"notify_token"`

	LogLevel string `yaml:"log_level"`
}

// ValueSource records which layer supplied a configuration value.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "env"
	SourceFlag    ValueSource = "override"
)

// Metadata captures provenance for the resolved configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
	filePath string
}

// Source returns the layer that supplied the named field, or SourceDefault.
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// FilePath returns the config file that was read, if any.
func (m Metadata) FilePath() string { return m.filePath }

// LoadedAt returns when the configuration snapshot was taken.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// IsProduction reports whether the configuration targets production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Addr returns the listen address for the HTTP surface.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorePath returns the sqlite database path under the data directory.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "cortex.db")
}

// MemoryPath returns the vector-store directory under the data directory.
func (c Config) MemoryPath() string {
	return filepath.Join(c.DataDir, "memory")
}

// Validate rejects configurations that cannot safely serve traffic.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.IsProduction() && strings.TrimSpace(c.AuthToken) == "" {
		return fmt.Errorf("config: auth token required in production")
	}
	if c.ObserverThreshold <= 0 {
		return fmt.Errorf("config: observer threshold must be positive")
	}
	if c.ReflectorThreshold <= 0 {
		return fmt.Errorf("config: reflector threshold must be positive")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("config: max iterations must be positive")
	}
	return nil
}

func defaultDataDir(homeDir func() (string, error)) string {
	home, err := homeDir()
	if err != nil {
		return ".cortex"
	}
	return filepath.Join(home, ".cortex")
}

func defaultConfigPath(homeDir func() (string, error)) string {
	home, err := homeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cortex", "config.yaml")
}

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}
