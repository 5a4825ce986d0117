package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvLookup mirrors os.LookupEnv so tests can inject environments.
type EnvLookup func(key string) (string, bool)

type loadOptions struct {
	envLookup EnvLookup
	readFile  func(string) ([]byte, error)
	homeDir   func() (string, error)
	filePath  string
	overrides func(*Config)
}

// Option customises Load.
type Option func(*loadOptions)

// WithEnv replaces the environment lookup used during loading.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.envLookup = lookup
		}
	}
}

// WithFileReader replaces the file reader used during loading.
func WithFileReader(read func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		if read != nil {
			o.readFile = read
		}
	}
}

// WithHomeDir replaces home directory resolution.
func WithHomeDir(home func() (string, error)) Option {
	return func(o *loadOptions) {
		if home != nil {
			o.homeDir = home
		}
	}
}

// WithConfigFile forces a specific config file path.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.filePath = path }
}

// WithOverrides applies caller overrides after all other layers.
func WithOverrides(fn func(*Config)) Option {
	return func(o *loadOptions) { o.overrides = fn }
}

// Load resolves the runtime configuration from defaults, the optional YAML
// config file, environment variables, and caller overrides, in that order.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := Config{
		Environment:        "development",
		Host:               "0.0.0.0",
		Port:               DefaultPort,
		DataDir:            defaultDataDir(options.homeDir),
		RedisURL:           DefaultRedisURL,
		AgentName:          DefaultAgentName,
		ObserverThreshold:  DefaultObserverThreshold,
		ReflectorThreshold: DefaultReflectorThreshold,
		LLMProvider:        DefaultLLMProvider,
		LLMModel:           DefaultLLMModel,
		LLMSmallModel:      DefaultLLMSmallModel,
		BaseURL:            DefaultLLMBaseURL,
		MaxIterations:      DefaultMaxIterations,
		MaxTokens:          DefaultMaxTokens,
		Temperature:        0.7,
		EmbeddingModel:     DefaultEmbeddingModel,
		TaskPodImage:       DefaultTaskPodImage,
		LogLevel:           "info",
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options.envLookup)
	if options.overrides != nil {
		options.overrides(&cfg)
	}
	normalize(&cfg)

	return cfg, meta, nil
}

func applyFile(cfg *Config, meta *Metadata, options loadOptions) error {
	path := options.filePath
	if path == "" {
		path = defaultConfigPath(options.homeDir)
	}
	if path == "" {
		return nil
	}

	data, err := options.readFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	meta.filePath = path
	mergeFileConfig(cfg, fileCfg, meta)
	return nil
}

func mergeFileConfig(cfg *Config, file Config, meta *Metadata) {
	setStr := func(field string, dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
			meta.sources[field] = SourceFile
		}
	}
	setInt := func(field string, dst *int, v int) {
		if v != 0 {
			*dst = v
			meta.sources[field] = SourceFile
		}
	}

	setStr("environment", &cfg.Environment, file.Environment)
	setStr("auth_token", &cfg.AuthToken, file.AuthToken)
	setStr("host", &cfg.Host, file.Host)
	setInt("port", &cfg.Port, file.Port)
	setStr("data_dir", &cfg.DataDir, file.DataDir)
	setStr("redis_url", &cfg.RedisURL, file.RedisURL)
	if len(file.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = file.AllowedOrigins
		meta.sources["allowed_origins"] = SourceFile
	}
	setStr("os_dir", &cfg.OSDir, file.OSDir)
	setStr("agent_name", &cfg.AgentName, file.AgentName)
	setInt("observer_threshold", &cfg.ObserverThreshold, file.ObserverThreshold)
	setInt("reflector_threshold", &cfg.ReflectorThreshold, file.ReflectorThreshold)
	setStr("llm_provider", &cfg.LLMProvider, file.LLMProvider)
	setStr("llm_model", &cfg.LLMModel, file.LLMModel)
	setStr("llm_small_model", &cfg.LLMSmallModel, file.LLMSmallModel)
	setStr("api_key", &cfg.APIKey, file.APIKey)
	setStr("base_url", &cfg.BaseURL, file.BaseURL)
	setInt("max_iterations", &cfg.MaxIterations, file.MaxIterations)
	setInt("max_tokens", &cfg.MaxTokens, file.MaxTokens)
	if file.Temperature != 0 {
		cfg.Temperature = file.Temperature
		meta.sources["temperature"] = SourceFile
	}
	setStr("embedding_model", &cfg.EmbeddingModel, file.EmbeddingModel)
	setStr("embedding_base_url", &cfg.EmbeddingBaseURL, file.EmbeddingBaseURL)
	setStr("embedding_api_key", &cfg.EmbeddingAPIKey, file.EmbeddingAPIKey)
	if len(file.TaskMountAllowlist) > 0 {
		cfg.TaskMountAllowlist = file.TaskMountAllowlist
		meta.sources["task_mount_allowlist"] = SourceFile
	}
	setStr("task_pod_image", &cfg.TaskPodImage, file.TaskPodImage)
	setStr("docker_host", &cfg.DockerHost, file.DockerHost)
	setStr("brain_url", &cfg.BrainURL, file.BrainURL)
	setStr("notify_webhook", &cfg.NotifyWebhook, file.NotifyWebhook)
	setStr("notify_token", &cfg.NotifyToken, file.NotifyToken)
	setStr("log_level", &cfg.LogLevel, file.LogLevel)
}

// envAliases maps each config field to its environment variable names in
// precedence order. The bare names keep parity with deployments that predate
// the CORTEX_ prefix.
var envAliases = map[string][]string{
	"environment":          {"CORTEX_ENV", "ENVIRONMENT"},
	"auth_token":           {"CORTEX_AUTH_TOKEN", "AUTH_TOKEN"},
	"host":                 {"CORTEX_HOST"},
	"port":                 {"CORTEX_PORT", "PORT"},
	"data_dir":             {"CORTEX_DATA_DIR", "DATA_DIR"},
	"redis_url":            {"CORTEX_REDIS_URL", "REDIS_URL"},
	"allowed_origins":      {"CORTEX_ALLOWED_ORIGINS", "ALLOWED_ORIGINS"},
	"os_dir":               {"CORTEX_OS_DIR", "OS_DIR"},
	"agent_name":           {"CORTEX_AGENT_NAME", "AGENT_NAME"},
	"observer_threshold":   {"CORTEX_OBSERVER_THRESHOLD", "OBSERVER_THRESHOLD"},
	"reflector_threshold":  {"CORTEX_REFLECTOR_THRESHOLD", "REFLECTOR_THRESHOLD"},
	"llm_provider":         {"CORTEX_LLM_PROVIDER", "LLM_PROVIDER"},
	"llm_model":            {"CORTEX_LLM_MODEL", "LLM_MODEL"},
	"llm_small_model":      {"CORTEX_LLM_SMALL_MODEL", "LLM_SMALL_MODEL"},
	"api_key":              {"CORTEX_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"},
	"base_url":             {"CORTEX_BASE_URL", "LLM_BASE_URL"},
	"max_iterations":       {"CORTEX_MAX_ITERATIONS"},
	"max_tokens":           {"CORTEX_MAX_TOKENS"},
	"temperature":          {"CORTEX_TEMPERATURE"},
	"embedding_model":      {"CORTEX_EMBEDDING_MODEL", "EMBEDDING_MODEL"},
	"embedding_base_url":   {"CORTEX_EMBEDDING_BASE_URL"},
	"embedding_api_key":    {"CORTEX_EMBEDDING_API_KEY"},
	"task_mount_allowlist": {"CORTEX_TASK_MOUNT_ALLOWLIST", "TASK_MOUNT_ALLOWLIST"},
	"task_pod_image":       {"CORTEX_TASK_POD_IMAGE"},
	"docker_host":          {"CORTEX_DOCKER_HOST", "DOCKER_HOST"},
	"brain_url":            {"CORTEX_BRAIN_URL", "BRAIN_URL"},
	"notify_webhook":       {"CORTEX_NOTIFY_WEBHOOK", "NOTIFY_WEBHOOK"},
	"notify_token":         {"CORTEX_NOTIFY_TOKEN", "NOTIFY_TOKEN"},
	"log_level":            {"CORTEX_LOG_LEVEL", "LOG_LEVEL"},
}

func lookupAlias(lookup EnvLookup, field string) (string, bool) {
	for _, key := range envAliases[field] {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			return value, true
		}
	}
	return "", false
}

func applyEnv(cfg *Config, meta *Metadata, lookup EnvLookup) {
	setStr := func(field string, dst *string) {
		if value, ok := lookupAlias(lookup, field); ok {
			*dst = value
			meta.sources[field] = SourceEnv
		}
	}
	setInt := func(field string, dst *int) {
		if value, ok := lookupAlias(lookup, field); ok {
			if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				*dst = parsed
				meta.sources[field] = SourceEnv
			}
		}
	}

	setStr("environment", &cfg.Environment)
	setStr("auth_token", &cfg.AuthToken)
	setStr("host", &cfg.Host)
	setInt("port", &cfg.Port)
	setStr("data_dir", &cfg.DataDir)
	setStr("redis_url", &cfg.RedisURL)
	if value, ok := lookupAlias(lookup, "allowed_origins"); ok {
		cfg.AllowedOrigins = splitList(value, ",")
		meta.sources["allowed_origins"] = SourceEnv
	}
	setStr("os_dir", &cfg.OSDir)
	setStr("agent_name", &cfg.AgentName)
	setInt("observer_threshold", &cfg.ObserverThreshold)
	setInt("reflector_threshold", &cfg.ReflectorThreshold)
	setStr("llm_provider", &cfg.LLMProvider)
	setStr("llm_model", &cfg.LLMModel)
	setStr("llm_small_model", &cfg.LLMSmallModel)
	setStr("api_key", &cfg.APIKey)
	setStr("base_url", &cfg.BaseURL)
	setInt("max_iterations", &cfg.MaxIterations)
	setInt("max_tokens", &cfg.MaxTokens)
	if value, ok := lookupAlias(lookup, "temperature"); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			cfg.Temperature = parsed
			meta.sources["temperature"] = SourceEnv
		}
	}
	setStr("embedding_model", &cfg.EmbeddingModel)
	setStr("embedding_base_url", &cfg.EmbeddingBaseURL)
	setStr("embedding_api_key", &cfg.EmbeddingAPIKey)
	if value, ok := lookupAlias(lookup, "task_mount_allowlist"); ok {
		// Mount allowlists are colon separated like PATH.
		cfg.TaskMountAllowlist = splitList(value, ":")
		meta.sources["task_mount_allowlist"] = SourceEnv
	}
	setStr("task_pod_image", &cfg.TaskPodImage)
	setStr("docker_host", &cfg.DockerHost)
	setStr("brain_url", &cfg.BrainURL)
	setStr("notify_webhook", &cfg.NotifyWebhook)
	setStr("notify_token", &cfg.NotifyToken)
	setStr("log_level", &cfg.LogLevel)
}

func splitList(value, sep string) []string {
	parts := strings.Split(value, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalize(cfg *Config) {
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.OSDir = strings.TrimSpace(cfg.OSDir)
	cfg.AgentName = strings.TrimSpace(cfg.AgentName)
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	cfg.LLMModel = strings.TrimSpace(cfg.LLMModel)
	cfg.LLMSmallModel = strings.TrimSpace(cfg.LLMSmallModel)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.EmbeddingModel = strings.TrimSpace(cfg.EmbeddingModel)
	cfg.EmbeddingBaseURL = strings.TrimSpace(cfg.EmbeddingBaseURL)
	cfg.EmbeddingAPIKey = strings.TrimSpace(cfg.EmbeddingAPIKey)
	cfg.BrainURL = strings.TrimSpace(cfg.BrainURL)
	cfg.NotifyWebhook = strings.TrimSpace(cfg.NotifyWebhook)
	cfg.NotifyToken = strings.TrimSpace(cfg.NotifyToken)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	if cfg.AgentName == "" {
		cfg.AgentName = DefaultAgentName
	}
	if cfg.EmbeddingBaseURL == "" {
		cfg.EmbeddingBaseURL = cfg.BaseURL
	}
	if cfg.EmbeddingAPIKey == "" {
		cfg.EmbeddingAPIKey = cfg.APIKey
	}
	if cfg.BrainURL == "" {
		cfg.BrainURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
}
