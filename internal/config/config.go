package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"domain-limiter/internal/domain"
)

// Config representa todas as configurações da aplicação
type Config struct {
	// Redis Configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Server Configuration
	ServerPort string
	GinMode    string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Arquivo de limites por domínio (.json, .yaml ou .yml)
	DomainLimitsFile string

	// Limiter é a configuração de construção do rate limiter
	Limiter domain.LimiterConfig
}

// ConfigLoader implementa a interface domain.ConfigLoader
type ConfigLoader struct {
	config   *Config
	limits   *domain.DomainLimitsFile
	warnings []string
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig carrega o .env, as variáveis de ambiente e o arquivo de limites por domínio
func (c *ConfigLoader) LoadConfig() (*domain.LimiterConfig, error) {
	c.warnings = nil

	// Sem .env segue com as variáveis do sistema
	if err := godotenv.Load(); err != nil {
		c.warn(".env file not found, using system environment variables")
	}

	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}
	c.config = config

	limitsFile, err := c.LoadDomainLimits()
	if err != nil {
		return nil, fmt.Errorf("failed to load domain limits: %w", err)
	}
	applyDomainLimits(&config.Limiter, limitsFile)

	limiterConfig := config.Limiter.Normalized()
	if err := limiterConfig.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	config.Limiter = limiterConfig

	return &limiterConfig, nil
}

// LoadDomainLimits carrega os overrides por domínio e o pool de user agents do arquivo configurado
func (c *ConfigLoader) LoadDomainLimits() (*domain.DomainLimitsFile, error) {
	path := c.getDomainLimitsFile()
	empty := &domain.DomainLimitsFile{Domains: make(map[string]domain.DomainLimitConfig)}

	if path == "" {
		c.limits = empty
		return empty, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c.warn(fmt.Sprintf("domain limits file %s not found, using only environment defaults", path))
		c.limits = empty
		return empty, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain limits file: %w", err)
	}

	file, err := ParseDomainLimits(path, data)
	if err != nil {
		return nil, err
	}

	c.limits = file
	return file, nil
}

// ParseDomainLimits decodifica o arquivo de limites conforme a extensão
func ParseDomainLimits(path string, data []byte) (*domain.DomainLimitsFile, error) {
	var file domain.DomainLimitsFile

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse domain limits file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse domain limits file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported domain limits file extension %q", domain.ErrInvalidConfig, filepath.Ext(path))
	}

	normalized := make(map[string]domain.DomainLimitConfig, len(file.Domains))
	for name, limits := range file.Domains {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, fmt.Errorf("%w: empty domain name in domain limits file", domain.ErrInvalidConfig)
		}
		if limits.RequestsPerSecond <= 0 {
			return nil, fmt.Errorf("%w: requestsPerSecond for domain %s must be greater than 0", domain.ErrInvalidConfig, key)
		}
		normalized[key] = limits
	}
	file.Domains = normalized

	for i, ua := range file.UserAgents {
		if strings.TrimSpace(ua.Value) == "" {
			return nil, fmt.Errorf("%w: user agent %d is empty", domain.ErrInvalidConfig, i)
		}
		if ua.Weight < 0 {
			return nil, fmt.Errorf("%w: user agent %d has negative weight", domain.ErrInvalidConfig, i)
		}
	}

	return &file, nil
}

// Reload recarrega todas as configurações
func (c *ConfigLoader) Reload() error {
	_, err := c.LoadConfig()
	return err
}

// GetConfig retorna a configuração atual
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// Warnings retorna os avisos gerados no último carregamento
func (c *ConfigLoader) Warnings() []string {
	return c.warnings
}

// loadFromEnv carrega configurações das variáveis de ambiente
func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		DomainLimitsFile: getEnvWithDefault("DOMAIN_LIMITS_FILE", ""),
	}

	defaults := domain.DefaultLimiterConfig()
	limiter := defaults
	p := &envParser{}

	config.RedisDB = p.intVar("REDIS_DB", 0)

	limiter.RequestsPerSecond = p.floatVar("RATE_LIMIT_RPS", defaults.RequestsPerSecond)
	limiter.BurstSize = p.intVar("RATE_LIMIT_BURST", defaults.BurstSize)
	limiter.DefaultPriority = domain.Priority(strings.ToLower(getEnvWithDefault("RATE_LIMIT_DEFAULT_PRIORITY", string(defaults.DefaultPriority))))
	limiter.MinDelayMs = p.intVar("RATE_LIMIT_MIN_DELAY_MS", defaults.MinDelayMs)
	limiter.MaxDelayMs = p.intVar("RATE_LIMIT_MAX_DELAY_MS", defaults.MaxDelayMs)

	limiter.AdaptiveThrottling = p.boolVar("ADAPTIVE_THROTTLING", defaults.AdaptiveThrottling)

	limiter.CircuitBreakerThreshold = p.intVar("CIRCUIT_BREAKER_THRESHOLD", defaults.CircuitBreakerThreshold)
	limiter.CircuitBreakerTimeout = p.durationVar("CIRCUIT_BREAKER_TIMEOUT", defaults.CircuitBreakerTimeout)
	limiter.HalfOpenSuccessThreshold = p.intVar("CIRCUIT_BREAKER_HALF_OPEN_SUCCESSES", defaults.HalfOpenSuccessThreshold)

	limiter.EnableExponentialBackoff = p.boolVar("EXPONENTIAL_BACKOFF", defaults.EnableExponentialBackoff)
	limiter.InitialBackoff = p.durationVar("INITIAL_BACKOFF", defaults.InitialBackoff)
	limiter.MaxBackoff = p.durationVar("MAX_BACKOFF", defaults.MaxBackoff)
	limiter.JitterEnabled = p.boolVar("JITTER_ENABLED", defaults.JitterEnabled)

	limiter.RotateUserAgents = p.boolVar("ROTATE_USER_AGENTS", defaults.RotateUserAgents)
	limiter.UserAgentStrategy = strings.ToLower(getEnvWithDefault("USER_AGENT_STRATEGY", defaults.UserAgentStrategy))

	limiter.QueueHighPriority = p.boolVar("QUEUE_HIGH_PRIORITY", defaults.QueueHighPriority)
	limiter.MaxQueueSize = p.intVar("QUEUE_MAX_SIZE", defaults.MaxQueueSize)
	limiter.QueueTimeout = p.durationVar("QUEUE_TIMEOUT", defaults.QueueTimeout)
	limiter.QueueDrainInterval = p.durationVar("QUEUE_DRAIN_INTERVAL", defaults.QueueDrainInterval)

	limiter.StatsWindowSize = p.intVar("STATS_WINDOW_SIZE", defaults.StatsWindowSize)
	limiter.DomainIdleTTL = p.durationVar("DOMAIN_IDLE_TTL", defaults.DomainIdleTTL)

	limiter.UseRedis = p.boolVar("USE_REDIS", defaults.UseRedis)
	limiter.StoreTimeout = p.durationVar("REDIS_TIMEOUT", defaults.StoreTimeout)
	limiter.StoreErrorLogInterval = p.durationVar("REDIS_ERROR_LOG_INTERVAL", defaults.StoreErrorLogInterval)

	if p.err != nil {
		return nil, p.err
	}
	config.Limiter = limiter

	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida as configurações de servidor e backend
func (c *ConfigLoader) validateConfig(config *Config) error {
	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	if config.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT cannot be empty")
	}

	if config.Limiter.UseRedis && config.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST cannot be empty when USE_REDIS is enabled")
	}

	return nil
}

// getDomainLimitsFile retorna o caminho do arquivo de limites por domínio
func (c *ConfigLoader) getDomainLimitsFile() string {
	if c.config != nil {
		return c.config.DomainLimitsFile
	}
	return getEnvWithDefault("DOMAIN_LIMITS_FILE", "")
}

func (c *ConfigLoader) warn(msg string) {
	c.warnings = append(c.warnings, msg)
}

// applyDomainLimits mescla o arquivo de limites na configuração do limiter
func applyDomainLimits(limiter *domain.LimiterConfig, file *domain.DomainLimitsFile) {
	if file == nil {
		return
	}

	merged := make(map[string]domain.DomainLimitConfig, len(limiter.DomainLimits)+len(file.Domains))
	for name, limits := range limiter.DomainLimits {
		merged[name] = limits
	}
	for name, limits := range file.Domains {
		merged[name] = limits
	}
	limiter.DomainLimits = merged

	if len(file.UserAgents) == 0 {
		return
	}

	agents := make([]string, 0, len(file.UserAgents))
	weights := make([]float64, 0, len(file.UserAgents))
	weighted := false
	for _, ua := range file.UserAgents {
		agents = append(agents, ua.Value)
		weights = append(weights, ua.Weight)
		if ua.Weight > 0 {
			weighted = true
		}
	}
	limiter.UserAgents = agents
	limiter.UserAgentWeights = nil
	if weighted {
		limiter.UserAgentWeights = weights
	}
}

// envParser converte variáveis de ambiente guardando o primeiro erro
type envParser struct {
	err error
}

func (p *envParser) intVar(key string, def int) int {
	raw := getEnvWithDefault(key, strconv.Itoa(def))
	value, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return value
}

func (p *envParser) floatVar(key string, def float64) float64 {
	raw := getEnvWithDefault(key, strconv.FormatFloat(def, 'f', -1, 64))
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return value
}

func (p *envParser) boolVar(key string, def bool) bool {
	raw := getEnvWithDefault(key, strconv.FormatBool(def))
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return value
}

// durationVar aceita o formato do time.ParseDuration ou um inteiro em milissegundos
func (p *envParser) durationVar(key string, def time.Duration) time.Duration {
	raw := getEnvWithDefault(key, def.String())
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return value
}

func (p *envParser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s value: %w", key, err)
	}
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
