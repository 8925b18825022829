package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidConfig é retornado quando a configuração do limiter é inválida
var ErrInvalidConfig = errors.New("invalid rate limiter configuration")

// Estratégias de rotação de user agent
const (
	UserAgentRoundRobin     = "round_robin"
	UserAgentWeightedRandom = "weighted_random"
)

// AdaptiveTuning reúne as constantes do controle adaptativo de taxa
type AdaptiveTuning struct {
	DecreaseFactor        float64       // Fator aplicado em 429 ou sequência de falhas
	IncreaseFactor        float64       // Fator aplicado em sucessos rápidos
	SlowDecreaseFactor    float64       // Fator aplicado em sucessos lentos
	FastResponseThreshold time.Duration // Abaixo disso um sucesso é considerado rápido
	SlowResponseThreshold time.Duration // Acima disso um sucesso é considerado lento (0 desativa)
	FailureStreak         int           // Falhas consecutivas que disparam a redução
	MinRateFactor         float64       // Piso relativo à taxa base
	MaxRateFactor         float64       // Teto relativo à taxa base
}

// DefaultAdaptiveTuning retorna os valores padrão do controle adaptativo
func DefaultAdaptiveTuning() AdaptiveTuning {
	return AdaptiveTuning{
		DecreaseFactor:        0.5,
		IncreaseFactor:        1.1,
		SlowDecreaseFactor:    0.9,
		FastResponseThreshold: time.Second,
		SlowResponseThreshold: 5 * time.Second,
		FailureStreak:         3,
		MinRateFactor:         0.1,
		MaxRateFactor:         2.0,
	}
}

// UserAgentEntry é um user agent do pool com seu peso opcional
type UserAgentEntry struct {
	Value  string  `json:"value" yaml:"value"`
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// DomainLimitsFile representa o arquivo de limites por domínio (JSON ou YAML)
type DomainLimitsFile struct {
	Domains    map[string]DomainLimitConfig `json:"domains" yaml:"domains"`
	UserAgents []UserAgentEntry             `json:"userAgents,omitempty" yaml:"userAgents,omitempty"`
}

// LimiterConfig é a configuração de construção do rate limiter
type LimiterConfig struct {
	// Bucket padrão
	RequestsPerSecond float64
	BurstSize         int
	DefaultPriority   Priority
	MinDelayMs        int
	MaxDelayMs        int

	// Controle adaptativo
	AdaptiveThrottling bool
	Adaptive           AdaptiveTuning

	// Circuit breaker
	CircuitBreakerThreshold  int
	CircuitBreakerTimeout    time.Duration
	HalfOpenSuccessThreshold int

	// Backoff
	EnableExponentialBackoff bool
	InitialBackoff           time.Duration
	MaxBackoff               time.Duration
	JitterEnabled            bool

	// User agents
	RotateUserAgents  bool
	UserAgents        []string
	UserAgentWeights  []float64
	UserAgentStrategy string

	// Overrides por domínio, indexados pelo nome normalizado
	DomainLimits map[string]DomainLimitConfig

	// overrideCollisions guarda os nomes que colidiram na normalização
	overrideCollisions []string

	// Fila de prioridade
	QueueHighPriority  bool
	MaxQueueSize       int
	QueueTimeout       time.Duration
	QueueDrainInterval time.Duration // 0 desativa o driver periódico

	// Estatísticas e ciclo de vida
	StatsWindowSize int
	DomainIdleTTL   time.Duration // 0 desativa a limpeza de domínios ociosos

	// Backend compartilhado
	UseRedis              bool
	StoreTimeout          time.Duration
	StoreErrorLogInterval time.Duration
}

// DefaultLimiterConfig retorna a configuração padrão do limiter
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		RequestsPerSecond:        2,
		BurstSize:                5,
		DefaultPriority:          PriorityNormal,
		AdaptiveThrottling:       true,
		Adaptive:                 DefaultAdaptiveTuning(),
		CircuitBreakerThreshold:  5,
		CircuitBreakerTimeout:    60 * time.Second,
		HalfOpenSuccessThreshold: 1,
		EnableExponentialBackoff: true,
		InitialBackoff:           time.Second,
		MaxBackoff:               30 * time.Second,
		JitterEnabled:            true,
		RotateUserAgents:         true,
		UserAgents:               DefaultUserAgents(),
		UserAgentStrategy:        UserAgentRoundRobin,
		DomainLimits:             make(map[string]DomainLimitConfig),
		QueueHighPriority:        true,
		MaxQueueSize:             100,
		QueueTimeout:             30 * time.Second,
		QueueDrainInterval:       250 * time.Millisecond,
		StatsWindowSize:          100,
		DomainIdleTTL:            10 * time.Minute,
		StoreTimeout:             100 * time.Millisecond,
		StoreErrorLogInterval:    30 * time.Second,
	}
}

// DefaultUserAgents retorna o pool padrão de user agents de navegadores desktop
func DefaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.2478.80",
	}
}

// NormalizeDomain reduz o nome do domínio à forma usada como chave
func NormalizeDomain(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Normalized retorna uma cópia com os campos ausentes dos overrides preenchidos pelos padrões.
// As chaves dos overrides passam por NormalizeDomain; colisões são rejeitadas por Validate.
func (c LimiterConfig) Normalized() LimiterConfig {
	if c.DefaultPriority == "" {
		c.DefaultPriority = PriorityNormal
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = 1
	}
	if c.UserAgentStrategy == "" {
		c.UserAgentStrategy = UserAgentRoundRobin
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = DefaultUserAgents()
		c.UserAgentWeights = nil
	}

	limits := make(map[string]DomainLimitConfig, len(c.DomainLimits))
	collisions := append([]string(nil), c.overrideCollisions...)
	for raw, override := range c.DomainLimits {
		name := NormalizeDomain(raw)
		if _, dup := limits[name]; dup {
			collisions = append(collisions, name)
		}
		if override.BurstSize == 0 {
			override.BurstSize = c.BurstSize
		}
		if override.Priority == "" {
			override.Priority = c.DefaultPriority
		}
		if override.MinDelayMs == 0 {
			override.MinDelayMs = c.MinDelayMs
		}
		if override.MaxDelayMs == 0 {
			override.MaxDelayMs = c.MaxDelayMs
		}
		limits[name] = override
	}
	sort.Strings(collisions)
	c.DomainLimits = limits
	c.overrideCollisions = collisions
	return c
}

// Resolve retorna a configuração efetiva de um domínio
// Override presente vence; caso contrário usa os padrões globais
func (c LimiterConfig) Resolve(domain string) DomainLimitConfig {
	if override, ok := c.DomainLimits[domain]; ok {
		return override
	}
	if override, ok := c.DomainLimits[NormalizeDomain(domain)]; ok {
		return override
	}
	return DomainLimitConfig{
		RequestsPerSecond: c.RequestsPerSecond,
		BurstSize:         c.BurstSize,
		Priority:          c.DefaultPriority,
		MinDelayMs:        c.MinDelayMs,
		MaxDelayMs:        c.MaxDelayMs,
	}
}

// Validate verifica a configuração; erros embrulham ErrInvalidConfig
func (c LimiterConfig) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return invalid("requestsPerSecond must be greater than 0")
	}
	if c.BurstSize <= 0 {
		return invalid("burstSize must be greater than 0")
	}
	if c.DefaultPriority != "" && !c.DefaultPriority.Valid() {
		return invalid("unknown default priority %q", c.DefaultPriority)
	}
	if c.MinDelayMs < 0 || c.MaxDelayMs < 0 {
		return invalid("delays cannot be negative")
	}
	if c.CircuitBreakerThreshold <= 0 {
		return invalid("circuitBreakerThreshold must be greater than 0")
	}
	if c.CircuitBreakerTimeout <= 0 {
		return invalid("circuitBreakerTimeout must be greater than 0")
	}
	if c.EnableExponentialBackoff {
		if c.InitialBackoff <= 0 {
			return invalid("initialBackoff must be greater than 0")
		}
		if c.MaxBackoff < c.InitialBackoff {
			return invalid("maxBackoff must be greater than or equal to initialBackoff")
		}
	}
	if c.AdaptiveThrottling {
		if err := c.Adaptive.validate(); err != nil {
			return err
		}
	}
	switch c.UserAgentStrategy {
	case "", UserAgentRoundRobin, UserAgentWeightedRandom:
	default:
		return invalid("unknown user agent strategy %q", c.UserAgentStrategy)
	}
	if len(c.UserAgentWeights) > 0 {
		if len(c.UserAgentWeights) != len(c.UserAgents) {
			return invalid("userAgentWeights must have one weight per user agent")
		}
		for _, w := range c.UserAgentWeights {
			if w < 0 {
				return invalid("user agent weights cannot be negative")
			}
		}
	}
	if c.QueueHighPriority {
		if c.MaxQueueSize <= 0 {
			return invalid("maxQueueSize must be greater than 0")
		}
		if c.QueueTimeout <= 0 {
			return invalid("queueTimeout must be greater than 0")
		}
	}
	if c.QueueDrainInterval < 0 || c.DomainIdleTTL < 0 {
		return invalid("intervals cannot be negative")
	}
	if c.StatsWindowSize <= 0 {
		return invalid("statsWindowSize must be greater than 0")
	}
	if c.UseRedis && c.StoreTimeout <= 0 {
		return invalid("storeTimeout must be greater than 0")
	}

	if len(c.overrideCollisions) > 0 {
		return invalid("duplicate domain override %q", c.overrideCollisions[0])
	}
	seen := make(map[string]string, len(c.DomainLimits))
	for name, override := range c.DomainLimits {
		key := NormalizeDomain(name)
		if key == "" {
			return invalid("domain override with empty name")
		}
		if other, dup := seen[key]; dup {
			return invalid("domain overrides %q and %q refer to the same domain", other, name)
		}
		seen[key] = name
		if override.RequestsPerSecond <= 0 {
			return invalid("requestsPerSecond for %s must be greater than 0", name)
		}
		if override.BurstSize < 0 {
			return invalid("burstSize for %s cannot be negative", name)
		}
		if override.Priority != "" && !override.Priority.Valid() {
			return invalid("unknown priority %q for %s", override.Priority, name)
		}
		if override.MinDelayMs < 0 || override.MaxDelayMs < 0 {
			return invalid("delays for %s cannot be negative", name)
		}
	}

	return nil
}

func (t AdaptiveTuning) validate() error {
	if t.DecreaseFactor <= 0 || t.DecreaseFactor >= 1 {
		return invalid("adaptive decreaseFactor must be in (0, 1)")
	}
	if t.IncreaseFactor <= 1 {
		return invalid("adaptive increaseFactor must be greater than 1")
	}
	if t.SlowResponseThreshold > 0 && (t.SlowDecreaseFactor <= 0 || t.SlowDecreaseFactor > 1) {
		return invalid("adaptive slowDecreaseFactor must be in (0, 1]")
	}
	if t.FailureStreak <= 0 {
		return invalid("adaptive failureStreak must be greater than 0")
	}
	if t.MinRateFactor <= 0 || t.MinRateFactor > 1 {
		return invalid("adaptive minRateFactor must be in (0, 1]")
	}
	if t.MaxRateFactor < 1 {
		return invalid("adaptive maxRateFactor must be at least 1")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
