package domain

import (
	"context"
	"time"
)

// Clock abstrai o relógio de parede e callbacks agendados
// Permite testes determinísticos com um relógio falso
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer é um callback agendado que pode ser cancelado
type Timer interface {
	// Stop cancela o timer; retorna false se ele já disparou ou foi parado
	Stop() bool
}

// TokenStore define o backend compartilhado de tokens usado em modo multi-processo
// Refill e consumo acontecem em uma única operação atômica no backend
type TokenStore interface {
	// Take reabastece o bucket da chave e tenta consumir um token
	Take(ctx context.Context, key string, capacity int, ratePerSec float64, now time.Time) (TokenResult, error)

	// Reset remove o estado de uma chave
	Reset(ctx context.Context, key string) error

	// Health verifica se o backend está saudável
	Health(ctx context.Context) error

	// Close fecha a conexão com o backend
	Close() error
}

// RateLimiterService define a interface pública do rate limiter por domínio
type RateLimiterService interface {
	// CheckRateLimit decide se uma requisição de saída para o domínio pode seguir
	CheckRateLimit(ctx context.Context, domain string, opts CheckOptions) RateLimitDecision

	// ReportRequestResult registra o resultado de uma requisição já executada
	ReportRequestResult(ctx context.Context, outcome RequestOutcome)

	// ProcessQueue libera as requisições enfileiradas que o bucket atual comporta
	ProcessQueue(ctx context.Context, domain string) []QueueEntry

	// GetStatistics retorna as estatísticas atuais de um domínio
	GetStatistics(domain string) RateLimiterStatistics

	// GetAllStatistics retorna as estatísticas de todos os domínios ativos
	GetAllStatistics() []RateLimiterStatistics

	// ResolveConfig retorna a configuração efetiva de um domínio
	ResolveConfig(domain string) DomainLimitConfig

	// Reset limpa o estado de um domínio
	Reset(ctx context.Context, domain string) error

	// ResetAll limpa o estado de todos os domínios
	ResetAll(ctx context.Context) error

	// Health verifica o backend de tokens, quando houver
	Health(ctx context.Context) error

	// Close libera timers e conexões; idempotente
	Close() error
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ConfigLoader define a interface para carregamento de configurações
type ConfigLoader interface {
	LoadConfig() (*LimiterConfig, error)
	LoadDomainLimits() (*DomainLimitsFile, error)
	Reload() error
}
