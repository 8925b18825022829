package domain

import (
	"context"
	"time"
)

// Priority define a prioridade de uma requisição de saída
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank retorna o peso numérico da prioridade (maior = mais urgente)
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Valid indica se a prioridade é conhecida
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// CircuitState representa o estado do circuit breaker de um domínio
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Motivos de negação retornados em RateLimitDecision.Reason
const (
	ReasonRateLimited   = "Rate limit exceeded"
	ReasonCircuitOpen   = "Circuit breaker open"
	ReasonQueued        = "Queued for priority processing"
	ReasonQueueTimeout  = "Queue timeout"
	ReasonQueueFull     = "Queue full"
	ReasonLimiterClosed = "Rate limiter closed"
	ReasonWaitCanceled  = "Queue wait canceled"
)

// DomainLimitConfig define os limites aplicados a um domínio
type DomainLimitConfig struct {
	RequestsPerSecond float64  `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	BurstSize         int      `json:"burstSize" yaml:"burstSize"`
	Priority          Priority `json:"priority" yaml:"priority"`
	MinDelayMs        int      `json:"minDelayMs" yaml:"minDelayMs"` // Espaçamento mínimo entre requisições liberadas
	MaxDelayMs        int      `json:"maxDelayMs" yaml:"maxDelayMs"` // Teto para qualquer waitTimeMs reportado
}

// CheckOptions são as opções de uma verificação de rate limit
type CheckOptions struct {
	Priority   Priority `json:"priority,omitempty"`
	RetryCount int      `json:"retryCount,omitempty"`
}

// RequestOutcome representa o resultado de uma requisição já executada
type RequestOutcome struct {
	Domain         string    `json:"domain"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	StatusCode     int       `json:"statusCode"`
	Success        bool      `json:"success"`
	RetryCount     int       `json:"retryCount"`
}

// IsFailure indica se o resultado deve contar como falha do upstream
func (o RequestOutcome) IsFailure() bool {
	return !o.Success || o.StatusCode == 429 || o.StatusCode >= 500
}

// RateLimitDecision representa o resultado de uma verificação de admissão
type RateLimitDecision struct {
	Allowed         bool    `json:"allowed"`
	WaitTimeMs      int64   `json:"waitTimeMs"`
	TokensRemaining float64 `json:"tokensRemaining"`
	Reason          string  `json:"reason,omitempty"`
	UserAgent       string  `json:"userAgent,omitempty"`
	Queued          bool    `json:"queued,omitempty"`

	// Ticket é preenchido quando a requisição foi enfileirada (Queued=true)
	Ticket *Ticket `json:"-"`
}

// Wait aguarda a resolução de uma decisão enfileirada.
// Decisões não enfileiradas são retornadas como estão.
func (d RateLimitDecision) Wait(ctx context.Context) RateLimitDecision {
	if !d.Queued || d.Ticket == nil {
		return d
	}
	return d.Ticket.Wait(ctx)
}

// QueueEntry representa uma requisição aguardando na fila de prioridade
type QueueEntry struct {
	ID         string    `json:"id"`
	Domain     string    `json:"domain"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	RetryCount int       `json:"retryCount"`
	Ticket     *Ticket   `json:"-"`
}

// RateLimiterStatistics representa as estatísticas atuais de um domínio
type RateLimiterStatistics struct {
	Domain              string       `json:"domain"`
	RequestsPerMinute   int          `json:"requestsPerMinute"`
	SuccessRate         float64      `json:"successRate"`         // Fração entre 0 e 1
	AverageResponseTime float64      `json:"averageResponseTime"` // Em milissegundos
	CurrentRate         float64      `json:"currentRate"`
	CircuitBreakerState CircuitState `json:"circuitBreakerState"`
	TokensRemaining     float64      `json:"tokensRemaining"`
	QueueLength         int          `json:"queueLength"`
	TotalRequests       int64        `json:"totalRequests"`
	TotalDenied         int64        `json:"totalDenied"`
}

// TokenResult é o resultado de um consumo em um TokenStore compartilhado
type TokenResult struct {
	Granted bool
	Tokens  float64
}
