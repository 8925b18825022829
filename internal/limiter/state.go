package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"domain-limiter/internal/domain"
)

// TokenTaker consome um token do bucket de um domínio
// A implementação local usa o TokenBucket; a compartilhada usa um domain.TokenStore.
type TokenTaker interface {
	Take(ctx context.Context, domainName string, now time.Time, bucket *TokenBucket) (granted bool, tokensRemaining float64, waitTimeMs int64)
}

// LocalTaker consome direto do bucket em memória
type LocalTaker struct{}

// Take implementa TokenTaker
func (LocalTaker) Take(_ context.Context, _ string, now time.Time, bucket *TokenBucket) (bool, float64, int64) {
	return bucket.TryConsume(now)
}

// ReportResult descreve o efeito de um resultado reportado
type ReportResult struct {
	StateBefore domain.CircuitState
	StateAfter  domain.CircuitState
	RateBefore  float64
	RateAfter   float64
}

// DomainState agrega todo o estado mutável de um domínio
// Toda mutação acontece sob mu; domínios diferentes nunca compartilham lock.
type DomainState struct {
	mu sync.Mutex

	name   string
	cfg    domain.DomainLimitConfig
	limits *domain.LimiterConfig
	rnd    func() float64

	bucket   *TokenBucket
	breaker  *CircuitBreaker
	adaptive *AdaptiveController
	queue    *RequestQueue
	agents   *UserAgentRotator
	window   *OutcomeWindow

	lastGrantAt   time.Time
	totalRequests int64
	totalDenied   int64
	closed        bool

	lastAccess atomic.Int64
}

// NewDomainState cria o estado de um domínio a partir da sua configuração resolvida
func NewDomainState(name string, cfg domain.DomainLimitConfig, limits *domain.LimiterConfig, now time.Time, rnd func() float64) *DomainState {
	bucket := NewTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)

	s := &DomainState{
		name:     name,
		cfg:      cfg,
		limits:   limits,
		rnd:      rnd,
		bucket:   bucket,
		breaker:  NewCircuitBreaker(limits.CircuitBreakerThreshold, limits.CircuitBreakerTimeout, limits.HalfOpenSuccessThreshold),
		adaptive: NewAdaptiveController(bucket, cfg.RequestsPerSecond, limits.Adaptive, limits.AdaptiveThrottling),
		queue:    NewRequestQueue(limits.MaxQueueSize),
		agents:   NewUserAgentRotator(limits.UserAgents, limits.UserAgentWeights, limits.UserAgentStrategy, rnd),
		window:   NewOutcomeWindow(limits.StatsWindowSize),
	}
	s.Touch(now)
	return s
}

// Name retorna o domínio
func (s *DomainState) Name() string {
	return s.name
}

// Config retorna a configuração resolvida do domínio
func (s *DomainState) Config() domain.DomainLimitConfig {
	return s.cfg
}

// Touch marca o último acesso ao domínio
func (s *DomainState) Touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

// LastAccess retorna o último acesso ao domínio
func (s *DomainState) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// Check executa a decisão de admissão: breaker, espaçamento mínimo, bucket,
// backoff para retries e fila para prioridade alta.
// O instante da decisão é lido de clk já com o lock do domínio.
func (s *DomainState) Check(ctx context.Context, clk domain.Clock, opts domain.CheckOptions, taker TokenTaker) domain.RateLimitDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := clk.Now()

	if s.closed {
		return domain.RateLimitDecision{Allowed: false, Reason: domain.ReasonLimiterClosed}
	}

	s.totalRequests++
	priority := opts.Priority
	if priority == "" {
		priority = s.cfg.Priority
	}

	if ok, wait := s.breaker.Admit(now); !ok {
		s.totalDenied++
		return domain.RateLimitDecision{
			Allowed:         false,
			WaitTimeMs:      s.capWait(wait),
			TokensRemaining: s.bucket.Tokens(now),
			Reason:          domain.ReasonCircuitOpen,
		}
	}

	var (
		granted bool
		tokens  float64
		wait    int64
	)
	if spacing := s.spacingLeft(now); spacing > 0 {
		tokens, wait = s.bucket.Tokens(now), ceilMs(spacing)
	} else {
		granted, tokens, wait = taker.Take(ctx, s.name, now, s.bucket)
	}

	if granted {
		s.lastGrantAt = now
		return domain.RateLimitDecision{
			Allowed:         true,
			TokensRemaining: tokens,
			UserAgent:       s.nextUserAgent(),
		}
	}

	// A requisição não vai sair; libera o slot de teste do half-open
	s.breaker.ReleaseTrial()

	if opts.RetryCount > 0 && s.limits.EnableExponentialBackoff {
		backoff := BackoffDelay(opts.RetryCount, s.limits.InitialBackoff, s.limits.MaxBackoff, s.limits.JitterEnabled, s.rnd)
		wait = backoff.Milliseconds()
	}

	decision := domain.RateLimitDecision{
		Allowed:         false,
		WaitTimeMs:      s.capWait(wait),
		TokensRemaining: tokens,
		Reason:          domain.ReasonRateLimited,
	}

	if priority == domain.PriorityHigh && s.limits.QueueHighPriority {
		id := uuid.NewString()
		entry := domain.QueueEntry{
			ID:         id,
			Domain:     s.name,
			Priority:   priority,
			EnqueuedAt: now,
			RetryCount: opts.RetryCount,
			Ticket:     domain.NewTicket(id),
		}
		queued := s.queue.Enqueue(entry)
		s.countDropped()
		if queued {
			decision.Reason = domain.ReasonQueued
			decision.Queued = true
			decision.Ticket = entry.Ticket
			return decision
		}
		decision.Reason = domain.ReasonQueueFull
	}

	s.totalDenied++
	return decision
}

// Report aplica um resultado ao breaker, ao controle adaptativo e à janela de estatísticas
func (s *DomainState) Report(now time.Time, outcome domain.RequestOutcome) ReportResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ReportResult{
		StateBefore: s.breaker.State(),
		RateBefore:  s.adaptive.Current(),
	}

	at := outcome.Timestamp
	if at.IsZero() {
		at = now
	}
	failure := outcome.IsFailure()
	s.window.Add(at, outcome.ResponseTimeMs, !failure)

	if failure {
		s.breaker.RecordFailure(now)
	} else {
		s.breaker.RecordSuccess()
	}
	s.adaptive.OnOutcome(now, outcome)

	result.StateAfter = s.breaker.State()
	result.RateAfter = s.adaptive.Current()
	return result
}

// Drain libera as entradas da fila que o bucket comporta e expira as antigas.
// Com o breaker fora de closed nada é liberado.
func (s *DomainState) Drain(ctx context.Context, clk domain.Clock, taker TokenTaker) (granted, expired []domain.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := clk.Now()

	if s.queue.Len() == 0 {
		return nil, nil
	}

	open := s.breaker.StateAt(now) != domain.CircuitClosed
	var lastTokens float64
	consume := func() bool {
		if open || s.spacingLeft(now) > 0 {
			return false
		}
		ok, tokens, _ := taker.Take(ctx, s.name, now, s.bucket)
		lastTokens = tokens
		if ok {
			s.lastGrantAt = now
		}
		return ok
	}

	granted, expired = s.queue.Drain(now, s.limits.QueueTimeout, consume)
	s.countDropped()

	for _, entry := range granted {
		entry.Ticket.Resolve(domain.RateLimitDecision{
			Allowed:         true,
			TokensRemaining: lastTokens,
			UserAgent:       s.nextUserAgent(),
		})
	}
	for _, entry := range expired {
		s.totalDenied++
		entry.Ticket.Resolve(domain.RateLimitDecision{
			Allowed: false,
			Reason:  domain.ReasonQueueTimeout,
		})
	}
	return granted, expired
}

// Statistics retorna as estatísticas correntes do domínio
func (s *DomainState) Statistics(now time.Time) domain.RateLimiterStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue.PurgeCanceled()
	s.countDropped()

	rpm, successRate, avg := s.window.Summary(now)
	return domain.RateLimiterStatistics{
		Domain:              s.name,
		RequestsPerMinute:   rpm,
		SuccessRate:         successRate,
		AverageResponseTime: avg,
		CurrentRate:         s.adaptive.Current(),
		CircuitBreakerState: s.breaker.StateAt(now),
		TokensRemaining:     s.bucket.Tokens(now),
		QueueLength:         s.queue.Len(),
		TotalRequests:       s.totalRequests,
		TotalDenied:         s.totalDenied,
	}
}

// QueueLen retorna o tamanho da fila do domínio
func (s *DomainState) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Reset volta o domínio ao estado inicial; entradas pendentes são negadas
// antes de zerar os contadores.
func (s *DomainState) Reset(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.resolvePending(domain.ReasonRateLimited)

	s.breaker.Reset()
	s.adaptive.Reset(now)
	s.bucket.Reset(s.cfg.RequestsPerSecond)
	s.window.Clear()
	s.lastGrantAt = time.Time{}
	s.totalRequests = 0
	s.totalDenied = 0

	return pending
}

// Shutdown nega as entradas pendentes e recusa novas verificações
func (s *DomainState) Shutdown() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return s.resolvePending(domain.ReasonLimiterClosed)
}

// Idle indica se o domínio pode ser descartado: sem acesso há ttl, breaker fechado e fila vazia
func (s *DomainState) Idle(now time.Time, ttl time.Duration) bool {
	if now.Sub(s.LastAccess()) < ttl {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.PurgeCanceled()
	s.countDropped()
	return s.breaker.State() == domain.CircuitClosed && s.queue.Len() == 0
}

// resolvePending nega tudo o que está na fila; cada entrada conta como negada
func (s *DomainState) resolvePending(reason string) int {
	pending := s.queue.Clear()
	for _, entry := range pending {
		entry.Ticket.Resolve(domain.RateLimitDecision{Allowed: false, Reason: reason})
	}
	s.totalDenied += int64(len(pending))
	s.countDropped()
	return len(pending)
}

// countDropped contabiliza como negadas as entradas que desistiram da fila
func (s *DomainState) countDropped() {
	s.totalDenied += int64(s.queue.TakeDropped())
}

// spacingLeft retorna quanto falta para respeitar o MinDelayMs do domínio
func (s *DomainState) spacingLeft(now time.Time) time.Duration {
	if s.cfg.MinDelayMs <= 0 || s.lastGrantAt.IsZero() {
		return 0
	}
	minDelay := time.Duration(s.cfg.MinDelayMs) * time.Millisecond
	if elapsed := now.Sub(s.lastGrantAt); elapsed < minDelay {
		return minDelay - elapsed
	}
	return 0
}

func (s *DomainState) capWait(wait int64) int64 {
	if s.cfg.MaxDelayMs > 0 && wait > int64(s.cfg.MaxDelayMs) {
		return int64(s.cfg.MaxDelayMs)
	}
	return wait
}

func (s *DomainState) nextUserAgent() string {
	if !s.limits.RotateUserAgents {
		return ""
	}
	return s.agents.Next()
}
