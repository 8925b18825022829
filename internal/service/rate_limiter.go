package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"domain-limiter/internal/clock"
	"domain-limiter/internal/domain"
	"domain-limiter/internal/limiter"
	"domain-limiter/internal/logger"
	"domain-limiter/internal/storage"
)

// ErrLimiterClosed é retornado pelas operações administrativas após Close
var ErrLimiterClosed = errors.New("rate limiter closed")

// decisionLogger é implementado pelo logger estruturado
type decisionLogger interface {
	LogDecisionEvent(domainName string, decision domain.RateLimitDecision, fields map[string]interface{})
}

// Option configura dependências opcionais do serviço
type Option func(*RateLimiterService)

// WithClock substitui o relógio de parede
func WithClock(c domain.Clock) Option {
	return func(s *RateLimiterService) {
		s.clock = c
	}
}

// WithTokenStore ativa a contabilidade compartilhada de tokens
func WithTokenStore(store domain.TokenStore) Option {
	return func(s *RateLimiterService) {
		s.store = store
	}
}

// WithRandom substitui a fonte de aleatoriedade do jitter e da rotação ponderada
func WithRandom(rnd func() float64) Option {
	return func(s *RateLimiterService) {
		s.rnd = rnd
	}
}

// RateLimiterService implementa o rate limiter adaptativo por domínio
type RateLimiterService struct {
	config   domain.LimiterConfig
	registry *storage.MemoryStorage
	store    domain.TokenStore
	clock    domain.Clock
	rnd      func() float64
	logger   domain.Logger
	taker    limiter.TokenTaker
	driver   *queueDriver

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// NewRateLimiterService valida a configuração e cria o serviço.
// registry nil cria um registro próprio; cfg nil usa os padrões.
func NewRateLimiterService(cfg *domain.LimiterConfig, registry *storage.MemoryStorage, log domain.Logger, opts ...Option) (*RateLimiterService, error) {
	base := domain.DefaultLimiterConfig()
	if cfg != nil {
		base = *cfg
	}

	config := base.Normalized()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	if log == nil {
		log = logger.NewLogger("info", "json")
	}

	s := &RateLimiterService{
		config: config,
		clock:  clock.NewReal(),
		rnd:    rand.Float64,
		logger: log,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = registry
	if s.registry == nil {
		s.registry = storage.NewMemoryStorage(s.clock, config.DomainIdleTTL, log)
	}

	s.taker = limiter.LocalTaker{}
	if s.store != nil {
		s.taker = newStoreTaker(s.store, config.StoreTimeout, config.StoreErrorLogInterval, log)
	} else if config.UseRedis {
		log.Warn("UseRedis enabled without a token store, using local accounting", nil)
	}

	s.registry.StartJanitor(janitorInterval(config.DomainIdleTTL))

	if config.QueueHighPriority && config.QueueDrainInterval > 0 {
		s.driver = newQueueDriver(s.clock, config.QueueDrainInterval, s.drainAll)
		s.driver.start()
	}

	log.Info("Rate limiter service initialized", map[string]interface{}{
		"requests_per_second": config.RequestsPerSecond,
		"burst_size":          config.BurstSize,
		"adaptive":            config.AdaptiveThrottling,
		"domain_overrides":    len(config.DomainLimits),
		"shared_store":        s.store != nil,
	})

	return s, nil
}

// CheckRateLimit decide se uma requisição de saída para o domínio pode seguir
func (s *RateLimiterService) CheckRateLimit(ctx context.Context, domainName string, opts domain.CheckOptions) domain.RateLimitDecision {
	name := NormalizeDomain(domainName)
	if s.closed.Load() {
		return domain.RateLimitDecision{Allowed: false, Reason: domain.ReasonLimiterClosed}
	}

	if opts.Priority != "" && !opts.Priority.Valid() {
		opts.Priority = ""
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}

	st := s.registry.GetOrCreate(name, s.newState(name, s.clock.Now()))
	decision := st.Check(ctx, s.clock, opts, s.taker)

	// Close concorrente: o estado pode ter ficado fora do registro
	if s.closed.Load() {
		st.Shutdown()
		if decision.Queued {
			decision = decision.Ticket.Wait(ctx)
		}
	}

	s.logDecision(ctx, name, decision, opts)
	return decision
}

// ReportRequestResult registra o resultado de uma requisição e drena a fila do domínio
func (s *RateLimiterService) ReportRequestResult(ctx context.Context, outcome domain.RequestOutcome) {
	if s.closed.Load() {
		return
	}

	name := NormalizeDomain(outcome.Domain)
	outcome.Domain = name
	now := s.clock.Now()
	st := s.registry.GetOrCreate(name, s.newState(name, now))

	result := st.Report(now, outcome)
	log := s.logger.WithContext(ctx)

	if result.StateBefore != result.StateAfter {
		fields := map[string]interface{}{
			"domain": name,
			"from":   string(result.StateBefore),
			"to":     string(result.StateAfter),
		}
		if result.StateAfter == domain.CircuitOpen {
			log.Warn("Circuit breaker opened", fields)
		} else {
			log.Info("Circuit breaker state changed", fields)
		}
	}

	if result.RateBefore != result.RateAfter {
		log.Debug("Adaptive rate adjusted", map[string]interface{}{
			"domain":      name,
			"rate_before": result.RateBefore,
			"rate_after":  result.RateAfter,
			"status_code": outcome.StatusCode,
		})
	}

	s.drain(ctx, st)
}

// ProcessQueue libera as requisições enfileiradas que o bucket atual comporta
func (s *RateLimiterService) ProcessQueue(ctx context.Context, domainName string) []domain.QueueEntry {
	if s.closed.Load() {
		return nil
	}

	st, ok := s.registry.Get(NormalizeDomain(domainName))
	if !ok {
		return nil
	}
	return s.drain(ctx, st)
}

// GetStatistics retorna as estatísticas atuais de um domínio.
// Domínio sem estado retorna os valores iniciais sem criá-lo.
func (s *RateLimiterService) GetStatistics(domainName string) domain.RateLimiterStatistics {
	name := NormalizeDomain(domainName)
	if st, ok := s.registry.Get(name); ok {
		return st.Statistics(s.clock.Now())
	}

	cfg := s.config.Resolve(name)
	return domain.RateLimiterStatistics{
		Domain:              name,
		SuccessRate:         1,
		CurrentRate:         cfg.RequestsPerSecond,
		CircuitBreakerState: domain.CircuitClosed,
		TokensRemaining:     float64(cfg.BurstSize),
	}
}

// GetAllStatistics retorna as estatísticas de todos os domínios ativos ordenadas por domínio
func (s *RateLimiterService) GetAllStatistics() []domain.RateLimiterStatistics {
	now := s.clock.Now()
	stats := make([]domain.RateLimiterStatistics, 0, s.registry.Len())
	s.registry.Range(func(st *limiter.DomainState) bool {
		stats = append(stats, st.Statistics(now))
		return true
	})

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Domain < stats[j].Domain
	})
	return stats
}

// ResolveConfig retorna a configuração efetiva de um domínio
func (s *RateLimiterService) ResolveConfig(domainName string) domain.DomainLimitConfig {
	return s.config.Resolve(NormalizeDomain(domainName))
}

// Config retorna a configuração normalizada do serviço
func (s *RateLimiterService) Config() domain.LimiterConfig {
	return s.config
}

// Reset limpa o estado de um domínio
func (s *RateLimiterService) Reset(ctx context.Context, domainName string) error {
	if s.closed.Load() {
		return ErrLimiterClosed
	}

	name := NormalizeDomain(domainName)
	pending := 0
	if st, ok := s.registry.Get(name); ok {
		pending = st.Reset(s.clock.Now())
	}

	if s.store != nil {
		if err := s.store.Reset(ctx, storage.BuildKey(name)); err != nil {
			s.logger.Error("Failed to reset shared bucket", err, map[string]interface{}{
				"domain": name,
			})
			return fmt.Errorf("failed to reset domain %s: %w", name, err)
		}
	}

	s.logger.WithContext(ctx).Info("Domain rate limit reset", map[string]interface{}{
		"domain":           name,
		"pending_rejected": pending,
	})
	return nil
}

// ResetAll limpa o estado de todos os domínios
func (s *RateLimiterService) ResetAll(ctx context.Context) error {
	if s.closed.Load() {
		return ErrLimiterClosed
	}

	now := s.clock.Now()
	var names []string
	s.registry.Range(func(st *limiter.DomainState) bool {
		st.Reset(now)
		names = append(names, st.Name())
		return true
	})

	var errs []error
	if s.store != nil {
		for _, name := range names {
			if err := s.store.Reset(ctx, storage.BuildKey(name)); err != nil {
				errs = append(errs, fmt.Errorf("failed to reset domain %s: %w", name, err))
			}
		}
	}

	s.logger.WithContext(ctx).Info("All domain rate limits reset", map[string]interface{}{
		"domains": len(names),
	})
	return errors.Join(errs...)
}

// Health verifica o registro e o backend de tokens, quando houver
func (s *RateLimiterService) Health(ctx context.Context) error {
	if s.closed.Load() {
		return ErrLimiterClosed
	}
	if err := s.registry.Health(ctx); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.Health(ctx); err != nil {
			return fmt.Errorf("token store unhealthy: %w", err)
		}
	}
	return nil
}

// StorageStats descreve o registro de domínios e o backend de tokens em uso
func (s *RateLimiterService) StorageStats() map[string]interface{} {
	stats := s.registry.GetStats()
	stats["token_store"] = "local"
	if s.store != nil {
		stats["token_store"] = "redis"
	}
	return stats
}

// Close para os timers, nega as entradas pendentes e fecha o backend; idempotente
func (s *RateLimiterService) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		if s.driver != nil {
			s.driver.stop()
		}

		rejected := 0
		s.registry.Range(func(st *limiter.DomainState) bool {
			rejected += st.Shutdown()
			return true
		})

		if err := s.registry.Close(); err != nil {
			s.closeErr = err
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.closeErr = errors.Join(s.closeErr, fmt.Errorf("failed to close token store: %w", err))
			}
		}

		s.logger.Info("Rate limiter service closed", map[string]interface{}{
			"pending_rejected": rejected,
		})
	})
	return s.closeErr
}

func (s *RateLimiterService) newState(name string, now time.Time) func() *limiter.DomainState {
	return func() *limiter.DomainState {
		return limiter.NewDomainState(name, s.config.Resolve(name), &s.config, now, s.rnd)
	}
}

func (s *RateLimiterService) drain(ctx context.Context, st *limiter.DomainState) []domain.QueueEntry {
	granted, expired := st.Drain(ctx, s.clock, s.taker)
	if len(granted) > 0 || len(expired) > 0 {
		s.logger.WithContext(ctx).Debug("Queue processed", map[string]interface{}{
			"domain":  st.Name(),
			"granted": len(granted),
			"expired": len(expired),
		})
	}
	return granted
}

// drainAll é o tick do driver periódico da fila
func (s *RateLimiterService) drainAll() {
	if s.closed.Load() {
		return
	}
	s.registry.Range(func(st *limiter.DomainState) bool {
		if st.QueueLen() > 0 {
			s.drain(context.Background(), st)
		}
		return true
	})
}

func (s *RateLimiterService) logDecision(ctx context.Context, name string, decision domain.RateLimitDecision, opts domain.CheckOptions) {
	log := s.logger.WithContext(ctx)
	fields := map[string]interface{}{
		"priority":    string(opts.Priority),
		"retry_count": opts.RetryCount,
	}

	if dl, ok := log.(decisionLogger); ok {
		dl.LogDecisionEvent(name, decision, fields)
		return
	}

	fields["domain"] = name
	fields["allowed"] = decision.Allowed
	fields["reason"] = decision.Reason
	log.Debug("Rate limit check completed", fields)
}

// NormalizeDomain reduz o domínio à forma usada como chave do registro
func NormalizeDomain(name string) string {
	return domain.NormalizeDomain(name)
}

// janitorInterval define a frequência da limpeza de domínios ociosos
func janitorInterval(idleTTL time.Duration) time.Duration {
	if idleTTL <= 0 {
		return 0
	}
	if interval := idleTTL / 2; interval > time.Second {
		return interval
	}
	return time.Second
}
