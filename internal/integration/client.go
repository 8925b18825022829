package integration

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"domain-limiter/internal/clock"
	"domain-limiter/internal/domain"
	"domain-limiter/internal/limiter"
)

var (
	// ErrRateLimited indica que o limiter negou a requisição após esgotar os retries
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen indica que o circuit breaker do domínio está aberto
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidURL indica que não foi possível extrair o domínio da URL
	ErrInvalidURL = errors.New("invalid url")

	// ErrUpstreamStatus indica que o upstream respondeu com status de erro
	ErrUpstreamStatus = errors.New("upstream returned error status")
)

// DeniedError descreve uma negação do limiter
type DeniedError struct {
	Domain   string
	Decision domain.RateLimitDecision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %dms)", e.Domain, e.Decision.Reason, e.Decision.WaitTimeMs)
}

// Unwrap permite errors.Is com ErrCircuitOpen e ErrRateLimited
func (e *DeniedError) Unwrap() error {
	if e.Decision.Reason == domain.ReasonCircuitOpen {
		return ErrCircuitOpen
	}
	return ErrRateLimited
}

// Operation executa a requisição de saída com o user agent liberado pelo limiter
type Operation func(ctx context.Context, userAgent string) (statusCode int, err error)

// ExecuteOptions são as opções de uma execução
type ExecuteOptions struct {
	Priority   domain.Priority
	MaxRetries int // negativo usa o padrão do cliente
}

// Client envolve operações de saída com verificação, report e retry
type Client struct {
	limiter domain.RateLimiterService
	logger  domain.Logger
	clock   domain.Clock
	sleep   func(ctx context.Context, d time.Duration) error
	rnd     func() float64

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	jitter         bool
}

// ClientOption configura o Client
type ClientOption func(*Client)

// WithMaxRetries define o número padrão de retries
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBackoff define o backoff aplicado a operações que falharam
func WithBackoff(initial, max time.Duration, jitter bool) ClientOption {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
		c.jitter = jitter
	}
}

// WithClock substitui o relógio usado para medir a latência
func WithClock(cl domain.Clock) ClientOption {
	return func(c *Client) {
		c.clock = cl
	}
}

// WithSleep substitui a espera entre tentativas
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// NewClient cria um cliente sobre o rate limiter
func NewClient(rl domain.RateLimiterService, logger domain.Logger, opts ...ClientOption) *Client {
	defaults := domain.DefaultLimiterConfig()
	c := &Client{
		limiter:        rl,
		logger:         logger,
		clock:          clock.NewReal(),
		sleep:          sleepContext,
		maxRetries:     3,
		initialBackoff: defaults.InitialBackoff,
		maxBackoff:     defaults.MaxBackoff,
		jitter:         defaults.JitterEnabled,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute verifica o limite do domínio da URL, executa op e reporta o resultado.
// Negações esperam waitTimeMs e tentam de novo; falhas retentáveis usam backoff exponencial.
func (c *Client) Execute(ctx context.Context, rawURL string, opts ExecuteOptions, op Operation) (int, error) {
	name, err := DomainFromURL(rawURL)
	if err != nil {
		return 0, err
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = c.maxRetries
	}

	for attempt := 0; ; attempt++ {
		decision := c.limiter.CheckRateLimit(ctx, name, domain.CheckOptions{Priority: opts.Priority, RetryCount: attempt})
		if decision.Queued {
			decision = decision.Wait(ctx)
		}

		if !decision.Allowed {
			denied := &DeniedError{Domain: name, Decision: decision}
			if decision.Reason == domain.ReasonLimiterClosed || decision.Reason == domain.ReasonWaitCanceled || attempt >= maxRetries {
				return 0, denied
			}
			c.debug("Request denied, waiting before retry", name, attempt, decision.WaitTimeMs)
			if err := c.sleep(ctx, time.Duration(decision.WaitTimeMs)*time.Millisecond); err != nil {
				return 0, err
			}
			continue
		}

		status, opErr := c.run(ctx, name, attempt, decision.UserAgent, op)
		if opErr == nil && status < 400 {
			return status, nil
		}

		if opErr == nil {
			opErr = fmt.Errorf("%w: %d", ErrUpstreamStatus, status)
		}
		if !retryable(ctx, status) || attempt >= maxRetries {
			return status, opErr
		}

		delay := limiter.BackoffDelay(attempt+1, c.initialBackoff, c.maxBackoff, c.jitter, c.rnd)
		c.debug("Request failed, backing off", name, attempt, delay.Milliseconds())
		if err := c.sleep(ctx, delay); err != nil {
			return status, err
		}
	}
}

// Request é uma execução de um lote
type Request struct {
	URL       string
	Options   ExecuteOptions
	Operation Operation
}

// Result é o resultado de uma execução de um lote
type Result struct {
	URL        string
	StatusCode int
	Err        error
}

// ExecuteBatch executa as requisições com no máximo concurrency em paralelo.
// Resultados seguem a ordem de entrada; falhas individuais não cancelam o lote.
func (c *Client) ExecuteBatch(ctx context.Context, requests []Request, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 10
	}

	results := make([]Result, len(requests))
	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			status, err := c.Execute(ctx, req.URL, req.Options, req.Operation)
			results[i] = Result{URL: req.URL, StatusCode: status, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// run executa op e reporta status e latência ao limiter
func (c *Client) run(ctx context.Context, name string, attempt int, userAgent string, op Operation) (int, error) {
	start := c.clock.Now()
	status, err := op(ctx, userAgent)
	end := c.clock.Now()

	c.limiter.ReportRequestResult(ctx, domain.RequestOutcome{
		Domain:         name,
		Timestamp:      end,
		ResponseTimeMs: end.Sub(start).Milliseconds(),
		StatusCode:     status,
		Success:        err == nil && status > 0 && status < 400,
		RetryCount:     attempt,
	})
	return status, err
}

func (c *Client) debug(msg, name string, attempt int, waitMs int64) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(msg, map[string]interface{}{
		"domain":       name,
		"attempt":      attempt,
		"wait_time_ms": waitMs,
	})
}

// retryable indica se a falha vale nova tentativa: erro de transporte, 429 ou 5xx
func retryable(ctx context.Context, status int) bool {
	if ctx.Err() != nil {
		return false
	}
	return status == 0 || status == 429 || status >= 500
}

// DomainFromURL extrai o hostname em minúsculas, sem porta
func DomainFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return host, nil
}

// sleepContext espera d ou até o contexto encerrar
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
