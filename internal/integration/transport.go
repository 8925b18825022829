package integration

import (
	"net/http"
	"strings"
	"time"

	"domain-limiter/internal/clock"
	"domain-limiter/internal/domain"
)

// Transport é um http.RoundTripper que passa cada requisição pelo rate limiter do host
type Transport struct {
	Base     http.RoundTripper
	Limiter  domain.RateLimiterService
	Clock    domain.Clock
	Priority domain.Priority
}

// NewTransport cria um Transport sobre base; nil usa http.DefaultTransport
func NewTransport(base http.RoundTripper, rl domain.RateLimiterService) *Transport {
	return &Transport{
		Base:    base,
		Limiter: rl,
		Clock:   clock.NewReal(),
	}
}

// RoundTrip implementa http.RoundTripper.
// Negações retornam *DeniedError sem tocar a rede.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	name := strings.ToLower(req.URL.Hostname())
	if name == "" {
		return nil, ErrInvalidURL
	}

	decision := t.Limiter.CheckRateLimit(ctx, name, domain.CheckOptions{Priority: t.Priority})
	if decision.Queued {
		decision = decision.Wait(ctx)
	}
	if !decision.Allowed {
		return nil, &DeniedError{Domain: name, Decision: decision}
	}

	out := req.Clone(ctx)
	if decision.UserAgent != "" {
		out.Header.Set("User-Agent", decision.UserAgent)
	}

	start := t.now()
	resp, err := t.base().RoundTrip(out)
	end := t.now()

	outcome := domain.RequestOutcome{
		Domain:         name,
		Timestamp:      end,
		ResponseTimeMs: end.Sub(start).Milliseconds(),
		Success:        err == nil,
	}
	if resp != nil {
		outcome.StatusCode = resp.StatusCode
		outcome.Success = err == nil && resp.StatusCode < 400
	}
	t.Limiter.ReportRequestResult(ctx, outcome)

	return resp, err
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) now() time.Time {
	if t.Clock != nil {
		return t.Clock.Now()
	}
	return time.Now()
}
