package service

import (
	"context"
	"sync"
	"time"

	"domain-limiter/internal/domain"
	"domain-limiter/internal/limiter"
	"domain-limiter/internal/storage"
)

// storeTaker consome tokens do backend compartilhado com fallback para o bucket local
type storeTaker struct {
	store       domain.TokenStore
	timeout     time.Duration
	logInterval time.Duration
	logger      domain.Logger

	mu      sync.Mutex
	lastLog map[string]time.Time
}

func newStoreTaker(store domain.TokenStore, timeout, logInterval time.Duration, logger domain.Logger) *storeTaker {
	return &storeTaker{
		store:       store,
		timeout:     timeout,
		logInterval: logInterval,
		logger:      logger,
		lastLog:     make(map[string]time.Time),
	}
}

// Take implementa limiter.TokenTaker
func (t *storeTaker) Take(ctx context.Context, domainName string, now time.Time, bucket *limiter.TokenBucket) (bool, float64, int64) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	rate := bucket.Rate()
	res, err := t.store.Take(ctx, storage.BuildKey(domainName), bucket.Capacity(), rate, now)
	if err != nil {
		t.logFallback(domainName, now, err)
		return bucket.TryConsume(now)
	}

	if res.Granted {
		return true, res.Tokens, 0
	}
	return false, res.Tokens, limiter.WaitForToken(res.Tokens, rate)
}

// logFallback registra no máximo um aviso por domínio a cada logInterval
func (t *storeTaker) logFallback(domainName string, now time.Time, err error) {
	t.mu.Lock()
	last, seen := t.lastLog[domainName]
	due := !seen || now.Sub(last) >= t.logInterval
	if due {
		t.lastLog[domainName] = now
	}
	t.mu.Unlock()

	if due {
		t.logger.Warn("Token store unavailable, using local bucket", map[string]interface{}{
			"domain": domainName,
			"error":  err.Error(),
		})
	}
}
