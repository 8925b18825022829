package limiter

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket é o primitivo de admissão de um domínio
// Refill contínuo, limitado à capacidade, sempre com a taxa corrente
type TokenBucket struct {
	lim      *rate.Limiter
	capacity int
}

// NewTokenBucket cria um bucket cheio
func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		lim:      rate.NewLimiter(rate.Limit(ratePerSec), capacity),
		capacity: capacity,
	}
}

// TryConsume reabastece e tenta consumir um token em now
func (b *TokenBucket) TryConsume(now time.Time) (granted bool, tokensRemaining float64, waitTimeMs int64) {
	if b.lim.AllowN(now, 1) {
		return true, b.Tokens(now), 0
	}
	tokens := b.Tokens(now)
	return false, tokens, WaitForToken(tokens, b.Rate())
}

// Tokens retorna os tokens disponíveis em now, entre 0 e a capacidade
func (b *TokenBucket) Tokens(now time.Time) float64 {
	tokens := b.lim.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	if capacity := float64(b.capacity); tokens > capacity {
		return capacity
	}
	return tokens
}

// Rate retorna a taxa de refill corrente em tokens por segundo
func (b *TokenBucket) Rate() float64 {
	return float64(b.lim.Limit())
}

// Capacity retorna a capacidade do bucket
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Reset volta o bucket ao estado cheio com a taxa informada
func (b *TokenBucket) Reset(ratePerSec float64) {
	b.lim = rate.NewLimiter(rate.Limit(ratePerSec), b.capacity)
}

// setRate troca a taxa de refill; tokens acumulados até now usam a taxa anterior.
// Só o AdaptiveController escreve a taxa.
func (b *TokenBucket) setRate(now time.Time, ratePerSec float64) {
	b.lim.SetLimitAt(now, rate.Limit(ratePerSec))
}

// WaitForToken calcula quantos ms faltam para acumular um token inteiro
func WaitForToken(tokens, ratePerSec float64) int64 {
	if tokens >= 1 {
		return 0
	}
	if ratePerSec <= 0 {
		return math.MaxInt64
	}
	return int64(math.Ceil((1 - tokens) / ratePerSec * 1000))
}
