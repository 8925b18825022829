package limiter

import (
	"math"
	"time"

	"domain-limiter/internal/domain"
)

// CircuitBreaker isola um domínio que está falhando
// closed -> open (threshold falhas) -> half_open (após timeout) -> closed | open.
// Em half_open apenas uma requisição de teste passa por vez.
type CircuitBreaker struct {
	state            domain.CircuitState
	failures         int
	openedAt         time.Time
	threshold        int
	timeout          time.Duration
	successThreshold int

	halfOpenSuccesses int
	trialInFlight     bool
	trialStartedAt    time.Time
}

// NewCircuitBreaker cria um breaker fechado
func NewCircuitBreaker(threshold int, timeout time.Duration, successThreshold int) *CircuitBreaker {
	if successThreshold <= 0 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		state:            domain.CircuitClosed,
		threshold:        threshold,
		timeout:          timeout,
		successThreshold: successThreshold,
	}
}

// Admit decide se uma requisição pode passar em now.
// Quando nega, retorna os ms até a próxima tentativa possível.
func (cb *CircuitBreaker) Admit(now time.Time) (bool, int64) {
	switch cb.state {
	case domain.CircuitOpen:
		elapsed := now.Sub(cb.openedAt)
		if elapsed < cb.timeout {
			return false, ceilMs(cb.timeout - elapsed)
		}
		cb.state = domain.CircuitHalfOpen
		cb.halfOpenSuccesses = 0
		cb.startTrial(now)
		return true, 0

	case domain.CircuitHalfOpen:
		if cb.trialInFlight {
			// Trial nunca reportado expira após o timeout
			elapsed := now.Sub(cb.trialStartedAt)
			if elapsed < cb.timeout {
				return false, ceilMs(cb.timeout - elapsed)
			}
		}
		cb.startTrial(now)
		return true, 0

	default:
		return true, 0
	}
}

// ReleaseTrial devolve o slot de teste quando a requisição admitida não chegou a sair
func (cb *CircuitBreaker) ReleaseTrial() {
	if cb.state == domain.CircuitHalfOpen {
		cb.trialInFlight = false
	}
}

// RecordSuccess registra um sucesso do upstream
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.state {
	case domain.CircuitClosed:
		cb.failures = 0
	case domain.CircuitHalfOpen:
		cb.trialInFlight = false
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.successThreshold {
			cb.close()
		}
	}
}

// RecordFailure registra uma falha do upstream
func (cb *CircuitBreaker) RecordFailure(now time.Time) {
	switch cb.state {
	case domain.CircuitClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.open(now)
		}
	case domain.CircuitHalfOpen:
		cb.open(now)
	}
}

// State retorna o estado armazenado
func (cb *CircuitBreaker) State() domain.CircuitState {
	return cb.state
}

// StateAt retorna o estado observável em now, considerando o timeout já vencido
func (cb *CircuitBreaker) StateAt(now time.Time) domain.CircuitState {
	if cb.state == domain.CircuitOpen && now.Sub(cb.openedAt) >= cb.timeout {
		return domain.CircuitHalfOpen
	}
	return cb.state
}

// ConsecutiveFailures retorna as falhas consecutivas no estado fechado
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	return cb.failures
}

// OpenedAt retorna quando o breaker abriu pela última vez
func (cb *CircuitBreaker) OpenedAt() time.Time {
	return cb.openedAt
}

// Reset fecha o breaker e zera os contadores
func (cb *CircuitBreaker) Reset() {
	cb.close()
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = domain.CircuitOpen
	cb.openedAt = now
	cb.halfOpenSuccesses = 0
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) close() {
	cb.state = domain.CircuitClosed
	cb.failures = 0
	cb.openedAt = time.Time{}
	cb.halfOpenSuccesses = 0
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) startTrial(now time.Time) {
	cb.trialInFlight = true
	cb.trialStartedAt = now
}

func ceilMs(d time.Duration) int64 {
	return int64(math.Ceil(float64(d) / float64(time.Millisecond)))
}
