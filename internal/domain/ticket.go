package domain

import (
	"context"
	"sync/atomic"
)

const (
	ticketPending int32 = iota
	ticketResolved
	ticketCanceled
)

// Ticket é o callback de resolução de uma requisição enfileirada.
// Resolve e Cancel são mutuamente exclusivos; apenas o primeiro vence.
type Ticket struct {
	ID    string
	state atomic.Int32
	ch    chan RateLimitDecision
}

// NewTicket cria um ticket pendente
func NewTicket(id string) *Ticket {
	return &Ticket{
		ID: id,
		ch: make(chan RateLimitDecision, 1),
	}
}

// Resolve entrega a decisão ao chamador que aguarda.
// Retorna false se o ticket já foi resolvido ou cancelado.
func (t *Ticket) Resolve(d RateLimitDecision) bool {
	if !t.state.CompareAndSwap(ticketPending, ticketResolved) {
		return false
	}
	t.ch <- d
	return true
}

// Cancel desiste da espera; a fila descarta o ticket no próximo drain
func (t *Ticket) Cancel() bool {
	return t.state.CompareAndSwap(ticketPending, ticketCanceled)
}

// Canceled indica se o chamador desistiu de esperar
func (t *Ticket) Canceled() bool {
	return t.state.Load() == ticketCanceled
}

// Done indica se o ticket não está mais pendente
func (t *Ticket) Done() bool {
	return t.state.Load() != ticketPending
}

// Wait bloqueia até o ticket ser resolvido ou o contexto encerrar
func (t *Ticket) Wait(ctx context.Context) RateLimitDecision {
	select {
	case d := <-t.ch:
		return d
	case <-ctx.Done():
		if t.Cancel() {
			return RateLimitDecision{Allowed: false, Reason: ReasonWaitCanceled}
		}
		// Resolvido entre o Done e o Cancel
		return <-t.ch
	}
}
