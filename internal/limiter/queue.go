package limiter

import (
	"container/heap"
	"time"

	"domain-limiter/internal/domain"
)

// RequestQueue é a fila de prioridade de um domínio
// Ordem: prioridade decrescente, FIFO dentro da mesma prioridade.
type RequestQueue struct {
	items   queueHeap
	seq     uint64
	maxSize int
	dropped int // tickets cancelados descartados desde o último TakeDropped
}

type queueItem struct {
	entry domain.QueueEntry
	seq   uint64
}

// queueHeap implementa heap.Interface como max-heap por prioridade
type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	pi, pj := h[i].entry.Priority.Rank(), h[j].entry.Priority.Rank()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x any) {
	*h = append(*h, x.(*queueItem))
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// NewRequestQueue cria uma fila limitada a maxSize entradas (0 = sem limite)
func NewRequestQueue(maxSize int) *RequestQueue {
	return &RequestQueue{maxSize: maxSize}
}

// Enqueue adiciona uma entrada; retorna false se a fila estiver cheia.
// Tickets cancelados não ocupam vaga.
func (q *RequestQueue) Enqueue(entry domain.QueueEntry) bool {
	if q.maxSize > 0 && q.items.Len() >= q.maxSize {
		q.PurgeCanceled()
		if q.items.Len() >= q.maxSize {
			return false
		}
	}
	q.seq++
	heap.Push(&q.items, &queueItem{entry: entry, seq: q.seq})
	return true
}

// Drain remove as entradas expiradas ou canceladas e libera, em ordem de prioridade,
// as entradas enquanto consume conceder tokens.
func (q *RequestQueue) Drain(now time.Time, timeout time.Duration, consume func() bool) (granted, expired []domain.QueueEntry) {
	expired = q.sweep(now, timeout)

	for q.items.Len() > 0 {
		// Cancelado entre o sweep e aqui não consome token
		if canceled(q.items[0]) {
			heap.Pop(&q.items)
			q.dropped++
			continue
		}
		if !consume() {
			break
		}
		item := heap.Pop(&q.items).(*queueItem)
		granted = append(granted, item.entry)
	}
	return granted, expired
}

// PurgeCanceled remove os tickets cancelados e retorna quantos saíram
func (q *RequestQueue) PurgeCanceled() int {
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if canceled(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.compact(kept)
	q.dropped += removed
	return removed
}

// TakeDropped retorna e zera a contagem de tickets cancelados descartados
func (q *RequestQueue) TakeDropped() int {
	n := q.dropped
	q.dropped = 0
	return n
}

// Len retorna o tamanho da fila
func (q *RequestQueue) Len() int {
	return q.items.Len()
}

// Clear esvazia a fila e retorna as entradas ainda pendentes
func (q *RequestQueue) Clear() []domain.QueueEntry {
	pending := make([]domain.QueueEntry, 0, q.items.Len())
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		if canceled(item) {
			q.dropped++
			continue
		}
		pending = append(pending, item.entry)
	}
	return pending
}

// sweep descarta tickets cancelados e retorna as entradas que passaram do timeout
func (q *RequestQueue) sweep(now time.Time, timeout time.Duration) []domain.QueueEntry {
	var expired []domain.QueueEntry
	kept := q.items[:0]
	for _, item := range q.items {
		switch {
		case canceled(item):
			q.dropped++
		case timeout > 0 && now.Sub(item.entry.EnqueuedAt) >= timeout:
			expired = append(expired, item.entry)
		default:
			kept = append(kept, item)
		}
	}
	q.compact(kept)
	return expired
}

// compact troca os itens por kept (prefixo de q.items) e refaz o heap
func (q *RequestQueue) compact(kept queueHeap) {
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	heap.Init(&q.items)
}

func canceled(item *queueItem) bool {
	return item.entry.Ticket != nil && item.entry.Ticket.Canceled()
}
