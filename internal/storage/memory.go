package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"domain-limiter/internal/domain"
	"domain-limiter/internal/limiter"
)

// shardCount é a quantidade de shards do registro de domínios
const shardCount = 32

// MemoryStorage é o registro em memória de estado por domínio
// Mapa concorrente particionado por xxhash; leitura majoritária, inserção na ausência.
type MemoryStorage struct {
	shards  [shardCount]*registryShard
	clock   domain.Clock
	idleTTL time.Duration
	logger  domain.Logger

	mu       sync.Mutex
	janitor  domain.Timer
	interval time.Duration
	closed   bool
}

type registryShard struct {
	mu     sync.RWMutex
	states map[string]*limiter.DomainState
}

// NewMemoryStorage cria uma nova instância do registro
// idleTTL igual a zero desativa a remoção de domínios ociosos
func NewMemoryStorage(clock domain.Clock, idleTTL time.Duration, logger domain.Logger) *MemoryStorage {
	m := &MemoryStorage{
		clock:   clock,
		idleTTL: idleTTL,
		logger:  logger,
	}
	for i := range m.shards {
		m.shards[i] = &registryShard{states: make(map[string]*limiter.DomainState)}
	}

	if logger != nil {
		logger.Info("Memory storage initialized", map[string]interface{}{
			"shards":   shardCount,
			"idle_ttl": idleTTL.String(),
		})
	}

	return m
}

// GetOrCreate retorna o estado do domínio, criando-o com create na primeira vez
func (m *MemoryStorage) GetOrCreate(name string, create func() *limiter.DomainState) *limiter.DomainState {
	start := time.Now()
	now := m.clock.Now()
	sh := m.shardFor(name)

	sh.mu.RLock()
	st, ok := sh.states[name]
	if ok {
		st.Touch(now)
	}
	sh.mu.RUnlock()
	if ok {
		return st
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Outro chamador pode ter criado entre os locks
	if st, ok = sh.states[name]; ok {
		st.Touch(now)
		return st
	}

	st = create()
	sh.states[name] = st
	m.logStorageOperation("CREATE", name, true, time.Since(start).Seconds()*1000, nil)
	return st
}

// Get retorna o estado de um domínio já existente
func (m *MemoryStorage) Get(name string) (*limiter.DomainState, bool) {
	sh := m.shardFor(name)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.states[name]
	return st, ok
}

// Range percorre um snapshot dos domínios; fn retorna false para parar
func (m *MemoryStorage) Range(fn func(st *limiter.DomainState) bool) {
	for _, sh := range m.shards {
		sh.mu.RLock()
		snapshot := make([]*limiter.DomainState, 0, len(sh.states))
		for _, st := range sh.states {
			snapshot = append(snapshot, st)
		}
		sh.mu.RUnlock()

		for _, st := range snapshot {
			if !fn(st) {
				return
			}
		}
	}
}

// Len retorna a quantidade de domínios registrados
func (m *MemoryStorage) Len() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		total += len(sh.states)
		sh.mu.RUnlock()
	}
	return total
}

// StartJanitor agenda a limpeza periódica de domínios ociosos
func (m *MemoryStorage) StartJanitor(interval time.Duration) {
	if m.idleTTL <= 0 || interval <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.janitor != nil {
		return
	}
	m.interval = interval
	m.janitor = m.clock.AfterFunc(interval, m.runJanitor)
}

// runJanitor executa uma limpeza e reagenda a próxima
func (m *MemoryStorage) runJanitor() {
	m.cleanupIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.janitor = m.clock.AfterFunc(m.interval, m.runJanitor)
}

// cleanupIdle remove domínios ociosos com breaker fechado e fila vazia
func (m *MemoryStorage) cleanupIdle() int {
	now := m.clock.Now()
	removed := 0

	for _, sh := range m.shards {
		sh.mu.Lock()
		for name, st := range sh.states {
			if st.Idle(now, m.idleTTL) {
				delete(sh.states, name)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 && m.logger != nil {
		m.logger.Debug("Memory storage cleanup completed", map[string]interface{}{
			"removed_domains": removed,
		})
	}
	return removed
}

// Health verifica se o storage está saudável
func (m *MemoryStorage) Health(ctx context.Context) error {
	if m.logger != nil {
		m.logger.Debug("Memory storage health check", map[string]interface{}{
			"domains": m.Len(),
		})
	}
	return nil
}

// Close para o janitor e esvazia o registro; idempotente
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.janitor != nil {
		m.janitor.Stop()
		m.janitor = nil
	}
	m.mu.Unlock()

	for _, sh := range m.shards {
		sh.mu.Lock()
		sh.states = make(map[string]*limiter.DomainState)
		sh.mu.Unlock()
	}

	if m.logger != nil {
		m.logger.Info("Memory storage closed", nil)
	}
	return nil
}

// GetStats retorna estatísticas do registro em memória
func (m *MemoryStorage) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"domains": m.Len(),
		"shards":  shardCount,
		"type":    "memory",
	}
}

func (m *MemoryStorage) shardFor(name string) *registryShard {
	return m.shards[xxhash.Sum64String(name)%shardCount]
}

// logStorageOperation registra operações de storage
func (m *MemoryStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if m.logger == nil {
		return
	}

	if success {
		m.logger.Debug("Storage operation completed", map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	} else {
		m.logger.Error("Storage operation failed", err, map[string]interface{}{
			"operation": operation,
			"key":       key,
			"latency":   latency,
		})
	}
}
