package clock

import (
	"sort"
	"sync"
	"time"

	"domain-limiter/internal/domain"
)

// Real implementa domain.Clock com o relógio do sistema
type Real struct{}

// NewReal cria o relógio do sistema
func NewReal() Real {
	return Real{}
}

// Now retorna o horário atual
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc agenda f após d
func (Real) AfterFunc(d time.Duration, f func()) domain.Timer {
	return time.AfterFunc(d, f)
}

// Fake é um relógio manual para testes determinísticos
// Os timers disparam apenas dentro de Advance, na ordem de vencimento
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	when  time.Time
	seq   uint64
	f     func()
}

// NewFake cria um relógio falso parado em start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now retorna o horário atual do relógio falso
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc agenda f para now+d
func (c *Fake) AfterFunc(d time.Duration, f func()) domain.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &fakeTimer{clock: c, when: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance avança o relógio e dispara os timers vencidos
// Callbacks rodam fora do lock e podem agendar novos timers
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		next := c.popDue(target)
		if next == nil {
			break
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

// PendingTimers retorna a quantidade de timers ainda agendados
func (c *Fake) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// popDue remove e retorna o timer vencido mais antigo; exige c.mu
func (c *Fake) popDue(target time.Time) *fakeTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].when.Equal(c.timers[j].when) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].when.Before(c.timers[j].when)
	})
	first := c.timers[0]
	if first.when.After(target) {
		return nil
	}
	c.timers = c.timers[1:]
	return first
}

// Stop cancela o timer se ele ainda estiver agendado
func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, pending := range c.timers {
		if pending == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
