package service

import (
	"sync"
	"time"

	"domain-limiter/internal/domain"
)

// queueDriver dispara a drenagem periódica das filas via Clock.AfterFunc
type queueDriver struct {
	clock    domain.Clock
	interval time.Duration
	tick     func()

	mu      sync.Mutex
	timer   domain.Timer
	stopped bool
}

func newQueueDriver(c domain.Clock, interval time.Duration, tick func()) *queueDriver {
	return &queueDriver{
		clock:    c,
		interval: interval,
		tick:     tick,
	}
}

func (d *queueDriver) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.timer != nil {
		return
	}
	d.timer = d.clock.AfterFunc(d.interval, d.run)
}

func (d *queueDriver) run() {
	d.tick()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.timer = d.clock.AfterFunc(d.interval, d.run)
}

// stop cancela o próximo tick; um tick em execução termina normalmente
func (d *queueDriver) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
