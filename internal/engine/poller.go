package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Poller calls trigger on a fixed interval as a backstop for missed pushes.
type Poller struct {
	interval time.Duration
	trigger  func()

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPoller builds a poller; call Start to begin ticking.
func NewPoller(interval time.Duration, trigger func()) *Poller {
	return &Poller{
		interval: interval,
		trigger:  trigger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start ticks until ctx ends or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.trigger()
			}
		}
	}()
}

// Stop halts the ticker and waits for an in-progress trigger to return.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
	}
}
