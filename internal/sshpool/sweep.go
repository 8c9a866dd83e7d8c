package sshpool

import (
	"context"
	"log"
	"time"
)

// minSweepInterval keeps tiny idle timeouts from spinning the ticker.
const minSweepInterval = time.Millisecond

// ensureSweeperLocked starts the maintenance goroutine if none is running.
// Caller must hold p.mu.
func (p *Pool) ensureSweeperLocked() {
	if p.sweeper != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &sweeper{cancel: cancel, done: make(chan struct{})}
	p.sweeper = s
	go p.runSweeper(ctx, s)
}

// runSweeper reclaims stale sessions every IdleTimeout/2 and exits on its own
// once the pool is empty.
func (p *Pool) runSweeper(ctx context.Context, s *sweeper) {
	defer close(s.done)
	defer s.cancel()

	interval := p.idleTimeout / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)

			p.mu.Lock()
			if p.order.Len() == 0 && p.sweeper == s {
				p.sweeper = nil
				p.mu.Unlock()
				log.Printf("[sshpool] pool empty, maintenance stopped")
				return
			}
			p.mu.Unlock()
		}
	}
}

// stopSweeper cancels the maintenance goroutine and waits for it to exit.
func (p *Pool) stopSweeper() {
	p.mu.Lock()
	s := p.sweeper
	p.sweeper = nil
	p.mu.Unlock()

	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// sweeperRunning reports whether a maintenance goroutine is registered.
func (p *Pool) sweeperRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweeper != nil
}

// sweep checks a snapshot of all pooled endpoints and closes the stale ones.
func (p *Pool) sweep(ctx context.Context) {
	for _, name := range p.Names() {
		if ctx.Err() != nil {
			return
		}
		p.sweepOne(ctx, name)
	}
}

// sweepOne re-checks one endpoint under its lock and closes it if stale.
func (p *Pool) sweepOne(ctx context.Context, name string) {
	lock := p.lockFor(name)
	if err := lock.Lock(ctx); err != nil {
		return
	}
	defer lock.Unlock()

	now := p.nowFunc()

	p.mu.Lock()
	el, ok := p.entries[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	e := el.Value.(*entry)
	if !e.stale(now, p.idleTimeout) {
		p.mu.Unlock()
		return
	}
	reason := "idle for " + now.Sub(e.lastUsed).Round(time.Millisecond).String()
	if !e.session.IsOpen() {
		reason = "transport closed"
	}
	p.unlinkLocked(el)
	size := p.order.Len()
	p.mu.Unlock()

	p.metrics.setSize(size)
	p.closeEntry(e, EventReclaimed, reason)
}
