package sshpool

import (
	"container/list"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/logutil"
)

const (
	// DefaultMaxSize is used when Config.MaxSize is not positive.
	DefaultMaxSize = 100

	// DefaultIdleTimeout is used when Config.IdleTimeout is not positive.
	DefaultIdleTimeout = 60 * time.Second
)

type Config struct {
	MaxSize     int
	IdleTimeout time.Duration

	// Metrics is optional.
	Metrics *Metrics
}

// entry is one pooled session.
type entry struct {
	name      string
	session   Session
	createdAt time.Time
	lastUsed  time.Time
}

// stale reports whether the entry may no longer be handed out.
func (e *entry) stale(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(e.lastUsed) >= idleTimeout || !e.session.IsOpen()
}

// sweeper is the handle of a running maintenance goroutine.
type sweeper struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool is a capacity-bounded, LRU-ordered set of sessions keyed by endpoint name.
type Pool struct {
	dialer      Dialer
	maxSize     int
	idleTimeout time.Duration
	metrics     *Metrics

	// mu guards entries, order, locks and sweeper. It is never held while a
	// network call is in flight and is always taken after an endpoint lock.
	mu      sync.Mutex
	entries map[string]*list.Element // values are *entry
	order   *list.List               // front = most recently used
	locks   map[string]endpointLock
	sweeper *sweeper

	closing sync.WaitGroup // background closes of evicted sessions

	events *eventLog

	// Clock function for testing.
	nowFunc func() time.Time
}

// New creates an empty pool. No goroutine is started until the first session
// is inserted.
func New(dialer Dialer, cfg Config) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		dialer:      dialer,
		maxSize:     cfg.MaxSize,
		idleTimeout: cfg.IdleTimeout,
		metrics:     cfg.Metrics,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		locks:       make(map[string]endpointLock),
		events:      newEventLog(),
		nowFunc:     time.Now,
	}
}

// Acquire returns a usable session for ep, reusing a fresh pooled one or
// dialing a new one. Concurrent calls for the same endpoint dial at most once;
// calls for different endpoints never block each other.
func (p *Pool) Acquire(ctx context.Context, ep endpoints.Endpoint) (Session, error) {
	if ep.Name == "" {
		return nil, &ConnectionError{Endpoint: ep.Name, Err: errors.New("endpoint name is empty")}
	}

	lock := p.lockFor(ep.Name)
	if err := lock.Lock(ctx); err != nil {
		return nil, &ConnectionError{Endpoint: ep.Name, Err: err}
	}
	defer lock.Unlock()

	if sess, ok := p.reuse(ep.Name); ok {
		return sess, nil
	}

	start := time.Now()
	sess, err := p.dialer.Dial(ctx, ep)
	p.metrics.observeDial(time.Since(start))
	if err != nil {
		log.Printf("[sshpool] dial %s (%s) failed: %v", logutil.SanitizeForLog(ep.Name), logutil.SanitizeForLog(ep.Address()), err)
		p.emit(ep.Name, EventDialFailed, err.Error())
		return nil, &ConnectionError{Endpoint: ep.Name, Err: err}
	}

	p.insert(ep.Name, sess)
	return sess, nil
}

// Remove closes and forgets the session for name. It reports whether an
// entry existed.
func (p *Pool) Remove(name string) bool {
	lock := p.lockFor(name)
	// Background context: Lock can only fail on cancellation.
	_ = lock.Lock(context.Background())
	defer lock.Unlock()

	p.mu.Lock()
	el, ok := p.entries[name]
	var e *entry
	if ok {
		e = p.unlinkLocked(el)
	}
	size := p.order.Len()
	p.mu.Unlock()

	if !ok {
		return false
	}
	p.metrics.setSize(size)
	p.closeEntry(e, EventRemoved, "forced removal")
	return true
}

// CloseAll removes every pooled session and stops the maintenance sweep.
// Calling it on an empty pool is a no-op. Sessions inserted concurrently
// survive with a running sweeper.
func (p *Pool) CloseAll() {
	names := p.Names()
	for _, name := range names {
		p.Remove(name)
	}
	p.stopSweeper()
	// An Acquire racing with the removals may have inserted while the old
	// sweeper was still registered; give that entry a sweeper of its own.
	p.mu.Lock()
	if p.order.Len() > 0 {
		p.ensureSweeperLocked()
	}
	p.mu.Unlock()
	p.closing.Wait()
	if len(names) > 0 {
		log.Printf("[sshpool] closed all %d session(s)", len(names))
	}
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// Names returns pooled endpoint names, most recently used first.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		names = append(names, el.Value.(*entry).name)
	}
	return names
}

// lockFor returns the endpoint lock for name, creating it on first use.
func (p *Pool) lockFor(name string) endpointLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[name]
	if !ok {
		l = newEndpointLock()
		p.locks[name] = l
	}
	return l
}

// reuse hands out the pooled session for name if it is still fresh. A stale
// entry is unlinked and closed. Caller must hold the endpoint lock.
func (p *Pool) reuse(name string) (Session, bool) {
	now := p.nowFunc()

	p.mu.Lock()
	el, ok := p.entries[name]
	if !ok {
		p.mu.Unlock()
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.stale(now, p.idleTimeout) {
		e.lastUsed = now
		p.order.MoveToFront(el)
		p.mu.Unlock()
		p.emit(name, EventReused, "")
		return e.session, true
	}
	p.unlinkLocked(el)
	size := p.order.Len()
	p.mu.Unlock()

	p.metrics.setSize(size)
	p.closeEntry(e, EventReclaimed, "stale on acquire")
	return nil, false
}

// insert stores a freshly dialed session as most recently used, evicting the
// least recently used entry first if the pool is full. Caller must hold the
// endpoint lock for name.
func (p *Pool) insert(name string, sess Session) {
	now := p.nowFunc()

	p.mu.Lock()
	var replaced, evicted *entry
	if el, ok := p.entries[name]; ok {
		replaced = p.unlinkLocked(el)
	}
	if p.order.Len() >= p.maxSize {
		if back := p.order.Back(); back != nil {
			evicted = p.unlinkLocked(back)
		}
	}
	p.entries[name] = p.order.PushFront(&entry{
		name:      name,
		session:   sess,
		createdAt: now,
		lastUsed:  now,
	})
	p.ensureSweeperLocked()
	size := p.order.Len()
	p.mu.Unlock()

	p.metrics.setSize(size)
	p.emit(name, EventCreated, "")

	if replaced != nil {
		p.closeEntry(replaced, EventRemoved, "replaced")
	}
	if evicted != nil {
		// The evicted endpoint's lock is not taken; the close runs in the
		// background so the acquiring caller does not wait on it.
		p.closing.Add(1)
		go func() {
			defer p.closing.Done()
			p.closeEntry(evicted, EventEvicted, "evicted to make room for "+name)
		}()
	}
}

// unlinkLocked removes el from the pool. Caller must hold p.mu.
func (p *Pool) unlinkLocked(el *list.Element) *entry {
	e := p.order.Remove(el).(*entry)
	delete(p.entries, e.name)
	return e
}

// closeEntry closes a session that is no longer reachable from the pool.
// Close failures are logged and otherwise ignored.
func (p *Pool) closeEntry(e *entry, reason PoolEventType, details string) {
	if err := e.session.Close(); err != nil {
		log.Printf("[sshpool] error closing session for %s: %v", logutil.SanitizeForLog(e.name), err)
		details += ": close error: " + err.Error()
	}
	log.Printf("[sshpool] %s %s (%s)", reason, logutil.SanitizeForLog(e.name), details)
	p.emit(e.name, reason, details)
}
