package sshpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gluk-w/claworc/scout/internal/endpoints"
)

// --- test doubles ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSession struct {
	id       int
	endpoint string
	closed   atomic.Bool
	dead     atomic.Bool
	closes   atomic.Int32
	closeErr error
}

func (s *fakeSession) Exec(ctx context.Context, cmd string) (*Result, error) {
	if !s.IsOpen() {
		return nil, ErrSessionClosed
	}
	return &Result{Stdout: s.endpoint + ": " + cmd}, nil
}

func (s *fakeSession) IsOpen() bool {
	return !s.closed.Load() && !s.dead.Load()
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	s.closed.Store(true)
	return s.closeErr
}

type fakeDialer struct {
	mu       sync.Mutex
	delay    time.Duration
	fail     map[string][]error // queued failures per endpoint
	closeErr map[string]error
	sessions []*fakeSession
	dials    atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		fail:     make(map[string][]error),
		closeErr: make(map[string]error),
	}
}

func (d *fakeDialer) failNext(name string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[name] = append(d.fail[name], errs...)
}

func (d *fakeDialer) Dial(ctx context.Context, ep endpoints.Endpoint) (Session, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if queued := d.fail[ep.Name]; len(queued) > 0 {
		d.fail[ep.Name] = queued[1:]
		return nil, queued[0]
	}
	s := &fakeSession{id: len(d.sessions) + 1, endpoint: ep.Name, closeErr: d.closeErr[ep.Name]}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	return int(d.dials.Load())
}

func ep(name string) endpoints.Endpoint {
	return endpoints.Endpoint{Name: name, Host: name + ".test", Port: 22, User: "root"}
}

func newTestPool(t *testing.T, d Dialer, maxSize int, idle time.Duration, clock *fakeClock) *Pool {
	t.Helper()
	p := New(d, Config{MaxSize: maxSize, IdleTimeout: idle})
	if clock != nil {
		p.nowFunc = clock.Now
	}
	t.Cleanup(p.CloseAll)
	return p
}

func mustAcquire(t *testing.T, p *Pool, name string) Session {
	t.Helper()
	s, err := p.Acquire(context.Background(), ep(name))
	if err != nil {
		t.Fatalf("Acquire(%s): %v", name, err)
	}
	return s
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// --- reuse and eviction ---

func TestNewDefaults(t *testing.T) {
	p := New(newFakeDialer(), Config{})
	defer p.CloseAll()
	if p.maxSize != DefaultMaxSize {
		t.Errorf("expected default max size %d, got %d", DefaultMaxSize, p.maxSize)
	}
	if p.idleTimeout != DefaultIdleTimeout {
		t.Errorf("expected default idle timeout %s, got %s", DefaultIdleTimeout, p.idleTimeout)
	}
	if p.sweeperRunning() {
		t.Error("sweeper must not run for an empty pool")
	}
}

func TestAcquireReusesSession(t *testing.T) {
	d := newFakeDialer()
	clock := newFakeClock()
	p := newTestPool(t, d, 10, time.Minute, clock)

	first := mustAcquire(t, p, "web")
	clock.Advance(30 * time.Second)
	second := mustAcquire(t, p, "web")

	if first != second {
		t.Error("expected the same session on reuse")
	}
	if d.dialCount() != 1 {
		t.Errorf("expected 1 dial, got %d", d.dialCount())
	}
}

func TestAcquireEmptyName(t *testing.T) {
	p := newTestPool(t, newFakeDialer(), 10, time.Minute, nil)
	_, err := p.Acquire(context.Background(), endpoints.Endpoint{})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
}

func TestAcquireLRUEviction(t *testing.T) {
	d := newFakeDialer()
	clock := newFakeClock()
	p := newTestPool(t, d, 2, time.Minute, clock)

	mustAcquire(t, p, "hostA")
	clock.Advance(time.Second)
	b := mustAcquire(t, p, "hostB").(*fakeSession)
	clock.Advance(time.Second)
	mustAcquire(t, p, "hostA") // reuse: order becomes B, A
	clock.Advance(time.Second)
	mustAcquire(t, p, "hostC") // evicts B

	p.closing.Wait()

	if got := p.Names(); !equalNames(got, []string{"hostC", "hostA"}) {
		t.Errorf("expected active set [hostC hostA], got %v", got)
	}
	if b.closes.Load() != 1 {
		t.Errorf("expected evicted session closed once, got %d", b.closes.Load())
	}
	if d.dialCount() != 3 {
		t.Errorf("expected 3 dials, got %d", d.dialCount())
	}

	events := p.Events("hostB")
	if len(events) == 0 || events[len(events)-1].Type != EventEvicted {
		t.Errorf("expected last hostB event to be evicted, got %+v", events)
	}
}

func TestAcquireEvictsExactlyOne(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, 3, time.Minute, newFakeClock())

	for _, name := range []string{"a", "b", "c", "d"} {
		mustAcquire(t, p, name)
	}
	p.closing.Wait()

	if p.Len() != 3 {
		t.Fatalf("expected size 3, got %d", p.Len())
	}
	closed := 0
	for _, s := range d.sessions {
		closed += int(s.closes.Load())
	}
	if closed != 1 {
		t.Errorf("expected exactly one eviction, got %d closes", closed)
	}
	if !d.sessions[0].closed.Load() {
		t.Error("expected the oldest entry (a) to be evicted")
	}
}

// --- concurrency ---

func TestConcurrentAcquireSameEndpointDialsOnce(t *testing.T) {
	d := newFakeDialer()
	d.delay = 20 * time.Millisecond
	p := newTestPool(t, d, 10, time.Minute, nil)

	const callers = 50
	var wg sync.WaitGroup
	sessions := make([]Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = p.Acquire(context.Background(), ep("shared"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if d.dialCount() != 1 {
		t.Errorf("expected exactly 1 dial, got %d", d.dialCount())
	}
	for i := 1; i < callers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
}

func TestConcurrentAcquireDistinctEndpointsInParallel(t *testing.T) {
	d := newFakeDialer()
	d.delay = 200 * time.Millisecond
	p := newTestPool(t, d, 100, time.Minute, nil)

	const n = 10
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Acquire(context.Background(), ep(fmt.Sprintf("host-%d", i))); err != nil {
				t.Errorf("acquire host-%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Serialized dials would take n * 200ms = 2s.
	if elapsed > time.Second {
		t.Errorf("dials to distinct endpoints look serialized: %s", elapsed)
	}
	if p.Len() != n {
		t.Errorf("expected %d sessions, got %d", n, p.Len())
	}
}

func TestAcquireCancelledWaiterDoesNotHoldLock(t *testing.T) {
	d := newFakeDialer()
	d.delay = 150 * time.Millisecond
	p := newTestPool(t, d, 10, time.Minute, nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), ep("slow"))
		firstDone <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the first caller take the lock

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, ep("slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting, got %v", err)
	}

	if err := <-firstDone; err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Lock must be free again: this returns the pooled session without dialing.
	mustAcquire(t, p, "slow")
	if d.dialCount() != 1 {
		t.Errorf("expected 1 dial, got %d", d.dialCount())
	}
}

func TestAcquireCancelledDialReleasesLock(t *testing.T) {
	d := newFakeDialer()
	d.delay = time.Second
	p := newTestPool(t, d, 10, time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, ep("web")); err == nil {
		t.Fatal("expected error from cancelled dial")
	}
	if p.Len() != 0 {
		t.Errorf("nothing should be cached after a failed dial, got %d", p.Len())
	}

	d.delay = 0
	mustAcquire(t, p, "web")
}

// --- staleness ---

func TestAcquireRedialsAfterIdleTimeout(t *testing.T) {
	d := newFakeDialer()
	clock := newFakeClock()
	p := newTestPool(t, d, 10, time.Minute, clock)

	first := mustAcquire(t, p, "web").(*fakeSession)
	clock.Advance(time.Minute)
	second := mustAcquire(t, p, "web")

	if second == Session(first) {
		t.Error("expected a new session after the idle timeout")
	}
	if !first.closed.Load() {
		t.Error("stale session should be closed")
	}
	if p.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", p.Len())
	}
}

func TestAcquireRedialsWhenTransportClosed(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, 10, time.Minute, newFakeClock())

	first := mustAcquire(t, p, "web").(*fakeSession)
	first.dead.Store(true)

	second := mustAcquire(t, p, "web")
	if second == Session(first) {
		t.Error("expected a new session after transport closed")
	}
	if d.dialCount() != 2 {
		t.Errorf("expected 2 dials, got %d", d.dialCount())
	}
}

func TestSweepReclaimsIdleEntries(t *testing.T) {
	d := newFakeDialer()
	clock := newFakeClock()
	p := newTestPool(t, d, 10, time.Minute, clock)

	idle := mustAcquire(t, p, "idle").(*fakeSession)
	mustAcquire(t, p, "busy")

	clock.Advance(59 * time.Second)
	mustAcquire(t, p, "busy") // touched just before the sweep
	clock.Advance(2 * time.Second)

	p.sweep(context.Background())

	if got := p.Names(); !equalNames(got, []string{"busy"}) {
		t.Errorf("expected only busy to survive, got %v", got)
	}
	if !idle.closed.Load() {
		t.Error("idle session should be closed by the sweep")
	}
	events := p.Events("idle")
	if last := events[len(events)-1]; last.Type != EventReclaimed || !strings.Contains(last.Details, "idle for") {
		t.Errorf("unexpected reclaim event %+v", last)
	}
}

func TestSweepReclaimsClosedTransport(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, 10, time.Minute, newFakeClock())

	s := mustAcquire(t, p, "web").(*fakeSession)
	s.dead.Store(true)

	p.sweep(context.Background())

	if p.Len() != 0 {
		t.Errorf("expected dead transport reclaimed, %d left", p.Len())
	}
}

func TestSweepContinuesAfterCloseError(t *testing.T) {
	d := newFakeDialer()
	d.closeErr["broken"] = errors.New("close failed")
	clock := newFakeClock()
	p := newTestPool(t, d, 10, time.Minute, clock)

	mustAcquire(t, p, "broken")
	mustAcquire(t, p, "fine")
	clock.Advance(2 * time.Minute)

	p.sweep(context.Background())

	if p.Len() != 0 {
		t.Errorf("expected both entries reclaimed, got %v", p.Names())
	}
}

func TestSweeperStopsWhenEmptyAndRestarts(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, 10, 40*time.Millisecond, nil)

	mustAcquire(t, p, "web")
	if !p.sweeperRunning() {
		t.Fatal("sweeper should start on first insertion")
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.sweeperRunning() || p.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not reclaim and stop (len=%d running=%v)", p.Len(), p.sweeperRunning())
		}
		time.Sleep(10 * time.Millisecond)
	}

	mustAcquire(t, p, "web")
	if !p.sweeperRunning() {
		t.Error("sweeper should restart on the next insertion")
	}
	if d.dialCount() != 2 {
		t.Errorf("expected a fresh dial after reclamation, got %d dials", d.dialCount())
	}
}

// --- failures ---

func TestDialFailureNotCached(t *testing.T) {
	d := newFakeDialer()
	dialErr := errors.New("connection refused")
	d.failNext("web", dialErr)
	p := newTestPool(t, d, 10, time.Minute, nil)

	_, err := p.Acquire(context.Background(), ep("web"))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if connErr.Endpoint != "web" {
		t.Errorf("expected endpoint web, got %q", connErr.Endpoint)
	}
	if !errors.Is(err, dialErr) {
		t.Error("error should wrap the dial cause")
	}
	if err.Error() != "cannot reach endpoint web: connection refused" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if p.Len() != 0 {
		t.Error("failed dial must not be cached")
	}
	if p.sweeperRunning() {
		t.Error("sweeper must not start without an insertion")
	}
}

// --- removal ---

func TestRemove(t *testing.T) {
	p := newTestPool(t, newFakeDialer(), 10, time.Minute, nil)

	s := mustAcquire(t, p, "web").(*fakeSession)
	if !p.Remove("web") {
		t.Error("Remove should report an existing entry")
	}
	if !s.closed.Load() {
		t.Error("removed session should be closed")
	}
	if p.Remove("web") {
		t.Error("second Remove should report nothing removed")
	}
}

func TestCloseAllIdempotent(t *testing.T) {
	d := newFakeDialer()
	p := New(d, Config{MaxSize: 10, IdleTimeout: time.Minute})

	mustAcquire(t, p, "a")
	mustAcquire(t, p, "b")

	p.CloseAll()
	if p.Len() != 0 {
		t.Errorf("expected empty pool, got %d", p.Len())
	}
	if p.sweeperRunning() {
		t.Error("sweeper should be stopped")
	}
	for _, s := range d.sessions {
		if s.closes.Load() != 1 {
			t.Errorf("session %d closed %d times", s.id, s.closes.Load())
		}
	}

	p.CloseAll() // must not panic or block
}

// blockingCloseSession parks Close until release is closed.
type blockingCloseSession struct {
	*fakeSession
	closing chan struct{}
	release chan struct{}
}

func (s *blockingCloseSession) Close() error {
	close(s.closing)
	<-s.release
	return s.fakeSession.Close()
}

func TestCloseAllKeepsSweeperForConcurrentInsert(t *testing.T) {
	slow := &blockingCloseSession{
		fakeSession: &fakeSession{id: 1, endpoint: "a"},
		closing:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	d := DialerFunc(func(ctx context.Context, e endpoints.Endpoint) (Session, error) {
		if e.Name == "a" {
			return slow, nil
		}
		return &fakeSession{id: 2, endpoint: e.Name}, nil
	})
	p := newTestPool(t, d, 10, time.Minute, nil)

	mustAcquire(t, p, "a")
	done := make(chan struct{})
	go func() {
		p.CloseAll()
		close(done)
	}()

	// CloseAll is now past its removals but has not stopped the old sweeper.
	<-slow.closing
	mustAcquire(t, p, "b")
	close(slow.release)
	<-done

	if p.Len() != 1 {
		t.Fatalf("expected the concurrent insert to survive, got %d entries", p.Len())
	}
	if !p.sweeperRunning() {
		t.Error("surviving entry has no sweeper")
	}
}

// --- retry wrapper ---

func TestAcquireWithRetryRecovers(t *testing.T) {
	d := newFakeDialer()
	d.failNext("web", errors.New("transient"))
	p := newTestPool(t, d, 10, time.Minute, nil)

	s, err := p.AcquireWithRetry(context.Background(), ep("web"))
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if s == nil || !s.IsOpen() {
		t.Error("expected a usable session")
	}
	if d.dialCount() != 2 {
		t.Errorf("expected 2 dial attempts, got %d", d.dialCount())
	}
}

func TestAcquireWithRetryFailsTwice(t *testing.T) {
	d := newFakeDialer()
	first := errors.New("first failure")
	second := errors.New("second failure")
	d.failNext("web", first, second)
	p := newTestPool(t, d, 10, time.Minute, nil)

	_, err := p.AcquireWithRetry(context.Background(), ep("web"))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if connErr.Endpoint != "web" {
		t.Errorf("expected endpoint web, got %q", connErr.Endpoint)
	}
	if !errors.Is(err, second) {
		t.Error("error should wrap the second cause")
	}
	if errors.Is(err, first) {
		t.Error("the first failure must not be surfaced")
	}
	if strings.Count(err.Error(), "cannot reach endpoint") != 1 {
		t.Errorf("error should not nest connection errors: %q", err)
	}
	if d.dialCount() != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", d.dialCount())
	}
}

// --- events, stats and metrics ---

func TestEventsAndListeners(t *testing.T) {
	p := newTestPool(t, newFakeDialer(), 10, time.Minute, nil)

	var mu sync.Mutex
	var seen []PoolEventType
	p.OnEvent(func(e PoolEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	})

	mustAcquire(t, p, "web")
	mustAcquire(t, p, "web")
	p.Remove("web")

	want := []PoolEventType{EventCreated, EventReused, EventRemoved}
	history := p.Events("web")
	if len(history) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), history)
	}
	for i, typ := range want {
		if history[i].Type != typ {
			t.Errorf("event %d: expected %s, got %s", i, typ, history[i].Type)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Errorf("listener saw %v", seen)
	}
	if _, ok := p.AllEvents()["web"]; !ok {
		t.Error("AllEvents should include web")
	}
}

func TestEventBufferWraps(t *testing.T) {
	var b eventBuffer
	for i := 0; i < eventBufferSize+50; i++ {
		b.record(PoolEvent{Details: fmt.Sprint(i)})
	}
	h := b.history()
	if len(h) != eventBufferSize {
		t.Fatalf("expected %d events, got %d", eventBufferSize, len(h))
	}
	if h[0].Details != "50" || h[len(h)-1].Details != fmt.Sprint(eventBufferSize+49) {
		t.Errorf("unexpected window: first=%s last=%s", h[0].Details, h[len(h)-1].Details)
	}
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, newFakeDialer(), 5, time.Minute, clock)

	mustAcquire(t, p, "a")
	clock.Advance(10 * time.Second)
	mustAcquire(t, p, "b")

	st := p.Stats()
	if st.Size != 2 || st.MaxSize != 5 || !st.SweeperRunning {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.Entries[0].Endpoint != "b" || st.Entries[1].Endpoint != "a" {
		t.Errorf("entries not in MRU order: %+v", st.Entries)
	}
	if st.Entries[1].IdleFor != 10*time.Second {
		t.Errorf("expected a idle for 10s, got %s", st.Entries[1].IdleFor)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p := New(newFakeDialer(), Config{MaxSize: 5, IdleTimeout: time.Minute, Metrics: m})
	defer p.CloseAll()

	mustAcquire(t, p, "a")
	mustAcquire(t, p, "a")
	mustAcquire(t, p, "b")

	if got := testutil.ToFloat64(m.size); got != 2 {
		t.Errorf("expected size gauge 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(string(EventReused))); got != 1 {
		t.Errorf("expected 1 reuse, got %v", got)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Error("registering twice should fail")
	}
}
