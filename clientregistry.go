package orb

import (
	"sync"
	"time"
)

const scavengerRetain = 45 * time.Second
const scavengerTick = 2 * time.Second
const connectWaitTimeout = 5 * time.Second

// tryMutex is a mutual-exclusion lock that additionally supports a
// bounded-wait acquire, so the scavenger sweep can skip a contended
// cycle instead of blocking call traffic (spec.md §4.4, §5: "the cache
// scavenger uses a try-lock with 250ms ceiling and skips cycles that
// contend"). A naive "spawn a goroutine to Lock() and race it against
// a timer" trylock leaks a goroutine that eventually locks a mutex
// nobody unlocks; this is a single-token channel instead, so a timed-
// out acquire attempt simply stops waiting on the channel with no
// side effect.
type tryMutex struct {
	tok chan struct{}
}

func newTryMutex() *tryMutex {
	m := &tryMutex{tok: make(chan struct{}, 1)}
	m.tok <- struct{}{}
	return m
}

func (m *tryMutex) Lock()   { <-m.tok }
func (m *tryMutex) Unlock() { m.tok <- struct{}{} }

// TryLock attempts to acquire the lock within d; returns false on
// timeout without side effects.
func (m *tryMutex) TryLock(d time.Duration) bool {
	select {
	case <-m.tok:
		return true
	case <-time.After(d):
		return false
	}
}

type connWaitState int

const (
	connWaiting connWaitState = iota
	connConnecting
	connSuccess
	connFailure
)

// connWait coordinates a connect race: the first caller to ask for an
// endpoint with no existing target becomes Connecting and builds it;
// everyone else waits on its event (spec.md §4.4).
type connWait struct {
	state connWaitState
	ch    chan struct{}
}

type scavengerEntry struct {
	target *ServerTarget
	expiry time.Time
}

// ClientRegistry is the global table of live ServerTargets, scavenger
// list, and connect-in-progress coordination (spec.md §4.4). No close
// analogue exists in the teacher (dcrodman-franz-go's Client owns its
// brokers permanently); this is new code in the teacher's terse,
// short-critical-section concurrency idiom.
type ClientRegistry struct {
	mu       *tryMutex
	active   map[string]*ServerTarget
	scavenger map[string]*scavengerEntry
	waiters  map[string][]*connWait

	cl *clientFacility

	stopCh chan struct{}
	stopped sync.Once
}

func newClientRegistry(cl *clientFacility) *ClientRegistry {
	r := &ClientRegistry{
		mu:        newTryMutex(),
		active:    make(map[string]*ServerTarget),
		scavenger: make(map[string]*scavengerEntry),
		waiters:   make(map[string][]*connWait),
		cl:        cl,
		stopCh:    make(chan struct{}),
	}
	go r.scavengerLoop()
	return r
}

// Acquire implements spec.md §4.4's Acquire protocol.
func (r *ClientRegistry) Acquire(endpoint string) (*ServerTarget, error) {
	for {
		r.mu.Lock()
		if t, ok := r.active[endpoint]; ok {
			t.refcount++
			r.mu.Unlock()
			return t, nil
		}
		if se, ok := r.scavenger[endpoint]; ok {
			delete(r.scavenger, endpoint)
			if se.target.alive() {
				se.target.refcount = 1
				r.active[endpoint] = se.target
				r.mu.Unlock()
				return se.target, nil
			}
			se.target.stop()
			r.mu.Unlock()
			continue // fall through and construct a fresh one
		}

		var waiting *connWait
		for _, w := range r.waiters[endpoint] {
			if w.state == connConnecting {
				waiting = w
				break
			}
		}
		if waiting != nil {
			mine := &connWait{state: connWaiting, ch: make(chan struct{})}
			r.waiters[endpoint] = append(r.waiters[endpoint], mine)
			r.mu.Unlock()

			select {
			case <-mine.ch:
			case <-time.After(connectWaitTimeout):
			}

			r.mu.Lock()
			r.removeWaiter(endpoint, mine)
			result := mine.state
			r.mu.Unlock()
			if result == connSuccess {
				continue // retry from the top; the target should now be active
			}
			return nil, ErrLostConnection
		}

		mine := &connWait{state: connConnecting, ch: make(chan struct{})}
		r.waiters[endpoint] = append(r.waiters[endpoint], mine)
		r.mu.Unlock()

		target := newServerTarget(r.cl, endpoint)
		target.start()
		ok := r.waitFirstConnect(target)

		r.mu.Lock()
		r.removeWaiter(endpoint, mine)
		if ok {
			target.refcount = 1
			r.active[endpoint] = target
			r.wakeWaiters(endpoint, connSuccess)
			r.mu.Unlock()
			return target, nil
		}
		r.wakeWaiters(endpoint, connFailure)
		r.mu.Unlock()
		target.stop()
		return nil, ErrLostConnection
	}
}

// waitFirstConnect blocks until the newly started target either
// reaches Connected or the connect timeout elapses.
func (r *ClientRegistry) waitFirstConnect(t *ServerTarget) bool {
	deadline := time.Now().Add(connectWaitTimeout)
	for time.Now().Before(deadline) {
		if t.alive() {
			return true
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-t.stopCh:
			return false
		}
	}
	return t.alive()
}

func (r *ClientRegistry) removeWaiter(endpoint string, w *connWait) {
	ws := r.waiters[endpoint]
	for i, cand := range ws {
		if cand == w {
			r.waiters[endpoint] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(r.waiters[endpoint]) == 0 {
		delete(r.waiters, endpoint)
	}
}

func (r *ClientRegistry) wakeWaiters(endpoint string, result connWaitState) {
	for _, w := range r.waiters[endpoint] {
		if w.state == connWaiting {
			w.state = result
			close(w.ch)
		}
	}
}

// Release decrements refcount. At zero the target moves to the
// scavenger list with a fresh expiry stamp, unless its socket is
// already dead, in which case it's destroyed immediately.
func (r *ClientRegistry) Release(t *ServerTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.refcount--
	if t.refcount < 0 {
		errInternal("server target refcount underflow for %s", t.Endpoint)
	}
	if t.refcount > 0 {
		return
	}
	delete(r.active, t.Endpoint)
	if !t.alive() {
		t.stop()
		return
	}
	r.scavenger[t.Endpoint] = &scavengerEntry{target: t, expiry: time.Now().Add(scavengerRetain)}
}

func (r *ClientRegistry) scavengerLoop() {
	ticker := time.NewTicker(scavengerTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepScavenger()
		}
	}
}

// sweepScavenger uses a try-lock so the background sweep never blocks
// call traffic (spec.md §4.4): if the mutex is contended for 250ms it
// skips this cycle.
func (r *ClientRegistry) sweepScavenger() {
	if !r.mu.TryLock(250 * time.Millisecond) {
		return
	}
	defer r.mu.Unlock()

	now := time.Now()
	for endpoint, se := range r.scavenger {
		if now.After(se.expiry) {
			delete(r.scavenger, endpoint)
			se.target.stop()
		}
	}
}

func (r *ClientRegistry) terminate() {
	r.stopped.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.active {
		t.stop()
	}
	for _, se := range r.scavenger {
		se.target.stop()
	}
	r.active = make(map[string]*ServerTarget)
	r.scavenger = make(map[string]*scavengerEntry)
}
