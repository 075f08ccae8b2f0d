package orb

import (
	"fmt"
	"sync"
	"time"
)

const monitorTick = 2 * time.Second

// clientFacility is the process-wide client-side state: the CmdItem
// pool, the server target registry, and the binding-name cache, wired
// together once by InitClient (spec.md §4.10).
type clientFacility struct {
	cfg          *clientConfig
	pool         *CmdItemPool
	registry     *ClientRegistry
	bindingCache *BindingCache

	monitorStop chan struct{}
	terminated  sync.Once
}

// InitClient builds the client-side facility: a CmdItem pool, a
// ClientRegistry (which starts its own scavenger goroutine), a
// BindingCache, and a 2s monitor task logging pool/queue depth
// (SPEC_FULL.md supplemented feature #2's running stats, surfaced here
// rather than dropped since no metrics sink is in scope).
func InitClient(opts ...ClientOption) *clientFacility {
	cfg := newClientConfig(opts)
	cl := &clientFacility{
		cfg:         cfg,
		pool:        NewCmdItemPool(cfg.cmdPoolCap),
		bindingCache: NewBindingCache(cfg.bindingCacheCap, cfg.bindingLease, cfg.forcedRefresh),
		monitorStop: make(chan struct{}),
	}
	cl.registry = newClientRegistry(cl)
	go cl.monitorLoop()
	return cl
}

func (cl *clientFacility) monitorLoop() {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-cl.monitorStop:
			return
		case <-ticker.C:
			cl.cfg.logger.Log(LogLevelDebug, "client facility status",
				"cmditems_reserved", cl.pool.Reserved(),
				"binding_cache_len", cl.bindingCache.Len())
			cl.logTargetStats()
		}
	}
}

// logTargetStats walks every active and scavenged ServerTarget and
// logs its running counters (SPEC_FULL.md supplemented feature #2),
// alongside the pool/cache sizes above.
func (cl *clientFacility) logTargetStats() {
	cl.registry.mu.Lock()
	targets := make([]*ServerTarget, 0, len(cl.registry.active)+len(cl.registry.scavenger))
	for _, t := range cl.registry.active {
		targets = append(targets, t)
	}
	for _, se := range cl.registry.scavenger {
		targets = append(targets, se.target)
	}
	cl.registry.mu.Unlock()

	for _, t := range targets {
		cl.cfg.logger.Log(LogLevelDebug, "server target status",
			"endpoint", t.Endpoint,
			"sent", t.Stats.Sent,
			"received", t.Stats.Received,
			"timeouts", t.Stats.Timeouts,
			"orphaned", t.Stats.Orphaned,
			"reconnects", t.Stats.Reconnects)
	}
}

// Terminate tears the client facility down: stops the monitor, then
// the registry (which stops every active and scavenged ServerTarget).
// Idempotent (spec.md §4.10).
func (cl *clientFacility) Terminate() {
	cl.terminated.Do(func() {
		close(cl.monitorStop)
		cl.registry.terminate()
	})
}

// Resolve looks a binding name up in the client's cache, returning it
// directly on a hit. A miss is the caller's cue to consult its name
// server object and then call Bind to populate the cache.
func (cl *clientFacility) Resolve(binding string) (ObjectLocator, bool) {
	return cl.bindingCache.Lookup(binding)
}

// Bind installs a resolved binding into the cache, refreshing its
// lease if already present.
func (cl *clientFacility) Bind(binding string, locator ObjectLocator) {
	cl.bindingCache.Refresh(binding, locator)
}

// serverFacility is the process-wide server-side state: the object
// registry, work queue, worker pool, connection table, and acceptor
// (spec.md §4.10).
type serverFacility struct {
	cfg *serverConfig

	registry    *ObjectRegistry
	workQueue   *WorkQueue
	workItems   *WorkItemPool
	workers     *WorkerPool
	connections *connectionTable
	acceptor    *Acceptor

	monitorStop chan struct{}
	terminated  sync.Once
}

// InitServer builds the server-side facility, registers the built-in
// Ping diagnostic object (SPEC_FULL.md supplemented feature #4), starts
// the initial worker pool, and binds the listener. The bound port is
// available from the returned facility's Port method once this
// returns, which matters when port is 0 (OS-assigned).
func InitServer(port int, opts ...ServerOption) (*serverFacility, error) {
	cfg := newServerConfig(port, opts)
	srv := &serverFacility{
		cfg:         cfg,
		registry:    NewObjectRegistry(),
		workQueue:   NewWorkQueue(),
		workItems:   NewWorkItemPool(),
		connections: newConnectionTable(),
		monitorStop: make(chan struct{}),
	}
	srv.workers = newWorkerPool(srv)
	srv.acceptor = newAcceptor(srv)

	if err := srv.acceptor.start(); err != nil {
		return nil, err
	}
	srv.workers.start(cfg.initialWorkers)

	ping := newPingObject("", srv.acceptor.Port())
	if err := srv.registry.Register(ping, ping.Locator(), true); err != nil {
		errInternal("failed to register built-in ping object: %v", err)
	}

	go srv.monitorLoop()
	return srv, nil
}

// Port returns the server's actual bound listen port.
func (srv *serverFacility) Port() int {
	return srv.acceptor.Port()
}

func (srv *serverFacility) monitorLoop() {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-srv.monitorStop:
			return
		case <-ticker.C:
			srv.cfg.logger.Log(LogLevelDebug, "server facility status",
				"connections", srv.connections.count(),
				"workers", srv.workers.Count(),
				"queue_depth", srv.workQueue.Depth(),
				"objects", srv.registry.Len(),
				"dropped_replies", srv.workers.DroppedReplies)
		}
	}
}

// Terminate shuts every registered object down (draining in-flight
// dispatches per object), stops the acceptor, closes every live
// connection, and stops the worker pool. Idempotent (spec.md §4.10).
func (srv *serverFacility) Terminate() {
	srv.terminated.Do(func() {
		close(srv.monitorStop)
		srv.acceptor.stop()
		srv.connections.each(func(c *ClientConnection) { c.shutdown() })
		srv.registry.Each(func(id ObjectId) { srv.registry.Deregister(id, srv.cfg.logger) })
		srv.workQueue.Close()
		srv.workers.stop()
	})
}

// Proxy is a client-side handle to one remote object: it acquires (and
// eventually releases) the shared ServerTarget for the object's
// endpoint, and turns one logical call into a CmdItem reservation,
// queue, wait, and release (spec.md §7's call contract).
type Proxy struct {
	cl      *clientFacility
	locator ObjectLocator
	target  *ServerTarget
}

// NewProxy acquires the ServerTarget for locator's endpoint. The
// caller must call Close when done to release the shared connection.
func NewProxy(cl *clientFacility, locator ObjectLocator) (*Proxy, error) {
	target, err := cl.registry.Acquire(locator.Endpoint())
	if err != nil {
		return nil, err
	}
	return &Proxy{cl: cl, locator: locator, target: target}, nil
}

// Close releases the proxy's reference on the shared ServerTarget.
func (p *Proxy) Close() {
	p.cl.registry.Release(p.target)
}

// Connected reports whether the proxy's underlying target currently
// has a live connection, spec.md §7's "is still connected" query.
func (p *Proxy) Connected() bool {
	return p.target.alive()
}

// Call marshals method+params for the proxy's object, sends it, and
// blocks for timeout waiting for the reply, returning the decoded
// result bytes or a KindError wrapping either a transport failure or a
// server-side Dispatch error (spec.md §7).
func (p *Proxy) Call(method string, params []byte, timeout time.Duration) ([]byte, error) {
	item, err := p.cl.pool.Reserve(cmdItemInitialCap)
	if err != nil {
		return nil, err
	}
	item.SetOutput(EncodeCommand(p.locator.ObjectId, method, params))

	if _, err := p.target.Queue(item); err != nil {
		p.cl.pool.Release(item)
		return nil, err
	}

	waitErr := item.Wait(time.Now().Add(timeout))
	if waitErr != nil {
		if waitErr == ErrTimeout {
			p.target.Stats.Timeouts++
			// The item may still be sitting in the target's outbound
			// queue or reply list; Orphan it and let the spooler
			// reclaim it (via CmdItemPool.freeItem) whenever it next
			// encounters it. Wait's select has no ordering guarantee
			// between the timer and a concurrently-arriving reply, so
			// the item may already be Ready here — Orphan handles that
			// case itself by freeing the item immediately, since the
			// spooler has already dropped its own reference to it.
			item.Orphan(p.cl.pool)
			return nil, waitErr
		}
		p.cl.pool.Release(item)
		return nil, waitErr
	}

	result, callErr := decodeReply(item.Input())
	p.cl.pool.Release(item)

	// spec.md §7: a NotFound reply means the binding this proxy was
	// resolved through no longer points at a live object (the server
	// restarted, or deregistered it) — drop it from the cache so the
	// next Resolve forces a fresh name-server round trip instead of
	// handing out the same stale locator again.
	if k, ok := KindOf(callErr); ok && k == KindNotFound {
		p.cl.bindingCache.InvalidateLocator(p.locator)
	}

	return result, callErr
}

// Ping calls the well-known built-in diagnostic object at host:port,
// echoing payload back. Used by the nil-call smoke scenario (spec.md
// §8) and by cmd/orbping.
func Ping(cl *clientFacility, host string, port int, payload []byte, timeout time.Duration) ([]byte, error) {
	locator := NewObjectLocator(PingObjectId, host, port, "orb")
	proxy, err := NewProxy(cl, locator)
	if err != nil {
		return nil, err
	}
	defer proxy.Close()
	return proxy.Call(PingMethod, payload, timeout)
}

// String satisfies fmt.Stringer for a Proxy, handy in log lines.
func (p *Proxy) String() string {
	return fmt.Sprintf("proxy(%s)", p.locator)
}
