package orb

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// targetState is the spooler's top-level state, spec.md §4.3.
type targetState int32

const (
	targetReconnecting targetState = iota
	targetConnected
)

const (
	handshakeTimeout  = 4 * time.Second
	connectTimeout    = 3 * time.Second
	pingIdle          = 30 * time.Second
	connectedTick     = 250 * time.Millisecond
	readFrameTimeout  = 200 * time.Millisecond
	writeFrameTimeout = 5 * time.Second
)

// ServerTarget is the client-side connection to one remote endpoint,
// shared by every proxy that addresses it. Grounded on
// dcrodman-franz-go's broker/brokerCxn split: one serialized writer
// (here, the spoolerLoop) and one reader (readerLoop) per
// connection, correlating replies by id instead of trusting request
// order. Unlike the teacher, net.Conn's documented safety for
// concurrent Read/Write from separate goroutines is used directly
// instead of funneling both directions through one select loop; each
// direction is still strictly single-reader/single-writer on its own.
type ServerTarget struct {
	Endpoint string

	cl *clientFacility

	state  int32 // targetState, atomic
	connMu sync.Mutex
	conn   net.Conn
	cdc    *codec
	epoch  int64 // bumped every reconnect; stale goroutines self-cancel

	mu       sync.Mutex // outbound FIFO + reply list + next-seq (spec.md "target.outbound_mutex")
	outbound []*CmdItem
	replies  map[SequenceId]*CmdItem
	nextSeq  uint64

	wake    chan struct{}
	stopCh  chan struct{}
	stopped sync.Once

	nextPing atomic.Value // time.Time

	// refcount and scavenger bookkeeping are owned by ClientRegistry,
	// which holds client_registry_mutex while touching them (spec.md
	// §5 lock ordering: client_registry_mutex before
	// target.outbound_mutex).
	refcount int
	reconnMode bool

	// stats, spec.md SPEC_FULL supplemented feature #2.
	Stats TargetStats
}

// TargetStats are the running counters CIDLib's ClientConnMgr keeps
// for its status dump, surfaced through the monitor task.
type TargetStats struct {
	Sent      int64
	Received  int64
	Timeouts  int64
	Orphaned  int64
	Reconnects int64
}

func newServerTarget(cl *clientFacility, endpoint string) *ServerTarget {
	t := &ServerTarget{
		Endpoint: endpoint,
		cl:       cl,
		replies:  make(map[SequenceId]*CmdItem),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	t.nextPing.Store(time.Now().Add(pingIdle))
	atomic.StoreInt32(&t.state, int32(targetReconnecting))
	return t
}

func (t *ServerTarget) getState() targetState {
	return targetState(atomic.LoadInt32(&t.state))
}

func (t *ServerTarget) setState(s targetState) {
	atomic.StoreInt32(&t.state, int32(s))
}

// start launches the spooler goroutine. Called once, by the client
// registry, right after construction.
func (t *ServerTarget) start() {
	go t.spoolerLoop()
}

// Queue implements spec.md §4.3's queueing contract: assigns the next
// sequence id, marks the item CmdQ, appends to the outbound FIFO, and
// wakes the spooler. Fails fast with ErrLostConnection if the target
// is reconnecting.
func (t *ServerTarget) Queue(item *CmdItem) (SequenceId, error) {
	t.mu.Lock()
	if t.getState() != targetConnected {
		t.mu.Unlock()
		return 0, ErrLostConnection
	}
	seq := SequenceId(t.nextSeq)
	t.nextSeq++
	item.SequenceId = seq
	item.StartTime = time.Now()
	item.setState(StateCmdQ)
	t.outbound = append(t.outbound, item)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return seq, nil
}

// stop tears the spooler down permanently (facility Terminate).
func (t *ServerTarget) stop() {
	t.stopped.Do(func() { close(t.stopCh) })
}

func (t *ServerTarget) isStopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// spoolerLoop is the writer/control loop: one goroutine for the
// target's lifetime, alternating between Reconnecting and Connected
// per spec.md §4.3.
func (t *ServerTarget) spoolerLoop() {
	for !t.isStopped() {
		switch t.getState() {
		case targetReconnecting:
			t.reconnectOnce()
		case targetConnected:
			t.connectedTick()
		}
	}
	t.teardownConn(ErrLostConnection)
}

func (t *ServerTarget) reconnectOnce() {
	conn, err := net.DialTimeout("tcp", t.Endpoint, connectTimeout+t.cl.cfg.timeoutAdjust)
	if err != nil {
		t.abortLeaked(ErrLostConnection)
		t.sleepBackoff()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	status, err := t.handshake(conn)
	if err != nil {
		conn.Close()
		t.abortLeaked(err)
		t.sleepBackoff()
		return
	}
	switch status {
	case handshakeAccepted:
		// fall through
	case handshakeTooMany:
		conn.Close()
		t.abortLeaked(ErrRejectedTooMany)
		t.sleepBackoff()
		return
	case handshakeNotBlessed:
		conn.Close()
		t.abortLeaked(ErrRejectedNotBlessed)
		t.sleepBackoff()
		return
	default:
		conn.Close()
		t.abortLeaked(ErrLostConnection)
		t.sleepBackoff()
		return
	}

	t.connMu.Lock()
	t.conn = conn
	t.cdc = newCodec(conn, t.cl.cfg.encrypter, t.cl.cfg.timeoutAdjust)
	t.epoch++
	epoch := t.epoch
	t.connMu.Unlock()

	t.nextPing.Store(time.Now().Add(pingIdle))
	t.setState(targetConnected)
	if t.reconnMode {
		t.Stats.Reconnects++
	}
	t.reconnMode = true
	t.cl.cfg.logger.Log(LogLevelInfo, "target connected", "endpoint", t.Endpoint)
	go t.readerLoop(epoch)
}

func (t *ServerTarget) sleepBackoff() {
	select {
	case <-time.After(250 * time.Millisecond):
	case <-t.stopCh:
	}
}

// handshake implements spec.md §6: read exactly 4 bytes within
// 4s+adjust; the status code tells the caller accepted/too-many/
// not-blessed/other.
func (t *ServerTarget) handshake(conn net.Conn) (uint32, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout + t.cl.cfg.timeoutAdjust))
	buf := make([]byte, 4)
	n := 0
	for n < 4 {
		nr, err := conn.Read(buf[n:])
		if err != nil {
			return 0, ErrLostConnection
		}
		n += nr
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// abortLeaked aborts any CmdItems that were queued during a reconnect
// window before the state flip back to Reconnecting took effect.
func (t *ServerTarget) abortLeaked(err error) {
	t.mu.Lock()
	leaked := t.outbound
	t.outbound = nil
	t.mu.Unlock()
	for _, item := range leaked {
		item.markReady(nil, err)
	}
}

// connectedTick runs one iteration of the Connected state: a single
// 250ms-bounded wait on either outbound-queue-nonempty or the ping
// deadline, per spec.md §4.3. Socket reads happen concurrently in
// readerLoop.
func (t *ServerTarget) connectedTick() {
	select {
	case <-t.wake:
		t.drainOutbound()
	case <-time.After(connectedTick):
		t.maybePing()
		t.sweepOrphanedReplies()
	case <-t.stopCh:
	}
}

func (t *ServerTarget) maybePing() {
	deadline, _ := t.nextPing.Load().(time.Time)
	if time.Now().Before(deadline) {
		return
	}
	t.connMu.Lock()
	cdc := t.cdc
	t.connMu.Unlock()
	if cdc == nil {
		return
	}
	if err := cdc.WriteKeepAlive(writeFrameTimeout); err != nil {
		t.handleConnError(err)
		return
	}
	t.nextPing.Store(time.Now().Add(pingIdle))
}

// drainOutbound encodes and sends every item currently queued, in FIFO
// order, moving each to the reply list on success (spec.md §4.3).
func (t *ServerTarget) drainOutbound() {
	for {
		t.mu.Lock()
		if len(t.outbound) == 0 {
			t.mu.Unlock()
			return
		}
		item := t.outbound[0]
		t.outbound = t.outbound[1:]
		t.mu.Unlock()

		if item.isOrphaned() {
			t.cl.pool.freeItem(item)
			t.Stats.Orphaned++
			continue
		}

		t.mu.Lock()
		item.setState(StateReplyList)
		t.replies[item.SequenceId] = item
		t.mu.Unlock()

		t.connMu.Lock()
		cdc := t.cdc
		t.connMu.Unlock()
		if cdc == nil {
			t.handleConnError(ErrLostConnection)
			return
		}
		if err := cdc.WriteFrame(item.SequenceId, item.Output(), writeFrameTimeout); err != nil {
			t.handleConnError(err)
			return
		}
		t.Stats.Sent++
	}
}

// sweepOrphanedReplies frees any reply-list entries that were orphaned
// by a caller timeout, bounding the worst-case leak to one idle tick
// instead of "until the next reply arrives" (spec.md §9 open question
// on opportunistic-only sweeping).
func (t *ServerTarget) sweepOrphanedReplies() {
	t.mu.Lock()
	var drop []*CmdItem
	for seq, item := range t.replies {
		if item.isOrphaned() {
			drop = append(drop, item)
			delete(t.replies, seq)
		}
	}
	t.mu.Unlock()
	for _, item := range drop {
		t.cl.pool.freeItem(item)
		t.Stats.Orphaned++
	}
}

// readerLoop is the dedicated reader goroutine for one connection
// generation (epoch). It exits as soon as it observes a stale epoch
// or a read error, handing off to handleConnError.
func (t *ServerTarget) readerLoop(epoch int64) {
	for {
		t.connMu.Lock()
		if t.epoch != epoch {
			t.connMu.Unlock()
			return
		}
		cdc := t.cdc
		t.connMu.Unlock()
		if cdc == nil {
			return
		}

		frame, err := cdc.ReadFrame(readFrameTimeout)
		if err != nil {
			t.handleConnError(err)
			return
		}
		switch frame.Kind {
		case FrameNoPacket:
			continue
		case FrameKeepAlive:
			continue // client never expects a keep-alive from the server
		case FramePacket:
			t.dispatchReply(frame)
		case FrameLost:
			t.handleConnError(ErrLostConnection)
			return
		}
	}
}

func (t *ServerTarget) dispatchReply(frame Frame) {
	t.mu.Lock()
	item, ok := t.replies[frame.SequenceId]
	if ok {
		delete(t.replies, frame.SequenceId)
	}
	t.mu.Unlock()

	if !ok {
		t.cl.cfg.logger.Log(LogLevelWarn, "reply with no matching sequence id", "endpoint", t.Endpoint, "seq", frame.SequenceId)
		return
	}
	if item.isOrphaned() {
		t.cl.pool.freeItem(item)
		t.Stats.Orphaned++
		return
	}
	item.markReady(frame.Payload, nil)
	t.Stats.Received++
}

// handleConnError tears down the current connection generation and
// flips the target back to Reconnecting, aborting every CmdItem
// currently in the outbound queue or reply list with ErrLostConnection
// (spec.md §4.3).
func (t *ServerTarget) handleConnError(err error) {
	t.connMu.Lock()
	if t.getState() != targetConnected {
		t.connMu.Unlock()
		return
	}
	t.setState(targetReconnecting)
	t.epoch++
	conn := t.conn
	t.conn = nil
	t.cdc = nil
	t.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}

	t.mu.Lock()
	pending := t.outbound
	t.outbound = nil
	for _, item := range t.replies {
		pending = append(pending, item)
	}
	t.replies = make(map[SequenceId]*CmdItem)
	t.mu.Unlock()

	for _, item := range pending {
		item.markReady(nil, err)
	}
	t.cl.cfg.logger.Log(LogLevelWarn, "target connection lost", "endpoint", t.Endpoint, "err", err)
}

func (t *ServerTarget) teardownConn(err error) {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.cdc = nil
	t.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.abortLeaked(err)
	t.mu.Lock()
	for _, item := range t.replies {
		item.markReady(nil, err)
	}
	t.replies = make(map[SequenceId]*CmdItem)
	t.mu.Unlock()
}

// alive reports whether the target's socket is currently usable,
// used by the client registry's scavenger-resurrection path.
func (t *ServerTarget) alive() bool {
	return t.getState() == targetConnected
}
