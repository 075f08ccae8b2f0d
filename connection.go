package orb

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxIdle          = 60 * time.Second
	connTick         = 250 * time.Millisecond
	connReadTimeout  = 0 // zero-wait drain reads, spec.md §4.7
	connWriteTimeout = 5 * time.Second
)

// ClientConnection is the server-side counterpart of ServerTarget: one
// accepted socket, a reply queue of WorkItems, and a dedicated
// goroutine pair (reader + writer/idle-watcher) exactly mirroring
// target.go's split, grounded the same way on dcrodman-franz-go's
// handleReqs/handleResps per-connection duty split (spec.md §4.7).
type ClientConnection struct {
	Id         uint64
	RemoteAddr string

	srv *serverFacility

	connMu sync.Mutex
	conn   net.Conn
	cdc    *codec

	replyMu sync.Mutex
	replies []*WorkItem
	wake    chan struct{}

	lastActivity atomic.Value // time.Time
	offline      int32        // atomic bool

	stopCh  chan struct{}
	stopped sync.Once
}

func newClientConnection(srv *serverFacility, id uint64, conn net.Conn) *ClientConnection {
	c := &ClientConnection{
		Id:         id,
		RemoteAddr: conn.RemoteAddr().String(),
		srv:        srv,
		conn:       conn,
		cdc:        newCodec(conn, srv.cfg.encrypter, srv.cfg.timeoutAdjust),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	c.lastActivity.Store(time.Now())
	return c
}

func (c *ClientConnection) start() {
	go c.readerLoop()
	go c.writerLoop()
}

func (c *ClientConnection) isOffline() bool {
	return atomic.LoadInt32(&c.offline) == 1
}

func (c *ClientConnection) touch() {
	c.lastActivity.Store(time.Now())
}

func (c *ClientConnection) idleFor() time.Duration {
	last, _ := c.lastActivity.Load().(time.Time)
	return time.Since(last)
}

// QueueReply enqueues a WorkItem's reply for sending, spec.md §4.7.
func (c *ClientConnection) QueueReply(item *WorkItem) {
	if c.isOffline() {
		c.srv.workers.bumpDropped()
		c.srv.workItems.Release(item)
		return
	}
	c.replyMu.Lock()
	c.replies = append(c.replies, item)
	c.replyMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// readerLoop enumerates socket frames as they arrive: each Packet
// becomes a WorkItem pushed to the shared work queue; each KeepAlive
// updates last-activity; Lost shuts the connection down (spec.md
// §4.7).
func (c *ClientConnection) readerLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		frame, err := c.cdc.ReadFrame(connTick)
		if err != nil {
			c.shutdown()
			return
		}
		switch frame.Kind {
		case FrameNoPacket:
			continue
		case FrameKeepAlive:
			c.touch()
		case FramePacket:
			c.touch()
			item := c.srv.workItems.Reserve()
			item.Buffer = frame.Payload
			item.ConnectionId = c.Id
			item.RemoteAddr = c.RemoteAddr
			item.SequenceId = frame.SequenceId
			item.StartTime = time.Now()
			c.srv.workQueue.Push(item)
		case FrameLost:
			c.shutdown()
			return
		}
	}
}

// writerLoop drains the reply queue as items arrive and watches for
// max-idle, spec.md §4.7.
func (c *ClientConnection) writerLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.wake:
			c.drainReplies()
		case <-time.After(connTick):
			if c.idleFor() > maxIdle {
				c.shutdown()
				return
			}
		}
	}
}

func (c *ClientConnection) drainReplies() {
	for {
		c.replyMu.Lock()
		if len(c.replies) == 0 {
			c.replyMu.Unlock()
			return
		}
		item := c.replies[0]
		c.replies = c.replies[1:]
		c.replyMu.Unlock()

		err := c.cdc.WriteFrame(item.SequenceId, item.Buffer, connWriteTimeout)
		c.srv.workItems.Release(item)
		if err != nil {
			c.srv.workers.bumpDropped()
		}
	}
}

// shutdown implements spec.md §4.7's shutdown sequence: set the
// offline flag, close the socket, drain whatever's left in the reply
// queue (each dropped item bumps the counter).
func (c *ClientConnection) shutdown() {
	if !atomic.CompareAndSwapInt32(&c.offline, 0, 1) {
		return
	}
	c.connMu.Lock()
	c.conn.Close()
	c.connMu.Unlock()
	c.stopped.Do(func() { close(c.stopCh) })

	c.replyMu.Lock()
	leftover := c.replies
	c.replies = nil
	c.replyMu.Unlock()
	for _, item := range leftover {
		c.srv.workers.bumpDropped()
		c.srv.workItems.Release(item)
	}
}

// connectionTable is the ConnectionManager's id->ClientConnection map,
// spec.md §4.7/§4.6. Offline entries are swept by the acceptor's
// periodic cycle, not removed synchronously on shutdown, so a worker
// racing to deliver a reply always finds either the live entry or
// nothing, never a half-removed one.
type connectionTable struct {
	mu      sync.Mutex
	byId    map[uint64]*ClientConnection
	nextId  uint64
}

func newConnectionTable() *connectionTable {
	return &connectionTable{byId: make(map[uint64]*ClientConnection)}
}

func (t *connectionTable) add(c *ClientConnection) {
	t.mu.Lock()
	t.byId[c.Id] = c
	t.mu.Unlock()
}

func (t *connectionTable) get(id uint64) (*ClientConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byId[id]
	return c, ok
}

func (t *connectionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byId)
}

// allocId returns the next nonzero, monotonic connection id (spec.md
// §3: "connection id (nonzero, monotonic)").
func (t *connectionTable) allocId() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextId++
	return t.nextId
}

// sweep removes every offline connection, called by the acceptor's
// periodic cycle (spec.md §4.6).
func (t *connectionTable) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.byId {
		if c.isOffline() {
			delete(t.byId, id)
		}
	}
}

func (t *connectionTable) each(fn func(*ClientConnection)) {
	t.mu.Lock()
	conns := make([]*ClientConnection, 0, len(t.byId))
	for _, c := range t.byId {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}
