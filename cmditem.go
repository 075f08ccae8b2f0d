package orb

import (
	"sync"
	"time"
)

// CmdState is a CmdItem's lifecycle state, spec.md §3.
type CmdState int

const (
	StateFree CmdState = iota
	StateWait
	StateCmdQ
	StateReplyList
	StateReady
	StateOrphaned
)

func (s CmdState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateWait:
		return "wait"
	case StateCmdQ:
		return "cmdq"
	case StateReplyList:
		return "reply-list"
	case StateReady:
		return "ready"
	case StateOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

const (
	cmdItemInitialCap = 1024
	cmdItemShrinkAbove = 16 * 1024
	cmdItemMaxCap      = maxPayload
)

// CmdItem is the per-call envelope: a reusable marshalling buffer, a
// sequence id, a lifecycle state guarded by its own mutex, and a
// one-shot wait event the caller blocks on. Grounded on the
// promise-style completion in dcrodman-franz-go's broker.go
// (promisedReq/promisedResp), generalized into the explicit state
// machine spec.md §3 requires.
type CmdItem struct {
	mu    sync.Mutex
	state CmdState

	buf []byte // output-mode (outbound) or input-mode (reply) contents

	SequenceId SequenceId
	StartTime  time.Time
	err        error

	waitCh chan struct{}
}

func newCmdItem() *CmdItem {
	return &CmdItem{
		buf:    make([]byte, 0, cmdItemInitialCap),
		waitCh: make(chan struct{}, 1),
	}
}

// reset clears a CmdItem for reuse, shrinking its buffer back to
// ~1KiB if its working size grew past 16KiB (spec.md §4.2).
func (c *CmdItem) reset() {
	if cap(c.buf) > cmdItemShrinkAbove {
		c.buf = make([]byte, 0, cmdItemInitialCap)
	} else {
		c.buf = c.buf[:0]
	}
	c.SequenceId = 0
	c.StartTime = time.Time{}
	c.err = nil
	select {
	case <-c.waitCh:
	default:
	}
}

// Output returns the buffer in output-mode for the caller to marshal
// the outgoing command into.
func (c *CmdItem) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

// SetOutput replaces the output-mode buffer. No size bound is applied
// here; a payload over 8MiB is rejected when the spooler writes it.
func (c *CmdItem) SetOutput(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = b
}

// Input returns the buffer in input-mode for the caller to unmarshal
// the reply from, once the item is Ready.
func (c *CmdItem) Input() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

// State returns the current lifecycle state under the item's mutex.
func (c *CmdItem) State() CmdState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error set by the spooler (LostConnection or
// a handshake rejection) if the reply never arrived successfully. A
// caller-side timeout is reported by Wait, not recorded here.
func (c *CmdItem) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the item transitions to Ready or the deadline
// elapses. On deadline, the caller's responsibility is to call
// Orphan(); the spooler reclaims the item whenever it next encounters
// it (spec.md §5 "Cancellation and timeouts").
func (c *CmdItem) Wait(deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-c.waitCh:
		c.waitCh <- struct{}{} // leave it signaled for a second observer, if any
		if err := c.Err(); err != nil {
			return err
		}
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// markReady transitions to Ready, optionally recording a terminal
// error, and wakes the waiter. Called by the spooler only.
func (c *CmdItem) markReady(buf []byte, err error) {
	c.mu.Lock()
	c.buf = buf
	c.err = err
	c.state = StateReady
	c.mu.Unlock()
	select {
	case c.waitCh <- struct{}{}:
	default:
	}
}

// Orphan marks the item Orphaned if it is currently in CmdQ or
// ReplyList, so the spooler knows to drop it instead of delivering a
// reply nobody is waiting for (spec.md §4.2 Release table). If the
// item has already reached Ready or never left Wait, nothing else
// will ever encounter it again (the spooler has already deleted it
// from its reply list before calling markReady), so this frees it
// back to pool directly instead of leaving it for a sweep that will
// never come — the same "Wait/Ready/Orphaned -> Free -> freeItem"
// path CmdItemPool.Release takes.
func (c *CmdItem) Orphan(pool *CmdItemPool) {
	c.mu.Lock()
	switch c.state {
	case StateCmdQ, StateReplyList:
		c.state = StateOrphaned
		c.mu.Unlock()
	case StateWait, StateReady:
		c.state = StateFree
		c.mu.Unlock()
		pool.freeItem(c)
	default:
		c.mu.Unlock()
	}
}

func (c *CmdItem) setState(s CmdState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *CmdItem) isOrphaned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOrphaned
}

// CmdItemPool is the process-wide bounded pool, spec.md §4.2: at most
// 128 simultaneously reserved items, the exclusive client-side
// backpressure mechanism.
type CmdItemPool struct {
	mu        sync.Mutex
	free      []*CmdItem
	reserved  int
	cap       int
}

// DefaultCmdItemPoolCap is spec.md §4.2's pool bound.
const DefaultCmdItemPoolCap = 128

func NewCmdItemPool(capacity int) *CmdItemPool {
	if capacity <= 0 {
		capacity = DefaultCmdItemPoolCap
	}
	return &CmdItemPool{cap: capacity}
}

// Reserve returns a Free item (allocating one if none are idle and
// the cap isn't hit) in state Wait, sized to at least capHint bytes.
// Exceeding the reservation cap returns ErrOutOfResource.
func (p *CmdItemPool) Reserve(capHint int) (*CmdItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var item *CmdItem
	if n := len(p.free); n > 0 {
		item = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.reserved >= p.cap {
			return nil, ErrOutOfResource
		}
		item = newCmdItem()
	}
	p.reserved++
	if cap(item.buf) < capHint {
		item.buf = make([]byte, 0, capHint)
	}
	item.setState(StateWait)
	return item, nil
}

// Release implements spec.md §4.2's Release table.
func (p *CmdItemPool) Release(item *CmdItem) {
	item.mu.Lock()
	switch item.state {
	case StateCmdQ, StateReplyList:
		item.state = StateOrphaned
		item.mu.Unlock()
		return
	case StateFree:
		item.mu.Unlock()
		return
	default: // Wait, Ready, Orphaned
		item.state = StateFree
	}
	item.mu.Unlock()

	p.freeItem(item)
}

// freeItem returns an item already in state Free to the pool. Called
// by Release directly, and by the spooler when it discovers an
// Orphaned item while dequeuing or sweeping.
func (p *CmdItemPool) freeItem(item *CmdItem) {
	item.reset()
	p.mu.Lock()
	p.reserved--
	if p.reserved < 0 {
		p.mu.Unlock()
		errInternal("cmd item pool reserved count underflow")
	}
	p.free = append(p.free, item)
	p.mu.Unlock()
}

// Reserved reports the current number of outstanding (non-pooled)
// items, for the monitor task and tests.
func (p *CmdItemPool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}
