package orb

import (
	"testing"
	"time"
)

func TestCmdItemPoolReserveRelease(t *testing.T) {
	p := NewCmdItemPool(2)

	a, err := p.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if a.State() != StateWait {
		t.Fatalf("freshly reserved item state = %v, want Wait", a.State())
	}

	b, err := p.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if _, err := p.Reserve(16); err != ErrOutOfResource {
		t.Fatalf("Reserve over cap = %v, want ErrOutOfResource", err)
	}

	p.Release(a)
	if p.Reserved() != 1 {
		t.Fatalf("Reserved() = %d, want 1 after releasing one of two", p.Reserved())
	}

	c, err := p.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
	p.Release(b)
	p.Release(c)
	if p.Reserved() != 0 {
		t.Fatalf("Reserved() = %d, want 0", p.Reserved())
	}
}

// TestCmdItemReleaseOrphansInFlight exercises spec.md §4.2's Release
// table: releasing an item still in CmdQ or ReplyList orphans it
// instead of returning it to the pool immediately, since the spooler
// may still hold a reference.
func TestCmdItemReleaseOrphansInFlight(t *testing.T) {
	p := NewCmdItemPool(4)
	item, err := p.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	item.setState(StateCmdQ)

	p.Release(item)
	if item.State() != StateOrphaned {
		t.Fatalf("state after releasing an in-flight item = %v, want Orphaned", item.State())
	}
	if p.Reserved() != 1 {
		t.Fatalf("Reserved() = %d, want 1 (orphaned item isn't back in the pool yet)", p.Reserved())
	}

	// The spooler eventually discovers the orphan and frees it.
	p.freeItem(item)
	if p.Reserved() != 0 {
		t.Fatalf("Reserved() = %d, want 0 after freeItem", p.Reserved())
	}
}

func TestCmdItemWaitTimesOut(t *testing.T) {
	item := newCmdItem()
	item.setState(StateCmdQ)
	err := item.Wait(time.Now().Add(20 * time.Millisecond))
	if err != ErrTimeout {
		t.Fatalf("Wait() = %v, want ErrTimeout", err)
	}
}

func TestCmdItemWaitDeliversReply(t *testing.T) {
	item := newCmdItem()
	item.setState(StateReplyList)
	go func() {
		time.Sleep(5 * time.Millisecond)
		item.markReady([]byte("reply"), nil)
	}()
	if err := item.Wait(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	if string(item.Input()) != "reply" {
		t.Fatalf("Input() = %q, want %q", item.Input(), "reply")
	}
}

func TestCmdItemWaitSurfacesTerminalError(t *testing.T) {
	item := newCmdItem()
	item.setState(StateReplyList)
	item.markReady(nil, ErrLostConnection)
	if err := item.Wait(time.Now().Add(time.Second)); err != ErrLostConnection {
		t.Fatalf("Wait() = %v, want ErrLostConnection", err)
	}
}

func TestCmdItemOrphanTransitions(t *testing.T) {
	cases := []struct {
		from        CmdState
		want        CmdState
		freedByPool bool
	}{
		{StateCmdQ, StateOrphaned, false},
		{StateReplyList, StateOrphaned, false},
		{StateWait, StateFree, true},
		{StateReady, StateFree, true},
	}
	for _, c := range cases {
		p := NewCmdItemPool(4)
		item, err := p.Reserve(16)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		item.setState(c.from)
		item.Orphan(p)
		if item.State() != c.want {
			t.Errorf("Orphan() from %v = %v, want %v", c.from, item.State(), c.want)
		}
		wantReserved := 1
		if c.freedByPool {
			wantReserved = 0
		}
		if got := p.Reserved(); got != wantReserved {
			t.Errorf("Orphan() from %v left Reserved() = %d, want %d", c.from, got, wantReserved)
		}
	}
}

// TestCmdItemOrphanFreesAlreadyReadyItem exercises the race this
// method exists to handle: Wait's timer and a concurrently arriving
// reply can both become ready simultaneously, so Orphan() can be
// called against an item the spooler has already moved to Ready (and
// already dropped its own reference to). Orphan must free it
// immediately, not leave it for a sweep that will never come.
func TestCmdItemOrphanFreesAlreadyReadyItem(t *testing.T) {
	p := NewCmdItemPool(4)
	item, err := p.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	item.setState(StateReplyList)
	item.markReady([]byte("late reply"), nil)

	item.Orphan(p)
	if item.State() != StateFree {
		t.Fatalf("Orphan() on a Ready item = %v, want Free", item.State())
	}
	if got := p.Reserved(); got != 0 {
		t.Fatalf("Reserved() = %d after orphaning a Ready item, want 0 (freed immediately)", got)
	}
}

func TestCmdItemResetShrinksOversizedBuffer(t *testing.T) {
	item := newCmdItem()
	item.SetOutput(make([]byte, cmdItemShrinkAbove+1))
	item.reset()
	if cap(item.buf) != cmdItemInitialCap {
		t.Fatalf("reset() left cap %d, want shrink back to %d", cap(item.buf), cmdItemInitialCap)
	}
}
