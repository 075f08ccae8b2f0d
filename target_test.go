package orb

import (
	"testing"
	"time"
)

// slowObject answers after a configurable delay, letting tests drive
// the client-side Timeout/Orphan path deterministically.
type slowObject struct {
	locator ObjectLocator
	delay   time.Duration
}

func newSlowObject(host string, port int, delay time.Duration) *slowObject {
	id := NewObjectId("orb/Slow", "orb/Slow/well-known")
	return &slowObject{locator: NewObjectLocator(id, host, port, "orb"), delay: delay}
}

func (s *slowObject) Locator() ObjectLocator { return s.locator }

func (s *slowObject) Dispatch(method string, cmd []byte) ([]byte, error) {
	time.Sleep(s.delay)
	out := make([]byte, len(cmd))
	copy(out, cmd)
	return out, nil
}

func (s *slowObject) Terminate() {}

// TestOrphanOnTimeoutFreesItemAfterLateReply exercises spec.md §8
// scenario 4: a call that times out client-side gets ErrTimeout and
// its CmdItem is orphaned rather than freed immediately; the spooler
// then returns the item to the pool, either from its idle-tick
// reply-list sweep or from dispatchReply's orphan-discard branch when
// the slow server's late reply arrives, whichever reaches it first, so
// outstanding reservations settle back to zero without the caller
// ever calling Release on it.
func TestOrphanOnTimeoutFreesItemAfterLateReply(t *testing.T) {
	srv := startTestServer(t)
	slow := newSlowObject("127.0.0.1", srv.Port(), 300*time.Millisecond)
	if err := srv.registry.Register(slow, slow.Locator(), true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cl := InitClient()
	t.Cleanup(cl.Terminate)

	proxy, err := NewProxy(cl, slow.Locator())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	defer proxy.Close()

	before := cl.pool.Reserved()
	_, err = proxy.Call("Echo", []byte{1, 2, 3, 4}, 30*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("Call() = %v, want ErrTimeout", err)
	}
	if got := cl.pool.Reserved(); got <= before {
		t.Fatalf("Reserved() = %d after a timeout, want it to still hold the orphaned item (> %d)", got, before)
	}
	if proxy.target.Stats.Timeouts == 0 {
		t.Fatalf("target.Stats.Timeouts was not bumped on a client-side timeout")
	}

	// Give the slow server time to reply and the spooler time to
	// discover and discard the orphaned reply.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cl.pool.Reserved() <= before {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := cl.pool.Reserved(); got > before {
		t.Fatalf("Reserved() = %d, want it to settle back to %d once the late reply is discarded", got, before)
	}
	if proxy.target.Stats.Orphaned == 0 {
		t.Fatalf("target.Stats.Orphaned was not bumped once the late reply was discarded")
	}
}

// TestReconnectAfterServerRestart exercises spec.md §8 scenario 3: the
// server goes away and comes back on the same port, and a proxy that
// predates the outage succeeds again within the reconnect window
// (target.go's spoolerLoop retries at a quarter-second cadence) without
// the caller having to build a new Proxy.
func TestReconnectAfterServerRestart(t *testing.T) {
	srv1, err := InitServer(0, WithInitialWorkers(1))
	if err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	port := srv1.Port()

	cl := InitClient()
	t.Cleanup(cl.Terminate)

	locator := NewObjectLocator(PingObjectId, "127.0.0.1", port, "orb")
	proxy, err := NewProxy(cl, locator)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	defer proxy.Close()

	if _, err := proxy.Call(PingMethod, []byte{1, 2, 3, 4}, time.Second); err != nil {
		t.Fatalf("initial call: %v", err)
	}

	srv1.Terminate()

	var srv2 *serverFacility
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		srv2, err = InitServer(port, WithInitialWorkers(1))
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("InitServer on port %d never succeeded after the old server terminated: %v", port, err)
	}
	t.Cleanup(srv2.Terminate)

	// spec.md §8 scenario 3: new calls succeed within 10s of the
	// server coming back.
	deadline = time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		_, lastErr = proxy.Call(PingMethod, []byte{5, 6, 7, 8}, time.Second)
		if lastErr == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("proxy never recovered within 10s of the server restarting: %v", lastErr)
}
