package orb

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

func startTestServer(t *testing.T) *serverFacility {
	t.Helper()
	srv, err := InitServer(0, WithInitialWorkers(2))
	if err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	t.Cleanup(srv.Terminate)
	return srv
}

// TestPingNilCallSmoke exercises spec.md §8's nil-call smoke scenario:
// a client repeatedly calling the built-in Ping object and getting its
// argument back, with the CmdItem pool fully drained between calls (no
// leak). The real scenario specifies 50,000 iterations; this uses a
// smaller count suitable for a unit test while exercising exactly the
// same pool-reuse path.
func TestPingNilCallSmoke(t *testing.T) {
	srv := startTestServer(t)
	cl := InitClient()
	t.Cleanup(cl.Terminate)

	const iterations = 200
	payload := make([]byte, 4)
	for i := 0; i < iterations; i++ {
		binary.LittleEndian.PutUint32(payload, uint32(i))
		got, err := Ping(cl, "127.0.0.1", srv.Port(), payload, 2*time.Second)
		if err != nil {
			t.Fatalf("Ping iteration %d: %v", i, err)
		}
		if binary.LittleEndian.Uint32(got) != uint32(i) {
			t.Fatalf("Ping iteration %d returned %x, want %d", i, got, i)
		}
	}
	if reserved := cl.pool.Reserved(); reserved != 0 {
		t.Fatalf("CmdItem pool leaked %d reservations after %d calls", reserved, iterations)
	}
}

// TestPingConcurrentCallers exercises spec.md §8's concurrent-callers
// scenario: many goroutines sharing one ServerTarget via the client
// registry, each completing its own call without cross-talk.
func TestPingConcurrentCallers(t *testing.T) {
	srv := startTestServer(t)
	cl := InitClient()
	t.Cleanup(cl.Terminate)

	const callers = 32
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := make([]byte, 4)
			binary.LittleEndian.PutUint32(payload, uint32(i))
			got, err := Ping(cl, "127.0.0.1", srv.Port(), payload, 2*time.Second)
			if err != nil {
				errCh <- err
				return
			}
			if binary.LittleEndian.Uint32(got) != uint32(i) {
				errCh <- newErr(KindInternal, "mismatched echo")
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent caller failed: %v", err)
	}
}

// TestProxyConnectedReflectsLifecycle checks the "is still connected"
// query spec.md §7 describes.
func TestProxyConnectedReflectsLifecycle(t *testing.T) {
	srv := startTestServer(t)
	cl := InitClient()
	t.Cleanup(cl.Terminate)

	locator := NewObjectLocator(PingObjectId, "127.0.0.1", srv.Port(), "orb")
	proxy, err := NewProxy(cl, locator)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	defer proxy.Close()

	deadline := time.Now().Add(time.Second)
	for !proxy.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !proxy.Connected() {
		t.Fatalf("proxy never reached Connected")
	}

	if _, err := proxy.Call(PingMethod, []byte{1, 2, 3, 4}, time.Second); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestTargetStatsShapeAfterCalls(t *testing.T) {
	srv := startTestServer(t)
	cl := InitClient()
	t.Cleanup(cl.Terminate)

	if _, err := Ping(cl, "127.0.0.1", srv.Port(), []byte{1, 2, 3, 4}, time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	target, ok := cl.registry.active[locatorEndpoint(srv.Port())]
	if !ok {
		// the target may already have moved to the scavenger list once
		// the proxy released it; check there too before failing.
		se, inScavenger := cl.registry.scavenger[locatorEndpoint(srv.Port())]
		if !inScavenger {
			t.Fatalf("no ServerTarget found for endpoint after a successful Ping")
		}
		target = se.target
	}

	if target.Stats.Sent == 0 || target.Stats.Received == 0 {
		t.Fatalf("unexpected stats shape after a successful call: %s", spew.Sdump(target.Stats))
	}
}

func locatorEndpoint(port int) string {
	return NewObjectLocator(PingObjectId, "127.0.0.1", port, "orb").Endpoint()
}

// TestCallAfterServerTerminateIsLostConnection exercises the
// error-taxonomy contract: once the server goes away, in-flight and
// subsequent calls surface KindLostConnection, not a hang.
func TestCallAfterServerTerminateIsLostConnection(t *testing.T) {
	srv, err := InitServer(0, WithInitialWorkers(1))
	if err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	cl := InitClient()
	t.Cleanup(cl.Terminate)

	port := srv.Port()
	if _, err := Ping(cl, "127.0.0.1", port, []byte{1, 2, 3, 4}, time.Second); err != nil {
		t.Fatalf("initial ping: %v", err)
	}

	srv.Terminate()
	time.Sleep(100 * time.Millisecond) // let the client's reader observe the closed socket

	_, err = Ping(cl, "127.0.0.1", port, []byte{1, 2, 3, 4}, 2*time.Second)
	if err == nil {
		t.Fatalf("expected an error once the server has terminated")
	}
	if k, ok := KindOf(err); !ok || k != KindLostConnection {
		t.Fatalf("err kind = %v, %v, want KindLostConnection, true", k, ok)
	}
}
