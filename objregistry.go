package orb

import (
	"sync"
	"sync/atomic"
	"time"
)

const deregisterDrainTimeout = 10 * time.Second
const deregisterPollInterval = 100 * time.Millisecond

// regNode is one bucket-chain link. Grounded directly on
// CIDOrb_ObjList.cpp/.hpp's bucketed hash; spec.md §9 open question #1
// flags that file's Add path as possibly linking a new node to itself
// before nulling its next pointer. This implementation always links
// the previous tail's next to the new node and sets the new node's
// next to nil — the faithful (non-buggy) behaviour spec.md asks for.
type regNode struct {
	id     ObjectId
	obj    ServerObject
	locator ObjectLocator
	owned  bool
	entered int32
	next   *regNode

	// deregistering is set under r.mu by Deregister before it starts
	// draining, so Lookup/Enter stop handing the node out to new
	// callers while it is still reachable in its bucket chain for
	// Leave (see find vs findAny below).
	deregistering bool
}

// ObjectRegistry is the fixed BUCKET_COUNT=109 bucketed hash of
// registered server objects with the entered-count gate that makes
// Deregister safe to call while calls are in flight (spec.md §4.9).
type ObjectRegistry struct {
	mu      sync.Mutex
	buckets [BucketCount]*regNode
	size    int
}

func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{}
}

// Register adds obj under its own ObjectLocator's ObjectId. owned is
// recorded on the node; Deregister calls obj.Terminate on every object
// whether owned or not (spec.md §4.9).
func (r *ObjectRegistry) Register(obj ServerObject, locator ObjectLocator, owned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := locator.ObjectId.Bucket()
	if bucket >= BucketCount {
		errInternal("object registry bucket index %d out of range", bucket)
	}
	for n := r.buckets[bucket]; n != nil; n = n.next {
		if n.id.Equal(locator.ObjectId) {
			return ErrDuplicate
		}
	}

	node := &regNode{id: locator.ObjectId, obj: obj, locator: locator, owned: owned}
	if head := r.buckets[bucket]; head == nil {
		r.buckets[bucket] = node
	} else {
		tail := head
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = node
		node.next = nil
	}
	r.size++
	return nil
}

// Lookup scans the target bucket's chain; expected cost is constant
// since chains stay short with a well-distributed 109-bucket hash.
func (r *ObjectRegistry) Lookup(id ObjectId) (ServerObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.find(id)
	if n == nil {
		return nil, false
	}
	return n.obj, true
}

// Enter looks up id and, while still holding the registry lock,
// increments its entered-count — this is what prevents destruction-
// during-dispatch (spec.md §4.8). A node already being deregistered is
// treated as not found, so no new dispatch can start once Deregister
// has begun draining it. The caller must pair a successful Enter with
// a later Leave.
func (r *ObjectRegistry) Enter(id ObjectId) (ServerObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.find(id)
	if n == nil {
		return nil, false
	}
	atomic.AddInt32(&n.entered, 1)
	return n.obj, true
}

// Leave decrements the entered-count for id. Unlike Lookup/Enter, this
// must still find a node that Deregister has marked deregistering:
// Deregister leaves the node linked in its bucket chain for exactly
// this reason until its drain completes, so a Dispatch that entered
// before Deregister started can still gate its own exit.
func (r *ObjectRegistry) Leave(id ObjectId) {
	r.mu.Lock()
	n := r.findAny(id)
	r.mu.Unlock()
	if n != nil {
		atomic.AddInt32(&n.entered, -1)
	}
}

// find returns the live (non-deregistering) node for id, if any — what
// Lookup and Enter use to keep from handing a node being torn down to
// a new caller.
func (r *ObjectRegistry) find(id ObjectId) *regNode {
	n := r.findAny(id)
	if n != nil && n.deregistering {
		return nil
	}
	return n
}

// findAny returns id's node regardless of deregistering state, walking
// the bucket chain it is still linked into. Deregister only unlinks a
// node once its drain is done, so this remains reachable for Leave
// throughout the drain window.
func (r *ObjectRegistry) findAny(id ObjectId) *regNode {
	bucket := id.Bucket()
	for n := r.buckets[bucket]; n != nil; n = n.next {
		if n.id.Equal(id) {
			return n
		}
	}
	return nil
}

// Deregister marks obj's ObjectId as deregistering (so Lookup/Enter
// stop handing it out, but Leave can still reach it), polls its
// entered-count at 100ms intervals until it drains to zero or 10s
// elapse (at which point it logs and proceeds anyway), unlinks the
// node from its bucket, calls Terminate, and — if owned — lets it be
// discarded (spec.md §4.9).
func (r *ObjectRegistry) Deregister(id ObjectId, logger Logger) {
	r.mu.Lock()
	n := r.findAny(id)
	if n == nil {
		r.mu.Unlock()
		return
	}
	n.deregistering = true
	r.mu.Unlock()

	deadline := time.Now().Add(deregisterDrainTimeout)
	for atomic.LoadInt32(&n.entered) > 0 {
		if time.Now().After(deadline) {
			if logger != nil {
				logger.Log(LogLevelWarn, "deregister drain timed out", "object_id", id.String(), "entered", atomic.LoadInt32(&n.entered))
			}
			break
		}
		time.Sleep(deregisterPollInterval)
	}

	r.mu.Lock()
	bucket := id.Bucket()
	var prev *regNode
	cur := r.buckets[bucket]
	for cur != nil && cur != n {
		prev = cur
		cur = cur.next
	}
	if cur != nil {
		if prev == nil {
			r.buckets[bucket] = cur.next
		} else {
			prev.next = cur.next
		}
		cur.next = nil
		r.size--
	}
	r.mu.Unlock()

	n.obj.Terminate()
}

// Len reports the number of registered objects, for the monitor task.
func (r *ObjectRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Each iterates every registered object, bucket-then-chain, used by
// Terminate for mass shutdown with drain semantics (SPEC_FULL.md
// supplemented feature #3, grounded on CIDOrb_ObjList.cpp's shutdown
// walk).
func (r *ObjectRegistry) Each(fn func(ObjectId)) {
	r.mu.Lock()
	ids := make([]ObjectId, 0, r.size)
	for _, head := range r.buckets {
		for n := head; n != nil; n = n.next {
			ids = append(ids, n.id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		fn(id)
	}
}
