package orb

import (
	"crypto/md5"
	"fmt"
)

// BucketCount is the fixed prime bucket count the object registry and
// every ObjectId hash against (spec.md §3 invariant 6).
const BucketCount = 109

// Hash128 is a pre-hashed 128-bit identifier, the representation
// ObjectId's two components share.
type Hash128 [16]byte

// HashString hashes name into a Hash128. The object registry is keyed
// by this value, not by name, so lookups never re-hash a string; the
// hash is computed once when the ObjectId is built.
func HashString(name string) Hash128 {
	return Hash128(md5.Sum([]byte(name)))
}

func (h Hash128) String() string { return fmt.Sprintf("%x", [16]byte(h)) }

// ObjectId is the identity of a remote interface instance, independent
// of location: an interface hash plus an instance hash, with the
// registry bucket index precomputed at construction (spec.md §3).
type ObjectId struct {
	InterfaceHash Hash128
	InstanceHash  Hash128
	bucket        uint32
}

// NewObjectId builds an ObjectId from an interface name and an
// instance name, hashing both and precomputing the bucket index.
func NewObjectId(interfaceName, instanceName string) ObjectId {
	return NewObjectIdFromHashes(HashString(interfaceName), HashString(instanceName))
}

// NewObjectIdFromHashes builds an ObjectId from already-computed
// hashes, as would arrive over the wire in an ObjectLocator.
func NewObjectIdFromHashes(ifaceHash, instHash Hash128) ObjectId {
	id := ObjectId{InterfaceHash: ifaceHash, InstanceHash: instHash}
	id.bucket = id.computeBucket()
	return id
}

func (id ObjectId) computeBucket() uint32 {
	var sum uint32
	for _, b := range id.InterfaceHash {
		sum = sum*31 + uint32(b)
	}
	for _, b := range id.InstanceHash {
		sum = sum*31 + uint32(b)
	}
	return sum % BucketCount
}

// Bucket returns the precomputed bucket index. Spec invariant 6:
// bucket_index(object_id) == object_id.hash mod BUCKET_COUNT.
func (id ObjectId) Bucket() uint32 { return id.bucket }

func (id ObjectId) Equal(other ObjectId) bool {
	return id.InterfaceHash == other.InterfaceHash && id.InstanceHash == other.InstanceHash
}

func (id ObjectId) String() string {
	return fmt.Sprintf("%s/%s", id.InterfaceHash, id.InstanceHash)
}

// ObjectLocator is an ObjectId plus enough addressing to contact it:
// host, port, a client-class tag (an opaque string the application
// uses to pick proxy behavior), and an optional resolved IP populated
// lazily by the client registry.
type ObjectLocator struct {
	ObjectId    ObjectId
	Host        string
	Port        int
	ClientClass string

	resolvedIP string
}

func NewObjectLocator(id ObjectId, host string, port int, clientClass string) ObjectLocator {
	return ObjectLocator{ObjectId: id, Host: host, Port: port, ClientClass: clientClass}
}

// Endpoint returns the host:port string this locator's ServerTarget is
// keyed by.
func (l ObjectLocator) Endpoint() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

func (l ObjectLocator) Equal(other ObjectLocator) bool {
	return l.ObjectId.Equal(other.ObjectId) && l.Host == other.Host &&
		l.Port == other.Port && l.ClientClass == other.ClientClass
}

func (l ObjectLocator) String() string {
	return fmt.Sprintf("%s@%s", l.ObjectId, l.Endpoint())
}

// SequenceId is a per-ServerTarget monotone correlation id (spec.md
// §3 invariant 4). 64 bits, reserved per the spec's note that 32 bits
// is acceptable only with an explicit overflow policy; this
// implementation takes the 64-bit option so overflow within a
// connection's lifetime cannot happen in practice.
type SequenceId uint64

// KeepAliveSequenceId is the sentinel sequence id keep-alive frames
// carry on the wire (spec.md §4.1).
const KeepAliveSequenceId SequenceId = 0x12345678
