package orb

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can make dispatch decisions
// (retry, invalidate a cache entry, treat the connection as dead)
// without string-matching error text.
type Kind int

const (
	// KindLostConnection covers peer close, I/O timeout during active
	// traffic, and handshake failure.
	KindLostConnection Kind = iota
	// KindTimeout is a caller-side deadline elapsing before a reply.
	KindTimeout
	// KindNotFound is an unknown ObjectId on the server.
	KindNotFound
	// KindDuplicate is registering an ObjectId that already exists.
	KindDuplicate
	// KindRejectedTooMany is a handshake-time rejection: too many clients.
	KindRejectedTooMany
	// KindRejectedNotBlessed is a handshake-time rejection: source not permitted.
	KindRejectedNotBlessed
	// KindBadFrame is a magic mismatch, hash mismatch, zero-length or
	// oversized data frame. A partial read is KindLostConnection.
	KindBadFrame
	// KindOutOfResource is CmdItem pool exhaustion.
	KindOutOfResource
	// KindInternal is an invariant violation; treated as process-fatal
	// by callers that check for it.
	KindInternal
	// KindNotReady is an API called before the relevant Init.
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindLostConnection:
		return "lost-connection"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not-found"
	case KindDuplicate:
		return "duplicate"
	case KindRejectedTooMany:
		return "rejected-too-many"
	case KindRejectedNotBlessed:
		return "rejected-not-blessed"
	case KindBadFrame:
		return "bad-frame"
	case KindOutOfResource:
		return "out-of-resource"
	case KindInternal:
		return "internal"
	case KindNotReady:
		return "not-ready"
	default:
		return "unknown"
	}
}

// KindError is the one wrapper type in the taxonomy; everything else
// is a plain sentinel. Callers that need the Kind use errors.As.
type KindError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *KindError) Unwrap() error { return e.Err }

func newErr(k Kind, msg string) error {
	return &KindError{Kind: k, Msg: msg}
}

func wrapErr(k Kind, msg string, err error) error {
	return &KindError{Kind: k, Msg: msg, Err: err}
}

// KindOf reports the Kind of err, or false if err doesn't carry one.
func KindOf(err error) (Kind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}

// IsFatalToConnection reports whether err should be treated as fatal
// to the connection it came from: the object is gone even if the
// socket is live (NotFound), or the socket itself is gone
// (LostConnection).
func IsFatalToConnection(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == KindLostConnection || k == KindNotFound
}

// Sentinel errors for conditions that don't need a message or wrapped
// cause — used where the teacher (dcrodman-franz-go's broker.go) uses
// unadorned package-level vars like ErrBrokerDead, ErrConnDead.
var (
	ErrLostConnection     = newErr(KindLostConnection, "connection lost")
	ErrTimeout            = newErr(KindTimeout, "call timed out")
	ErrNotFound           = newErr(KindNotFound, "object not found")
	ErrDuplicate          = newErr(KindDuplicate, "object id already registered")
	ErrRejectedTooMany    = newErr(KindRejectedTooMany, "rejected: too many clients")
	ErrRejectedNotBlessed = newErr(KindRejectedNotBlessed, "rejected: source address not permitted")
	ErrBadFrame           = newErr(KindBadFrame, "malformed frame")
	ErrOutOfResource      = newErr(KindOutOfResource, "command item pool exhausted")
	ErrNotReady           = newErr(KindNotReady, "facility not initialized")
)

// errInternal panics; invariant violations are programming errors per
// spec.md §9 ("panic-on-invariant"), not runtime conditions a caller
// can sensibly recover from.
func errInternal(format string, args ...any) {
	panic(&KindError{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)})
}
