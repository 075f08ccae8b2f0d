package orb

import "encoding/binary"

// EncodeCommand lays out a command buffer as the target ObjectId (two
// 16-byte hashes), a length-prefixed method name, then the raw
// parameter bytes. The IDL code generator that would normally produce
// this marshalling is out of scope (spec.md §1); this is the minimal
// self-describing format the worker pool's "parse the method name
// from the head of the buffer" step (spec.md §4.8) and a hand-written
// proxy both need to agree on.
func EncodeCommand(target ObjectId, method string, params []byte) []byte {
	buf := make([]byte, 32+2+len(method)+len(params))
	copy(buf[0:16], target.InterfaceHash[:])
	copy(buf[16:32], target.InstanceHash[:])
	binary.LittleEndian.PutUint16(buf[32:34], uint16(len(method)))
	copy(buf[34:], method)
	copy(buf[34+len(method):], params)
	return buf
}

// decodeTargetObjectId reads just the ObjectId prefix off a command
// buffer, for the worker's registry lookup.
func decodeTargetObjectId(buf []byte) (ObjectId, bool) {
	if len(buf) < 32 {
		return ObjectId{}, false
	}
	var ifaceHash, instHash Hash128
	copy(ifaceHash[:], buf[0:16])
	copy(instHash[:], buf[16:32])
	return NewObjectIdFromHashes(ifaceHash, instHash), true
}

// DecodeCommand splits a command buffer back into its method name and
// parameter bytes, skipping the ObjectId prefix.
func DecodeCommand(buf []byte) (method string, params []byte, err error) {
	if len(buf) < 34 {
		return "", nil, ErrBadFrame
	}
	n := int(binary.LittleEndian.Uint16(buf[32:34]))
	if len(buf) < 34+n {
		return "", nil, ErrBadFrame
	}
	return string(buf[34 : 34+n]), buf[34+n:], nil
}

// replyStatus is the one status bit spec.md §7 describes: success or
// failure, prefixed onto every reply payload so the caller's context
// can rethrow a server-side failure instead of misreading it as a
// successful reply.
type replyStatus byte

const (
	replyOK    replyStatus = 0
	replyError replyStatus = 1
)

// encodeReply prefixes result with a success marker.
func encodeReply(result []byte) []byte {
	out := make([]byte, 1+len(result))
	out[0] = byte(replyOK)
	copy(out[1:], result)
	return out
}

// encodeReplyError prefixes a failure marker and the error's Kind and
// message so the caller can reconstruct a KindError.
func encodeReplyError(err error) []byte {
	kind, ok := KindOf(err)
	if !ok {
		kind = KindInternal
	}
	msg := err.Error()
	buf := make([]byte, 1+1+2+len(msg))
	buf[0] = byte(replyError)
	buf[1] = byte(kind)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(msg)))
	copy(buf[4:], msg)
	return buf
}

// decodeReply splits a reply payload back into its result bytes or
// reconstructs the server-side error.
func decodeReply(buf []byte) (result []byte, err error) {
	if len(buf) < 1 {
		return nil, ErrBadFrame
	}
	if replyStatus(buf[0]) == replyOK {
		return buf[1:], nil
	}
	if len(buf) < 4 {
		return nil, ErrBadFrame
	}
	kind := Kind(buf[1])
	n := int(binary.LittleEndian.Uint16(buf[2:4]))
	if len(buf) < 4+n {
		return nil, ErrBadFrame
	}
	return nil, &KindError{Kind: kind, Msg: string(buf[4 : 4+n])}
}
