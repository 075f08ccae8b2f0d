package orb

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeCommandRoundTrip(t *testing.T) {
	target := NewObjectId("orb/Widget", "w1")
	params := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	buf := EncodeCommand(target, "DoThing", params)

	gotID, ok := decodeTargetObjectId(buf)
	if !ok || !gotID.Equal(target) {
		t.Fatalf("decodeTargetObjectId = %v, %v, want %v, true", gotID, ok, target)
	}

	method, gotParams, err := DecodeCommand(buf)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if method != "DoThing" {
		t.Fatalf("method = %q, want %q", method, "DoThing")
	}
	if !bytes.Equal(gotParams, params) {
		t.Fatalf("params = %x, want %x", gotParams, params)
	}
}

func TestDecodeCommandRejectsTruncatedBuffer(t *testing.T) {
	if _, _, err := DecodeCommand([]byte{1, 2, 3}); err != ErrBadFrame {
		t.Fatalf("DecodeCommand(too short) = %v, want ErrBadFrame", err)
	}
	target := NewObjectId("orb/Widget", "w1")
	buf := EncodeCommand(target, "Method", nil)
	if _, _, err := DecodeCommand(buf[:len(buf)-1]); err != ErrBadFrame {
		t.Fatalf("DecodeCommand(truncated method name) = %v, want ErrBadFrame", err)
	}
}

func TestEncodeDecodeReplySuccess(t *testing.T) {
	result := []byte("the answer")
	buf := encodeReply(result)
	got, err := decodeReply(buf)
	if err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if !bytes.Equal(got, result) {
		t.Fatalf("decodeReply result = %q, want %q", got, result)
	}
}

func TestEncodeDecodeReplyError(t *testing.T) {
	buf := encodeReplyError(ErrNotFound)
	_, err := decodeReply(buf)
	if err == nil {
		t.Fatalf("decodeReply should surface the encoded error")
	}
	k, ok := KindOf(err)
	if !ok || k != KindNotFound {
		t.Fatalf("decodeReply error kind = %v, %v, want KindNotFound, true", k, ok)
	}
}
