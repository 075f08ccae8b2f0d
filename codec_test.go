package orb

import (
	"net"
	"testing"
	"time"
)

func TestCodecWriteReadFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	writerCdc := newCodec(client, nil, 0)
	readerCdc := newCodec(server, nil, 0)

	payload := []byte("hello, orb")
	errCh := make(chan error, 1)
	go func() {
		errCh <- writerCdc.WriteFrame(SequenceId(42), payload, time.Second)
	}()

	frame, err := readerCdc.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if frame.Kind != FramePacket {
		t.Fatalf("frame.Kind = %v, want FramePacket", frame.Kind)
	}
	if frame.SequenceId != 42 {
		t.Fatalf("frame.SequenceId = %d, want 42", frame.SequenceId)
	}
	if string(frame.Payload) != string(payload) {
		t.Fatalf("frame.Payload = %q, want %q", frame.Payload, payload)
	}
}

func TestCodecRoundTripWithEncryption(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	enc, err := NewBlowfishEncrypter([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("NewBlowfishEncrypter: %v", err)
	}

	writerCdc := newCodec(client, enc, 0)
	readerCdc := newCodec(server, enc, 0)

	payload := []byte("a payload that isn't block-aligned")
	errCh := make(chan error, 1)
	go func() {
		errCh <- writerCdc.WriteFrame(SequenceId(7), payload, time.Second)
	}()

	frame, err := readerCdc.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	want := padToBlock(payload, enc.BlockSize())
	if string(frame.Payload) != string(want) {
		t.Fatalf("frame.Payload = %x, want %x (zero-padded plaintext)", frame.Payload, want)
	}
}

func TestCodecKeepAlive(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	writerCdc := newCodec(client, nil, 0)
	readerCdc := newCodec(server, nil, 0)

	errCh := make(chan error, 1)
	go func() { errCh <- writerCdc.WriteKeepAlive(time.Second) }()

	frame, err := readerCdc.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteKeepAlive: %v", err)
	}
	if frame.Kind != FrameKeepAlive {
		t.Fatalf("frame.Kind = %v, want FrameKeepAlive", frame.Kind)
	}
}

func TestCodecReadFrameTimesOutWithNoPacket(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	readerCdc := newCodec(server, nil, 0)
	frame, err := readerCdc.ReadFrame(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadFrame timeout = %v, want nil error", err)
	}
	if frame.Kind != FrameNoPacket {
		t.Fatalf("frame.Kind = %v, want FrameNoPacket", frame.Kind)
	}
}

func TestCodecRejectsOversizedPayload(t *testing.T) {
	_, client := net.Pipe()
	defer client.Close()
	writerCdc := newCodec(client, nil, 0)
	if err := writerCdc.WriteFrame(1, make([]byte, maxPayload+1), time.Second); err != ErrBadFrame {
		t.Fatalf("WriteFrame over max payload = %v, want ErrBadFrame", err)
	}
}

func TestPayloadHashIsOrderInsensitiveSum(t *testing.T) {
	a := payloadHash([]byte{1, 2, 3})
	b := payloadHash([]byte{3, 2, 1})
	if a != b {
		t.Fatalf("payloadHash is a sum, should be order-insensitive: %d vs %d", a, b)
	}
	if payloadHash([]byte{1, 2, 3}) != payloadHash([]byte{1, 2, 3}) {
		t.Fatalf("payloadHash not deterministic")
	}
}
