package orb

import (
	"encoding/binary"
	"io"
	"net"
	"time"
)

// Wire constants, spec.md §4.1.
const (
	magicData1     uint32 = 0xDEADBEEF
	magicData2     uint32 = 0xEADABEBA
	magicKeepAlive1 uint32 = 0xFEADBEAF
	magicKeepAlive2 uint32 = 0xBEAFDEAD

	headerSize   = 20
	maxPayload   = 8 * 1024 * 1024 // 8 MiB
	readChunk    = 32 * 1024       // 32 KiB
	payloadHashMod uint32 = BucketCount
)

// Handshake status codes, spec.md §6.
const (
	handshakeAccepted      uint32 = 0x19A458F1
	handshakeTooMany       uint32 = 0xE9220A4C
	handshakeNotBlessed    uint32 = 0x9FF98FA3
)

// FrameKind classifies the result of a read off the wire.
type FrameKind int

const (
	FrameLost FrameKind = iota
	FrameNoPacket
	FrameKeepAlive
	FramePacket
)

// Frame is a decoded data frame: a sequence id and its plaintext
// payload. Keep-alive reads never produce a Frame with a payload.
type Frame struct {
	Kind       FrameKind
	SequenceId SequenceId
	Payload    []byte
}

type header struct {
	magic1     uint32
	payloadHash uint32
	payloadLen uint32
	seqID      uint32
	magic2     uint32
}

func encodeHeader(h header, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.magic1)
	binary.LittleEndian.PutUint32(buf[4:8], h.payloadHash)
	binary.LittleEndian.PutUint32(buf[8:12], h.payloadLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.seqID)
	binary.LittleEndian.PutUint32(buf[16:20], h.magic2)
}

func decodeHeader(buf []byte) header {
	return header{
		magic1:      binary.LittleEndian.Uint32(buf[0:4]),
		payloadHash: binary.LittleEndian.Uint32(buf[4:8]),
		payloadLen:  binary.LittleEndian.Uint32(buf[8:12]),
		seqID:       binary.LittleEndian.Uint32(buf[12:16]),
		magic2:      binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// payloadHash is a cheap sum-modulo-109 integrity check over
// plaintext, not a cryptographic MAC (spec.md §4.1).
func payloadHash(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return sum % payloadHashMod
}

// codec reads and writes frames on one net.Conn, optionally chaining
// payload bytes through an Encrypter. A codec is owned by exactly one
// ServerTarget or ClientConnection and is never used concurrently from
// more than one reader or more than one writer (spec.md §5: "each
// spooler's loop is a classic select over two signals" — but sends and
// receives are still each single-threaded).
type codec struct {
	conn     net.Conn
	encChain *blockChain
	decChain *blockChain
	adjust   time.Duration
}

func newCodec(conn net.Conn, enc Encrypter, adjust time.Duration) *codec {
	c := &codec{conn: conn, adjust: adjust}
	if enc != nil {
		c.encChain = newBlockChain(enc)
		c.decChain = newBlockChain(enc)
	}
	return c
}

// ReadFrame implements spec.md §4.1's read protocol.
func (c *codec) ReadFrame(timeout time.Duration) (Frame, error) {
	buf := make([]byte, headerSize)
	c.conn.SetReadDeadline(time.Now().Add(timeout + c.adjust))
	n, err := io.ReadFull(c.conn, buf)
	if err != nil {
		if n == 0 && isTimeout(err) {
			return Frame{Kind: FrameNoPacket}, nil
		}
		return Frame{Kind: FrameLost}, ErrLostConnection
	}

	h := decodeHeader(buf)
	switch {
	case h.magic1 == magicKeepAlive1 && h.magic2 == magicKeepAlive2:
		return Frame{Kind: FrameKeepAlive}, nil
	case h.magic1 == magicData1 && h.magic2 == magicData2:
		// proceed below
	default:
		return Frame{Kind: FrameLost}, ErrBadFrame
	}

	if h.payloadLen == 0 {
		return Frame{Kind: FrameLost}, ErrBadFrame
	}
	if h.payloadLen > maxPayload {
		return Frame{Kind: FrameLost}, ErrBadFrame
	}

	payload, err := c.readPayload(int(h.payloadLen))
	if err != nil {
		return Frame{Kind: FrameLost}, err
	}

	if payloadHash(payload) != h.payloadHash {
		return Frame{Kind: FrameLost}, ErrBadFrame
	}

	return Frame{Kind: FramePacket, SequenceId: SequenceId(h.seqID), Payload: payload}, nil
}

// readPayload reads n bytes in <=32KiB chunks, each chunk timing out
// after 1s, bounded by a 6s total budget (plus adjustment), tolerating
// up to 3 consecutive empty reads (5 with adjustment) before giving
// up. If encryption is configured, each chunk is decrypted as read and
// the hash check above runs over the reassembled plaintext.
func (c *codec) readPayload(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	budget := 6 * time.Second + c.adjust
	deadline := time.Now().Add(budget)
	maxEmpty := 3
	if c.adjust > 0 {
		maxEmpty = 5
	}
	emptyReads := 0
	var pending []byte // ciphertext read but not yet a whole cipher block

	for len(out)+len(pending) < n {
		if time.Now().After(deadline) {
			return nil, ErrLostConnection
		}
		remaining := n - len(out) - len(pending)
		want := remaining
		if want > readChunk {
			want = readChunk
		}
		chunk := make([]byte, want)
		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		nr, err := io.ReadFull(c.conn, chunk)
		if nr == 0 {
			emptyReads++
			if emptyReads > maxEmpty {
				return nil, ErrLostConnection
			}
			if err != nil && !isTimeout(err) {
				return nil, ErrLostConnection
			}
			continue
		}
		emptyReads = 0
		chunk = chunk[:nr]
		if c.decChain != nil {
			// A read that stops short on its deadline can end in the
			// middle of a cipher block, so only whole blocks are
			// decrypted; the trailing bytes wait for the next read.
			pending = append(pending, chunk...)
			whole := len(pending) - len(pending)%c.decChain.enc.BlockSize()
			chunk = c.decChain.decryptChunk(pending[:whole])
			pending = append([]byte(nil), pending[whole:]...)
		}
		out = append(out, chunk...)
		if err != nil && !isTimeout(err) {
			return nil, ErrLostConnection
		}
	}
	return out, nil
}

// WriteFrame implements spec.md §4.1's write protocol: header always
// plaintext, payload optionally encrypted per block. When encryption
// is configured the plaintext is zero-padded to a block multiple
// first (padToBlock), and payload-hash/payload-bytes are taken over
// that padded plaintext, not the caller's original bytes — the block
// cipher is length-preserving, so the receiver reads exactly
// payload-bytes ciphertext bytes, decrypts back to the same padded
// plaintext, and the hash check lines up on both ends. A self-
// describing marshalled buffer (every CmdItem's) tolerates the
// trailing zero padding without needing it trimmed here.
func (c *codec) WriteFrame(seq SequenceId, payload []byte, timeout time.Duration) error {
	if len(payload) > maxPayload {
		return ErrBadFrame
	}
	toHash := payload
	wire := payload
	if c.encChain != nil {
		toHash = padToBlock(payload, c.encChain.enc.BlockSize())
		wire = c.encChain.encryptChunk(payload)
	}
	hash := payloadHash(toHash)

	hdr := make([]byte, headerSize)
	encodeHeader(header{
		magic1:      magicData1,
		payloadHash: hash,
		payloadLen:  uint32(len(wire)),
		seqID:       uint32(seq),
		magic2:      magicData2,
	}, hdr)

	c.conn.SetWriteDeadline(time.Now().Add(timeout + c.adjust))
	if _, err := c.conn.Write(hdr); err != nil {
		return ErrLostConnection
	}
	if len(wire) > 0 {
		if _, err := c.conn.Write(wire); err != nil {
			return ErrLostConnection
		}
	}
	return nil
}

// WriteKeepAlive sends a header-only keep-alive frame.
func (c *codec) WriteKeepAlive(timeout time.Duration) error {
	hdr := make([]byte, headerSize)
	encodeHeader(header{
		magic1: magicKeepAlive1,
		seqID:  uint32(KeepAliveSequenceId),
		magic2: magicKeepAlive2,
	}, hdr)
	c.conn.SetWriteDeadline(time.Now().Add(timeout + c.adjust))
	if _, err := c.conn.Write(hdr); err != nil {
		return ErrLostConnection
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
