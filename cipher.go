package orb

import (
	"crypto/cipher"

	"golang.org/x/crypto/blowfish"
)

// Encrypter is the trait cryptographic primitives are consumed
// through (spec.md §9: "cryptographic primitive implementations...
// are consumed through a trait"). Any crypto/cipher.Block satisfies
// it; NewBlowfishEncrypter wraps golang.org/x/crypto/blowfish as the
// shipped default so callers don't have to hand-roll one.
type Encrypter interface {
	cipher.Block
}

// NewBlowfishEncrypter builds the default Encrypter from a key of 1 to
// 56 bytes, per blowfish.NewCipher's own constraint.
func NewBlowfishEncrypter(key []byte) (Encrypter, error) {
	return blowfish.NewCipher(key)
}

// blockChain encrypts/decrypts a payload block-by-block against an
// Encrypter using CBC-style chaining, grounded on
// CIDCrypto_BlockEncrypt.cpp's chaining shape but written against
// Go's crypto/cipher abstractions rather than porting the C++ class.
// The final partial block is zero-padded before encryption; since Go
// zero-initializes freshly allocated buffers, the uninitialized-padding
// bug spec.md §9 flags in the original source cannot occur here by
// construction.
type blockChain struct {
	enc Encrypter
	iv  []byte
}

func newBlockChain(enc Encrypter) *blockChain {
	return &blockChain{enc: enc, iv: make([]byte, enc.BlockSize())}
}

// encryptChunk encrypts plaintext into a newly allocated,
// block-size-padded buffer and returns it, leaving plaintext untouched. The chain's IV advances to
// the last ciphertext block, so sequential chunks of one logical
// payload chain correctly.
func (bc *blockChain) encryptChunk(plaintext []byte) []byte {
	bs := bc.enc.BlockSize()
	padded := padToBlock(plaintext, bs)
	out := make([]byte, len(padded))
	prev := bc.iv
	for off := 0; off < len(padded); off += bs {
		block := make([]byte, bs)
		xorBytes(block, padded[off:off+bs], prev)
		bc.enc.Encrypt(out[off:off+bs], block)
		prev = out[off : off+bs]
	}
	bc.iv = append([]byte(nil), prev...)
	return out
}

// decryptChunk is encryptChunk's inverse. ciphertext must be a
// multiple of the block size; the caller is responsible for trimming
// any padding added on the encrypt side once the plaintext length is
// known from the frame header.
func (bc *blockChain) decryptChunk(ciphertext []byte) []byte {
	bs := bc.enc.BlockSize()
	out := make([]byte, len(ciphertext))
	prev := bc.iv
	for off := 0; off < len(ciphertext); off += bs {
		block := make([]byte, bs)
		bc.enc.Decrypt(block, ciphertext[off:off+bs])
		xorBytes(out[off:off+bs], block, prev)
		prev = ciphertext[off : off+bs]
	}
	bc.iv = append([]byte(nil), prev...)
	return out
}

func padToBlock(b []byte, blockSize int) []byte {
	rem := len(b) % blockSize
	if rem == 0 && len(b) > 0 {
		return b
	}
	padded := make([]byte, len(b)+(blockSize-rem))
	copy(padded, b)
	return padded
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}
