// Package cryptox implements the symmetric encryption codec used by the
// storage pipeline: AES-256-GCM for confidentiality and authentication,
// argon2id for deriving keys from passphrases, and SHA-256 checksums over
// plaintext for end-to-end integrity verification.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// DeriveKey derives a 32-byte AES key from a passphrase and salt using
// argon2id with the library's recommended interactive parameters.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// Checksum returns the lowercase hex SHA-256 digest of data. Checksums are
// always computed over plaintext, before encryption.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum recomputes the checksum of data and compares it with want.
// A mismatch is a hard integrity failure.
func VerifyChecksum(data []byte, want string) error {
	if got := Checksum(data); got != want {
		return fmt.Errorf("%w: have %s, want %s", common.ErrChecksumMismatch, got, want)
	}
	return nil
}

// Codec seals and opens byte payloads with a fixed symmetric key.
type Codec struct {
	key []byte
}

// NewCodec constructs a Codec. The key must be 16, 24, or 32 bytes; 32 is
// the only length used in this project.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: codec key must be %d bytes, got %d", common.ErrValidation, KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}, nil
}

// NewRandomCodec constructs a Codec with a freshly generated random key.
// The key can be retrieved with Key for escrow.
func NewRandomCodec() (*Codec, error) {
	return NewCodec(common.GenerateRandByteArray(KeySize))
}

// Key returns a copy of the codec key.
func (c *Codec) Key() []byte {
	k := make([]byte, len(c.key))
	copy(k, c.key)
	return k
}

// Encrypt seals plaintext with AES-GCM under a fresh random nonce.
// The nonce is prepended to the returned ciphertext so that the payload is
// self-contained.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	aesgcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonce := common.GenerateRandByteArray(aesgcm.NonceSize())
	ciphertext := aesgcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt opens a payload produced by Encrypt. Any modification of the
// stored bytes (including the nonce prefix) fails authentication and is
// reported as an integrity error.
func (c *Codec) Decrypt(payload []byte) ([]byte, error) {
	aesgcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	if len(payload) < aesgcm.NonceSize() {
		return nil, fmt.Errorf("%w: payload shorter than nonce", common.ErrIntegrity)
	}

	nonce := payload[:aesgcm.NonceSize()]
	ciphertext := payload[aesgcm.NonceSize():]

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIntegrity, err)
	}
	return plaintext, nil
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
