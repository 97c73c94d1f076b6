package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// EnvelopeVersion prefixes every sealed body and is authenticated as AAD.
const EnvelopeVersion byte = 0x01

// Overhead is the per-body size overhead: version + nonce + tag.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfoMessageBody = []byte("chat.message.body.v1")

var (
	// ErrEncrypt is returned when a body cannot be sealed.
	ErrEncrypt = errors.New("message encryption failed")
	// ErrDecrypt is returned when an envelope fails authentication or is malformed.
	ErrDecrypt = errors.New("message decryption failed")
)

// Codec seals and opens message bodies with XChaCha20-Poly1305.
// The wire layout of a sealed body is:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
type Codec struct {
	key  []byte
	rand io.Reader
}

// New derives the body key from secret with HKDF-SHA256.
func New(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty message secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoMessageBody), key); err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	return &Codec{key: key, rand: rand.Reader}, nil
}

// Seal encrypts plaintext. binding is authenticated but not stored; the same
// binding must be passed to Open.
func (c *Codec) Seal(plaintext, binding []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(c.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncrypt, err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = EnvelopeVersion
	copy(out[1:], nonce[:])

	return aead.Seal(out, nonce[:], plaintext, buildAAD(EnvelopeVersion, binding)), nil
}

// Open authenticates and decrypts an envelope produced by Seal.
func (c *Codec) Open(envelope, binding []byte) ([]byte, error) {
	if len(envelope) < Overhead {
		return nil, fmt.Errorf("%w: envelope is %d bytes, minimum is %d", ErrDecrypt, len(envelope), Overhead)
	}
	if envelope[0] != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecrypt, envelope[0])
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	nonce := envelope[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, envelope[1+chacha20poly1305.NonceSizeX:], buildAAD(envelope[0], binding))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func buildAAD(version byte, binding []byte) []byte {
	aad := make([]byte, 1+len(binding))
	aad[0] = version
	copy(aad[1:], binding)
	return aad
}
