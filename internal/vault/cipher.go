package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
)

const envelopeVersion = "v1"

var (
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrKeyMismatch         = errors.New("ciphertext was sealed with a different key")
)

// Cipher seals values with XChaCha20-Poly1305. Sealed values are text
// envelopes of the form v1.<keyID>.<base64url(nonce||ciphertext)>.
type Cipher struct {
	aead  cipher.AEAD
	keyID string
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid vault key: %w", err)
	}
	return &Cipher{aead: aead, keyID: KeyID(key)}, nil
}

// KeyID returns a short identifier for key: the base58 encoding of the first
// eight bytes of its SHA-256 digest.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return base58.Encode(sum[:8])
}

// KeyID returns the identifier of the cipher's key.
func (c *Cipher) KeyID() string { return c.keyID }

// Seal encrypts plaintext bound to aad.
func (c *Cipher) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, aad)

	return strings.Join([]string{envelopeVersion, c.keyID, base64.RawURLEncoding.EncodeToString(sealed)}, "."), nil
}

// Open decrypts an envelope produced by Seal with the same aad.
func (c *Cipher) Open(envelope string, aad []byte) ([]byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return nil, ErrMalformedCiphertext
	}
	if parts[1] != c.keyID {
		return nil, fmt.Errorf("%w: sealed with %s, current key is %s", ErrKeyMismatch, parts[1], c.keyID)
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return nil, ErrMalformedCiphertext
	}

	plaintext, err := c.aead.Open(nil, raw[:ns], raw[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
