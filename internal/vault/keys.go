package vault

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySource provides the 32-byte data key used to seal credentials.
type KeySource interface {
	DataKey(ctx context.Context) ([]byte, error)
}

// StaticKey is a hex encoded data key supplied directly, typically from an
// environment variable in development.
type StaticKey string

func (k StaticKey) DataKey(ctx context.Context) ([]byte, error) {
	key, err := hex.DecodeString(string(k))
	if err != nil {
		return nil, fmt.Errorf("vault key must be hex encoded: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// KMSDecrypter is the subset of the KMS client used to unwrap data keys.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSKey is a data key wrapped by an AWS KMS key. The wrapped blob is
// base64 encoded, as produced by `aws kms generate-data-key`.
type KMSKey struct {
	Client     KMSDecrypter
	KeyID      string
	WrappedKey string
}

func (k *KMSKey) DataKey(ctx context.Context) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(k.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("wrapped vault key must be base64 encoded: %w", err)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if k.KeyID != "" {
		input.KeyId = aws.String(k.KeyID)
	}

	out, err := k.Client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap vault key with KMS: %w", err)
	}
	if len(out.Plaintext) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("unwrapped vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(out.Plaintext))
	}

	log.Info().Str("kms_key_id", aws.ToString(out.KeyId)).Msg("Unwrapped vault data key")

	return out.Plaintext, nil
}

// LoadCipher resolves the data key once and builds the cipher.
func LoadCipher(ctx context.Context, src KeySource) (*Cipher, error) {
	key, err := src.DataKey(ctx)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}
