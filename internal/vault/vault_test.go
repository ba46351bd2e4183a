package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store/memory"
)

func newKey(t *testing.T) []byte {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func setupVault(t *testing.T) (*Vault, *memory.OrganizationStore, uuid.UUID) {
	orgs := memory.NewOrganizationStore()
	orgID := uuid.Must(uuid.NewV7())
	require.NoError(t, orgs.Create(context.Background(), &models.Organization{
		ID: orgID, Name: "Contoso", Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	c, err := NewCipher(newKey(t))
	require.NoError(t, err)

	return New(orgs, c), orgs, orgID
}

// stringFields returns every string field of the view.
func stringFields(v *CredentialView) []string {
	var out []string
	rv := reflect.ValueOf(v).Elem()
	for i := 0; i < rv.NumField(); i++ {
		if f := rv.Field(i); f.Kind() == reflect.String {
			out = append(out, f.String())
		}
	}
	return out
}

func TestMaskingRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, orgs, orgID := setupVault(t)

	const secret = "s3cr3t-value-~Q8"
	require.NoError(t, v.Store(ctx, orgID, models.Credentials{ApplicationID: "app-123", ClientSecret: secret}))

	org, err := orgs.Get(ctx, orgID)
	require.NoError(t, err)
	require.NotContains(t, string(org.Credentials), secret)

	masked, err := v.Retrieve(ctx, orgID, RetrieveOptions{})
	require.NoError(t, err)
	for _, f := range stringFields(masked) {
		require.NotContains(t, f, secret)
	}
	require.Equal(t, "app-123", masked.ApplicationID)
	require.Equal(t, MaskToken, masked.ClientSecret)
	require.Empty(t, masked.CertificateThumbprint)
	require.True(t, masked.HasClientSecret)
	require.False(t, masked.HasCertificateThumbprint)
	require.False(t, masked.Revealed)

	revealed, err := v.Retrieve(ctx, orgID, RetrieveOptions{Reveal: true})
	require.NoError(t, err)
	require.Equal(t, secret, revealed.ClientSecret)
	require.True(t, revealed.Revealed)
}

func TestStoreReplacesWholeBundle(t *testing.T) {
	ctx := context.Background()
	v, _, orgID := setupVault(t)

	require.NoError(t, v.Store(ctx, orgID, models.Credentials{ApplicationID: "app", ClientSecret: "first"}))
	require.NoError(t, v.Store(ctx, orgID, models.Credentials{ApplicationID: "app", CertificateThumbprint: "AB:CD"}))

	view, err := v.Retrieve(ctx, orgID, RetrieveOptions{Reveal: true})
	require.NoError(t, err)
	require.False(t, view.HasClientSecret)
	require.Empty(t, view.ClientSecret)
	require.Equal(t, "AB:CD", view.CertificateThumbprint)
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	v, _, orgID := setupVault(t)

	tests := []struct {
		name  string
		creds models.Credentials
		field string
	}{
		{"no secret material", models.Credentials{ApplicationID: "app"}, "clientSecret"},
		{"no application id", models.Credentials{ClientSecret: "x"}, "applicationId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Store(ctx, orgID, tt.creds)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tt.field, ve.Field)
		})
	}

	t.Run("unknown organization", func(t *testing.T) {
		err := v.Store(ctx, uuid.New(), models.Credentials{ApplicationID: "app", ClientSecret: "x"})
		require.ErrorIs(t, err, errs.ErrNotFound)

		_, err = v.Retrieve(ctx, uuid.New(), RetrieveOptions{Reveal: true})
		require.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestRetrieveUnconfigured(t *testing.T) {
	v, _, orgID := setupVault(t)
	view, err := v.Retrieve(context.Background(), orgID, RetrieveOptions{})
	require.NoError(t, err)
	require.False(t, view.Configured)
	require.Empty(t, view.ClientSecret)
}

func TestCipher(t *testing.T) {
	key := newKey(t)
	c, err := NewCipher(key)
	require.NoError(t, err)

	aad := []byte("org-1")
	env, err := c.Seal([]byte("hello"), aad)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(env, "v1."+KeyID(key)+"."))

	pt, err := c.Open(env, aad)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))

	t.Run("wrong associated data", func(t *testing.T) {
		_, err := c.Open(env, []byte("org-2"))
		require.Error(t, err)
	})

	t.Run("different key", func(t *testing.T) {
		other, err := NewCipher(newKey(t))
		require.NoError(t, err)
		_, err = other.Open(env, aad)
		require.ErrorIs(t, err, ErrKeyMismatch)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := c.Open("v1.nope", aad)
		require.ErrorIs(t, err, ErrMalformedCiphertext)
		_, err = c.Open("v1."+c.KeyID()+".!!!", aad)
		require.ErrorIs(t, err, ErrMalformedCiphertext)
	})
}

type fakeKMS struct {
	plaintext []byte
	input     *kms.DecryptInput
}

func (f *fakeKMS) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.input = params
	return &kms.DecryptOutput{Plaintext: f.plaintext, KeyId: params.KeyId}, nil
}

func TestKeySources(t *testing.T) {
	ctx := context.Background()
	key := newKey(t)

	t.Run("static", func(t *testing.T) {
		got, err := StaticKey(hex.EncodeToString(key)).DataKey(ctx)
		require.NoError(t, err)
		require.Equal(t, key, got)

		_, err = StaticKey("abcd").DataKey(ctx)
		require.Error(t, err)
	})

	t.Run("kms", func(t *testing.T) {
		fake := &fakeKMS{plaintext: key}
		src := &KMSKey{Client: fake, KeyID: "alias/caseflow", WrappedKey: base64.StdEncoding.EncodeToString([]byte("wrapped"))}

		c, err := LoadCipher(ctx, src)
		require.NoError(t, err)
		require.Equal(t, KeyID(key), c.KeyID())
		require.Equal(t, []byte("wrapped"), fake.input.CiphertextBlob)
		require.Equal(t, "alias/caseflow", aws.ToString(fake.input.KeyId))
	})
}
