package vault

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, secret string) *Vault {
	t.Helper()
	v, err := New(secret)
	require.NoError(t, err)
	return v
}

func TestNew_EmptySecret(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t, "test-vault-secret")

	inputs := []string{
		"postgres://shop:pw@db-1:5432/shop_a?sslmode=disable",
		"host=db-2 port=5432 user=shop password='p w' dbname=shop_b",
		"",
		strings.Repeat("x", 4096),
	}

	for _, in := range inputs {
		sealed, err := v.Encrypt(in)
		require.NoError(t, err)
		assert.True(t, IsSealed(sealed))
		assert.NotContains(t, sealed, "password")

		out, err := v.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncrypt_RandomNonce(t *testing.T) {
	v := newTestVault(t, "test-vault-secret")

	a, err := v.Encrypt("postgres://db/shop")
	require.NoError(t, err)
	b, err := v.Encrypt("postgres://db/shop")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecrypt_Failures(t *testing.T) {
	v := newTestVault(t, "test-vault-secret")
	other := newTestVault(t, "another-environment")

	sealed, err := v.Encrypt("postgres://db/shop")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, Prefix))
	require.NoError(t, err)

	tampered := append([]byte{}, raw...)
	tampered[len(tampered)-1] ^= 0xff

	wrongVersion := append([]byte{}, raw...)
	wrongVersion[0] = 0x02

	tests := []struct {
		name    string
		vault   *Vault
		input   string
		wantErr error
	}{
		{name: "plaintext", vault: v, input: "postgres://db/shop", wantErr: ErrNotSealed},
		{name: "bad base64", vault: v, input: Prefix + "!!!", wantErr: ErrMalformed},
		{name: "truncated", vault: v, input: Prefix + base64.RawURLEncoding.EncodeToString(raw[:10]), wantErr: ErrMalformed},
		{name: "tampered", vault: v, input: Prefix + base64.RawURLEncoding.EncodeToString(tampered), wantErr: ErrAuthentication},
		{name: "version", vault: v, input: Prefix + base64.RawURLEncoding.EncodeToString(wrongVersion), wantErr: ErrVersion},
		{name: "wrong key", vault: other, input: sealed, wantErr: ErrAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.vault.Decrypt(tt.input)
			require.Error(t, err)
			assert.Empty(t, out)

			var cryptoErr *CryptoError
			require.True(t, errors.As(err, &cryptoErr))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSeal_EncryptsOnce(t *testing.T) {
	v := newTestVault(t, "test-vault-secret")

	once, err := v.Seal("postgres://db/shop")
	require.NoError(t, err)

	twice, err := v.Seal(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	plain, err := v.Decrypt(twice)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/shop", plain)
}
