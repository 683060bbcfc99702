package vault

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cupid-crypto/internal/config"
	"cupid-crypto/pkg/apperr"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(config.VaultConfig{
		ArgonTime:      1,
		ArgonMemoryKiB: 8 * 1024,
		ArgonThreads:   1,
	})
	require.NoError(t, err)
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := testVault(t)
	plaintext := []byte("super secret identity key material")

	sealed, err := v.Seal("Correct-Horse-9!", "user-1", KindIdentity, plaintext, false)
	require.NoError(t, err)

	opened, err := v.Open("Correct-Horse-9!", "user-1", KindIdentity, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenWrongPassphraseFails(t *testing.T) {
	v := testVault(t)
	sealed, err := v.Seal("Correct-Horse-9!", "user-1", KindIdentity, []byte("secret"), false)
	require.NoError(t, err)

	_, err = v.Open("Totally-Wrong-9!", "user-1", KindIdentity, sealed)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.WrongPassphrase))
}

func TestOpenWrongAADFails(t *testing.T) {
	v := testVault(t)
	sealed, err := v.Seal("Correct-Horse-9!", "user-1", KindIdentity, []byte("secret"), false)
	require.NoError(t, err)

	_, err = v.Open("Correct-Horse-9!", "user-2", KindIdentity, sealed)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.WrongPassphrase))

	_, err = v.Open("Correct-Horse-9!", "user-1", KindSignedPreKey, sealed)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.WrongPassphrase))
}

func TestPassphrasePolicyRejectsWeak(t *testing.T) {
	require.Error(t, CheckPassphrasePolicy("short1A!"))
	require.Error(t, CheckPassphrasePolicy("alllowercase123!"))
	require.Error(t, CheckPassphrasePolicy("ALLUPPERCASE123!"))
	require.Error(t, CheckPassphrasePolicy("NoDigitsHereAtAll!"))
	require.Error(t, CheckPassphrasePolicy("NoSymbolsHere123"))
	require.NoError(t, CheckPassphrasePolicy("Correct-Horse-9!"))
}

func TestDevBypassSkipsPolicy(t *testing.T) {
	v, err := New(config.VaultConfig{
		ArgonTime: 1, ArgonMemoryKiB: 8 * 1024, ArgonThreads: 1,
		DevMode: true, DevPassphrase: "dev-mode-secret-1!",
	})
	require.NoError(t, err)

	sealed, err := v.Seal("dev-mode-secret-1!", "user-1", KindIdentity, []byte("secret"), true)
	require.NoError(t, err)

	_, err = v.Seal("weak", "user-1", KindIdentity, []byte("secret"), false)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.WeakPassphrase))

	require.True(t, v.VerifyDevPassphrase("dev-mode-secret-1!"))
	require.False(t, v.VerifyDevPassphrase("guess"))

	opened, err := v.OpenWithDev("user-1", KindIdentity, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), opened)
}

func TestOpenMalformedBlob(t *testing.T) {
	v := testVault(t)
	_, err := v.Open("Correct-Horse-9!", "user-1", KindIdentity, []byte{0x01, 0x00})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.BadKeys))
}
