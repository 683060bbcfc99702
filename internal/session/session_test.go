package session

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cupid-crypto/internal/audit"
	"cupid-crypto/internal/config"
	"cupid-crypto/internal/keymanager"
	"cupid-crypto/internal/repository"
	"cupid-crypto/internal/trust"
	"cupid-crypto/internal/vault"
)

const testPassphrase = "Correct-Horse-9!"

func testEngine(t *testing.T) (*Engine, *keymanager.Manager, repository.Store) {
	t.Helper()
	v, err := vault.New(config.VaultConfig{ArgonTime: 1, ArgonMemoryKiB: 8 * 1024, ArgonThreads: 1})
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	km := keymanager.New(store, v, config.KeysConfig{
		OneTimePreKeyBatch: 10, OneTimePreKeyLowWater: 3,
	})
	sink := audit.New(store, 16)
	t.Cleanup(sink.Close)
	ledger := trust.New(store, sink)
	eng := New(store, v, ledger, sink, PolicyStrict)
	return eng, km, store
}

func TestEncryptEstablishesPreKeySession(t *testing.T) {
	eng, km, _ := testEngine(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	_, err := km.GenerateInitialKeys(ctx, alice, 1, testPassphrase)
	require.NoError(t, err)
	_, err = km.GenerateInitialKeys(ctx, bob, 1, testPassphrase)
	require.NoError(t, err)

	bundle, err := km.FetchPreKeyBundle(ctx, bob, 1)
	require.NoError(t, err)

	result, err := eng.Encrypt(ctx, alice, 1, testPassphrase, bob, 1, []byte("hello bob"), bundle)
	require.NoError(t, err)
	require.Equal(t, MessageTypePreKey, result.MessageType)

	plaintext, err := eng.Decrypt(ctx, bob, 1, testPassphrase, alice, 1, result.EncryptedContent)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))
}

func TestEncryptWithoutSessionOrBundleFails(t *testing.T) {
	eng, km, _ := testEngine(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	_, err := km.GenerateInitialKeys(ctx, alice, 1, testPassphrase)
	require.NoError(t, err)

	_, err = eng.Encrypt(ctx, alice, 1, testPassphrase, bob, 1, []byte("hi"), nil)
	require.Error(t, err)
}

func TestSteadyStateRoundTripAfterEstablishment(t *testing.T) {
	eng, km, _ := testEngine(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	_, err := km.GenerateInitialKeys(ctx, alice, 1, testPassphrase)
	require.NoError(t, err)
	_, err = km.GenerateInitialKeys(ctx, bob, 1, testPassphrase)
	require.NoError(t, err)

	bundle, err := km.FetchPreKeyBundle(ctx, bob, 1)
	require.NoError(t, err)
	first, err := eng.Encrypt(ctx, alice, 1, testPassphrase, bob, 1, []byte("first"), bundle)
	require.NoError(t, err)
	_, err = eng.Decrypt(ctx, bob, 1, testPassphrase, alice, 1, first.EncryptedContent)
	require.NoError(t, err)

	reply, err := eng.Encrypt(ctx, bob, 1, testPassphrase, alice, 1, []byte("reply"), nil)
	require.NoError(t, err)
	require.Equal(t, MessageTypeNormal, reply.MessageType)

	plaintext, err := eng.Decrypt(ctx, alice, 1, testPassphrase, bob, 1, reply.EncryptedContent)
	require.NoError(t, err)
	require.Equal(t, "reply", string(plaintext))

	second, err := eng.Encrypt(ctx, alice, 1, testPassphrase, bob, 1, []byte("second"), nil)
	require.NoError(t, err)
	require.Equal(t, MessageTypeNormal, second.MessageType)
	plaintext, err = eng.Decrypt(ctx, bob, 1, testPassphrase, alice, 1, second.EncryptedContent)
	require.NoError(t, err)
	require.Equal(t, "second", string(plaintext))
}

func TestEncryptRejectsChangedPeerIdentityUnderStrictPolicy(t *testing.T) {
	eng, km, _ := testEngine(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	_, err := km.GenerateInitialKeys(ctx, alice, 1, testPassphrase)
	require.NoError(t, err)
	_, err = km.GenerateInitialKeys(ctx, bob, 1, testPassphrase)
	require.NoError(t, err)

	bundle, err := km.FetchPreKeyBundle(ctx, bob, 1)
	require.NoError(t, err)

	// Alice has already pinned a *different* public key for bob (e.g. an
	// earlier, now-replaced device), so the first contact with this
	// bundle's identity key is itself a change, not a first sighting.
	require.NoError(t, trustObserveForTest(eng, ctx, alice, bob, 1, []byte("not-the-real-key-------------32")))

	_, err = eng.Encrypt(ctx, alice, 1, testPassphrase, bob, 1, []byte("hi"), bundle)
	require.Error(t, err)
}

func trustObserveForTest(eng *Engine, ctx context.Context, owner, peer uuid.UUID, peerDevice int, key []byte) error {
	_, err := eng.trust.Observe(ctx, owner, peer, peerDevice, key)
	return err
}
