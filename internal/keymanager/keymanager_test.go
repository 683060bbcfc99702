package keymanager

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cupid-crypto/internal/config"
	"cupid-crypto/internal/ratchet"
	"cupid-crypto/internal/repository"
	"cupid-crypto/internal/vault"
)

const testPassphrase = "Correct-Horse-9!"

func testManager(t *testing.T) (*Manager, repository.Store) {
	t.Helper()
	v, err := vault.New(config.VaultConfig{ArgonTime: 1, ArgonMemoryKiB: 8 * 1024, ArgonThreads: 1})
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	cfg := config.KeysConfig{
		OneTimePreKeyBatch:      10,
		OneTimePreKeyLowWater:   3,
		SignedPreKeyOverlap:     0,
		SignedPreKeyRotateEvery: 0,
	}
	return New(store, v, cfg), store
}

func TestGenerateInitialKeysPopulatesStore(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	userID := uuid.New()

	res, err := m.GenerateInitialKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)
	require.Len(t, res.OneTimePreKeyIDs, 10)

	ident, err := store.GetIdentityKey(ctx, userID, 1)
	require.NoError(t, err)
	require.Equal(t, res.IdentityPublic, ident.PublicKey)

	count, err := store.CountUnusedOneTimePreKeys(ctx, userID, 1)
	require.NoError(t, err)
	require.Equal(t, 10, count)
}

func TestFetchPreKeyBundleClaimsOneTimeKey(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := m.GenerateInitialKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)

	bundle, err := m.FetchPreKeyBundle(ctx, userID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.OneTimePreKeyPub)

	count, err := store.CountUnusedOneTimePreKeys(ctx, userID, 1)
	require.NoError(t, err)
	require.Equal(t, 9, count)
}

func TestReplenishOneTimePreKeysNoOpWhenHealthy(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := m.GenerateInitialKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)

	added, err := m.ReplenishOneTimePreKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)
	require.Equal(t, 0, added)
}

func TestReplenishOneTimePreKeysRefillsBelowLowWater(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := m.GenerateInitialKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := store.ClaimOneTimePreKey(ctx, userID, 1)
		require.NoError(t, err)
	}
	count, err := store.CountUnusedOneTimePreKeys(ctx, userID, 1)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	added, err := m.ReplenishOneTimePreKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)
	require.Greater(t, added, 0)

	count, err = store.CountUnusedOneTimePreKeys(ctx, userID, 1)
	require.NoError(t, err)
	require.Equal(t, 10, count)
}

func TestRotateSignedPreKeyRecordsHistory(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	userID := uuid.New()

	identity, err := ratchet.GenerateIdentityKeyPair()
	require.NoError(t, err)
	res, err := m.GenerateInitialKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)

	rotated, err := m.RotateSignedPreKey(ctx, userID, 1, testPassphrase, identity)
	require.NoError(t, err)
	require.NotEqual(t, res.SignedPreKeyID, rotated.KeyID)

	history, err := store.LastRotation(ctx, userID, 1)
	require.NoError(t, err)
	require.NotNil(t, history)
	require.Equal(t, rotated.KeyID, history.NewKeyID)
}

func TestKeyStatusReportsCounts(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := m.GenerateInitialKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)

	status, err := m.KeyStatus(ctx, userID, 1)
	require.NoError(t, err)
	require.Equal(t, 10, status.UnusedOneTimeKeys)
	require.Equal(t, int64(1), status.CurrentSignedPreKeyID)
}

func TestDeleteAllKeysRemovesEverything(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := m.GenerateInitialKeys(ctx, userID, 1, testPassphrase)
	require.NoError(t, err)

	require.NoError(t, m.DeleteAllKeys(ctx, userID, 1))

	_, err = store.GetIdentityKey(ctx, userID, 1)
	require.Error(t, err)
}
