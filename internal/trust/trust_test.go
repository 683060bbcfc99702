package trust

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cupid-crypto/internal/audit"
	"cupid-crypto/internal/models"
	"cupid-crypto/internal/repository"
)

func testLedger(t *testing.T) (*Ledger, repository.Store) {
	t.Helper()
	store := repository.NewMemoryStore()
	sink := audit.New(store, 16)
	t.Cleanup(sink.Close)
	return New(store, sink), store
}

func TestObserveFirstContactIsUntrusted(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()
	owner, peer := uuid.New(), uuid.New()

	ri, err := ledger.Observe(ctx, owner, peer, 1, []byte("identity-key-bytes"))
	require.NoError(t, err)
	require.Equal(t, models.TrustUntrusted, ri.TrustState)
}

func TestObserveSameKeyDoesNotChangeState(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()
	owner, peer := uuid.New(), uuid.New()
	key := []byte("identity-key-bytes")

	_, err := ledger.Observe(ctx, owner, peer, 1, key)
	require.NoError(t, err)
	require.NoError(t, ledger.Trust(ctx, owner, peer, 1))

	ri, err := ledger.Observe(ctx, owner, peer, 1, key)
	require.NoError(t, err)
	require.Equal(t, models.TrustTrusted, ri.TrustState)
}

func TestObserveDifferentKeyMarksChanged(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()
	owner, peer := uuid.New(), uuid.New()

	_, err := ledger.Observe(ctx, owner, peer, 1, []byte("key-one"))
	require.NoError(t, err)
	require.NoError(t, ledger.Trust(ctx, owner, peer, 1))

	ri, err := ledger.Observe(ctx, owner, peer, 1, []byte("key-two"))
	require.NoError(t, err)
	require.Equal(t, models.TrustChanged, ri.TrustState)
}

func TestTrustDoesNotAutoHealWithoutExplicitCall(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()
	owner, peer := uuid.New(), uuid.New()

	_, err := ledger.Observe(ctx, owner, peer, 1, []byte("key-one"))
	require.NoError(t, err)
	_, err = ledger.Observe(ctx, owner, peer, 1, []byte("key-two"))
	require.NoError(t, err)

	state, err := ledger.StateOf(ctx, owner, peer, 1)
	require.NoError(t, err)
	require.Equal(t, models.TrustChanged, state)

	// Observing the same (now current) key again must not silently heal
	// the CHANGED state back to TRUSTED.
	_, err = ledger.Observe(ctx, owner, peer, 1, []byte("key-two"))
	require.NoError(t, err)
	state, err = ledger.StateOf(ctx, owner, peer, 1)
	require.NoError(t, err)
	require.Equal(t, models.TrustChanged, state)
}

func TestVerifyFingerprintMatchesStoredKey(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()
	owner, peer := uuid.New(), uuid.New()
	key := []byte("some-identity-public-key-bytes!")

	_, err := ledger.Observe(ctx, owner, peer, 1, key)
	require.NoError(t, err)

	ok, err := ledger.VerifyFingerprint(ctx, owner, peer, 1, Fingerprint(key))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.VerifyFingerprint(ctx, owner, peer, 1, Fingerprint([]byte("wrong")))
	require.NoError(t, err)
	require.False(t, ok)

	state, err := ledger.StateOf(ctx, owner, peer, 1)
	require.NoError(t, err)
	require.Equal(t, models.TrustUntrusted, state, "verifying a fingerprint must not itself change trust state")
}
