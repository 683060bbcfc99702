package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cupid-crypto/internal/models"
)

func TestClaimOneTimePreKeyUniqueUnderConcurrency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()

	keys := make([]models.OneTimePreKey, 10)
	for i := range keys {
		keys[i] = models.OneTimePreKey{UserID: userID, DeviceID: 1, KeyID: int64(i), PublicKey: []byte{byte(i)}}
	}
	require.NoError(t, store.PutOneTimePreKeys(ctx, keys))

	var wg sync.WaitGroup
	claimed := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := store.ClaimOneTimePreKey(ctx, userID, 1)
			require.NoError(t, err)
			if k != nil {
				claimed <- k.KeyID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[int64]bool)
	count := 0
	for id := range claimed {
		require.False(t, seen[id], "key %d claimed more than once", id)
		seen[id] = true
		count++
	}
	require.Equal(t, 10, count)
}

func TestDeleteAllKeysCascades(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()
	peer := uuid.New()

	require.NoError(t, store.PutIdentityKey(ctx, &models.IdentityKey{UserID: userID, DeviceID: 1, PublicKey: []byte("id")}))
	require.NoError(t, store.PutSignedPreKey(ctx, &models.SignedPreKey{UserID: userID, DeviceID: 1, KeyID: 1, PublicKey: []byte("spk")}))
	require.NoError(t, store.PutOneTimePreKeys(ctx, []models.OneTimePreKey{{UserID: userID, DeviceID: 1, KeyID: 1, PublicKey: []byte("otk")}}))
	require.NoError(t, store.PutSession(ctx, &models.Session{OwnerUserID: userID, PeerUserID: peer, PeerDeviceID: 1}))
	require.NoError(t, store.PutRemoteIdentity(ctx, &models.RemoteIdentity{OwnerUserID: userID, PeerUserID: peer, PeerDeviceID: 1}))

	require.NoError(t, store.DeleteAllKeys(ctx, userID, 1))

	_, err := store.GetIdentityKey(ctx, userID, 1)
	require.Error(t, err)
	_, err = store.GetSession(ctx, userID, peer, 1)
	require.Error(t, err)
	ri, err := store.GetRemoteIdentity(ctx, userID, peer, 1)
	require.NoError(t, err)
	require.Nil(t, ri)
}
