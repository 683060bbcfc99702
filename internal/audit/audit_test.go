package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cupid-crypto/internal/repository"
	"cupid-crypto/pkg/apperr"
)

func TestRecordWritesThroughToStore(t *testing.T) {
	store := repository.NewMemoryStore()
	sink := New(store, 16)

	userID := uuid.New()
	sink.Record(context.Background(), Entry{UserID: userID, Op: OpEncrypt, Success: true})
	sink.Close()

	count, err := store.RecentAuditFailures(context.Background(), userID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestIsSuspiciousCrossesThreshold(t *testing.T) {
	store := repository.NewMemoryStore()
	sink := New(store, 16)
	sink.threshold = 3

	userID := uuid.New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sink.Record(ctx, Entry{UserID: userID, Op: OpDecrypt, Success: false, ErrKind: apperr.Undecipherable})
	}
	sink.Close()

	suspicious, err := sink.IsSuspicious(ctx, userID)
	require.NoError(t, err)
	require.True(t, suspicious)
}

func TestIsSuspiciousFalseBelowThreshold(t *testing.T) {
	store := repository.NewMemoryStore()
	sink := New(store, 16)

	userID := uuid.New()
	ctx := context.Background()
	sink.Record(ctx, Entry{UserID: userID, Op: OpDecrypt, Success: false, ErrKind: apperr.Undecipherable})
	sink.Close()

	suspicious, err := sink.IsSuspicious(ctx, userID)
	require.NoError(t, err)
	require.False(t, suspicious)
}
