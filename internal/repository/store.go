// Package repository implements ProtocolStore (C2): the durable
// storage layer behind every key and session record the crypto core
// manages, plus the cache-aside session-record cache in front of it.
// Every exported method is wrapped in a bounded timeout that surfaces
// apperr.StoreUnavailable instead of blocking a caller indefinitely.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"cupid-crypto/internal/models"
)

// Store is the full ProtocolStore surface. PostgresStore is the
// production implementation; MemoryStore backs unit tests for every
// package that depends on a Store.
type Store interface {
	// Identity keys
	PutIdentityKey(ctx context.Context, key *models.IdentityKey) error
	GetIdentityKey(ctx context.Context, userID uuid.UUID, deviceID int) (*models.IdentityKey, error)

	// Signed pre-keys
	PutSignedPreKey(ctx context.Context, spk *models.SignedPreKey) error
	GetCurrentSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int) (*models.SignedPreKey, error)
	ListSignedPreKeys(ctx context.Context, userID uuid.UUID, deviceID int) ([]models.SignedPreKey, error)

	// One-time pre-keys
	// PutOneTimePreKeys inserts a fresh batch. A keyID colliding with one
	// already on file (used or not) for the same (userID, deviceID) fails
	// the whole batch with apperr.Conflict rather than silently duplicating
	// or overwriting a row.
	PutOneTimePreKeys(ctx context.Context, keys []models.OneTimePreKey) error
	// MaxOneTimePreKeyID returns the highest keyID on file (used or not)
	// for (userID, deviceID), or 0 if none exist, so a replenishment batch
	// can be seeded strictly above every id the device has ever seen
	// rather than above only the currently-unused count.
	MaxOneTimePreKeyID(ctx context.Context, userID uuid.UUID, deviceID int) (int64, error)
	// ClaimOneTimePreKey atomically selects and marks used exactly one
	// unused one-time pre-key for (userID, deviceID) via a linearizable
	// compare-and-set, so two concurrent X3DH initiations never receive
	// the same key. Returns apperr.Conflict if the CAS loses a race and
	// the caller should retry, apperr.MissingKeys if the pool is empty.
	ClaimOneTimePreKey(ctx context.Context, userID uuid.UUID, deviceID int) (*models.OneTimePreKey, error)
	// GetOneTimePreKeyByID looks up a one-time pre-key by its id
	// regardless of used state, the accessor SessionEngine's X3DH
	// acceptance path uses to recover the responder's own half of a
	// one-time pre-key the initiator claimed by id in a PREKEY message.
	GetOneTimePreKeyByID(ctx context.Context, userID uuid.UUID, deviceID int, keyID int64) (*models.OneTimePreKey, error)
	CountUnusedOneTimePreKeys(ctx context.Context, userID uuid.UUID, deviceID int) (int, error)
	PurgeUsedOneTimePreKeys(ctx context.Context, olderThan time.Time) (int, error)

	// Pre-key bundles
	GetPreKeyBundle(ctx context.Context, userID uuid.UUID, deviceID int) (*models.PreKeyBundle, error)

	// Sessions (cache-aside: reads try the cache first, writes
	// invalidate it so the next read repopulates from the durable
	// record).
	GetSession(ctx context.Context, owner, peer uuid.UUID, peerDevice int) (*models.Session, error)
	PutSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, owner, peer uuid.UUID, peerDevice int) error
	PurgeIdleSessions(ctx context.Context, idleSince time.Time) (int, error)

	// Remote identity pinning / trust
	GetRemoteIdentity(ctx context.Context, owner, peer uuid.UUID, peerDevice int) (*models.RemoteIdentity, error)
	PutRemoteIdentity(ctx context.Context, ri *models.RemoteIdentity) error

	// Rotation history
	RecordRotation(ctx context.Context, h *models.KeyRotationHistory) error
	LastRotation(ctx context.Context, userID uuid.UUID, deviceID int) (*models.KeyRotationHistory, error)

	// Audit
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	RecentAuditFailures(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)

	// Cascading deletion for KeyManager.deleteAllKeys: sessions ->
	// remote identities -> one-time pre-keys -> signed pre-keys ->
	// identity, in that order, all-or-nothing.
	DeleteAllKeys(ctx context.Context, userID uuid.UUID, deviceID int) error

	Close() error
}
