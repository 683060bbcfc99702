// Package keymanager implements KeyManager (C3): generation, rotation,
// replenishment, and deletion of a user's key material, sealing private
// halves through KeyVault before they ever reach the Store.
package keymanager

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"cupid-crypto/internal/config"
	"cupid-crypto/internal/models"
	"cupid-crypto/internal/ratchet"
	"cupid-crypto/internal/repository"
	"cupid-crypto/internal/vault"
	"cupid-crypto/pkg/apperr"
)

// Manager is KeyManager (C3).
type Manager struct {
	store    repository.Store
	vault    *vault.Vault
	cfg      config.KeysConfig
	unlocked *unlockedRegistry
}

// New builds a Manager.
func New(store repository.Store, v *vault.Vault, cfg config.KeysConfig) *Manager {
	return &Manager{store: store, vault: v, cfg: cfg, unlocked: newUnlockedRegistry(30 * time.Minute)}
}

// CachedDevices returns every device whose identity is currently held
// unlocked in memory, the set the scheduler's replenishment and
// rotation sweeps iterate since neither sweep is handed a passphrase
// directly.
func (m *Manager) CachedDevices() []CachedDevice {
	return m.unlocked.snapshot()
}

// GenerateInitialKeysResult carries the public material the caller
// needs to forward to the device; sealed private halves already live in
// the Store.
type GenerateInitialKeysResult struct {
	IdentityPublic     []byte
	SignedPreKeyID     int64
	SignedPreKeyPublic []byte
	SignedPreKeySig    []byte
	OneTimePreKeyIDs   []int64
}

// GenerateInitialKeys creates a fresh identity key, one signed pre-key,
// and a full batch of one-time pre-keys for a new (userID, deviceID),
// sealing every private half under passphrase before persisting it.
func (m *Manager) GenerateInitialKeys(ctx context.Context, userID uuid.UUID, deviceID int, passphrase string) (*GenerateInitialKeysResult, error) {
	if err := m.store.DeleteAllKeys(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	m.unlocked.drop(userID, deviceID)

	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	sealedIdentity, err := m.vault.Seal(passphrase, userID.String(), vault.KindIdentity, identity.SignPrivate, false)
	if err != nil {
		return nil, err
	}
	sealedIdentityDH, err := m.vault.Seal(passphrase, userID.String(), vault.KindIdentityDH, identity.DHPrivate, false)
	if err != nil {
		return nil, err
	}
	if err := m.store.PutIdentityKey(ctx, &models.IdentityKey{
		UserID: userID, DeviceID: deviceID,
		PublicKey:    identity.SignPublic,
		SealedBlob:   sealedIdentity,
		DHPublicKey:  identity.DHPublic,
		SealedDHBlob: sealedIdentityDH,
		CreatedAt:    time.Now(),
	}); err != nil {
		return nil, err
	}

	spk, err := ratchet.GenerateSignedPreKey(1, identity)
	if err != nil {
		return nil, err
	}
	sealedSPK, err := m.vault.Seal(passphrase, userID.String(), vault.KindSignedPreKey, spk.Private, false)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := m.store.PutSignedPreKey(ctx, &models.SignedPreKey{
		UserID: userID, DeviceID: deviceID, KeyID: spk.KeyID,
		PublicKey: spk.Public, Signature: spk.Signature, SealedBlob: sealedSPK,
		CreatedAt: now, ExpiresAt: now.Add(m.cfg.SignedPreKeyRotateEvery + m.cfg.SignedPreKeyOverlap),
	}); err != nil {
		return nil, err
	}

	otkIDs, err := m.replenish(ctx, userID, deviceID, passphrase, 1, m.cfg.OneTimePreKeyBatch)
	if err != nil {
		return nil, err
	}

	m.unlocked.put(userID, deviceID, identity, passphrase)

	return &GenerateInitialKeysResult{
		IdentityPublic:     identity.SignPublic,
		SignedPreKeyID:     spk.KeyID,
		SignedPreKeyPublic: spk.Public,
		SignedPreKeySig:    spk.Signature,
		OneTimePreKeyIDs:   otkIDs,
	}, nil
}

// FetchPreKeyBundle returns the public bundle a peer needs to run X3DH
// against userID/deviceID, claiming (and consuming) one one-time
// pre-key if the pool is not exhausted.
func (m *Manager) FetchPreKeyBundle(ctx context.Context, userID uuid.UUID, deviceID int) (*ratchet.Bundle, error) {
	pkb, err := m.store.GetPreKeyBundle(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	bundle := &ratchet.Bundle{
		IdentitySignPublic: pkb.IdentitySignKey,
		IdentityDHPublic:   pkb.IdentityDHKey,
		SignedPreKeyID:     pkb.SignedPreKey.KeyID,
		SignedPreKeyPublic: pkb.SignedPreKey.PublicKey,
		SignedPreKeySig:    pkb.SignedPreKey.Signature,
	}
	if pkb.OneTimePreKey != nil {
		bundle.OneTimePreKeyID = pkb.OneTimePreKey.KeyID
		bundle.OneTimePreKeyPub = pkb.OneTimePreKey.PublicKey
	}
	return bundle, nil
}

// ReplenishOneTimePreKeys tops the pool back up to the configured batch
// size if it has fallen to or below the low-water mark. It is safe to
// call unconditionally from the replenishment sweep — a no-op when the
// pool is already healthy. One-time pre-keys are never signed, so unlike
// GenerateInitialKeys/RotateSignedPreKey this needs no identity key pair
// in hand, only the passphrase to seal the fresh private halves.
func (m *Manager) ReplenishOneTimePreKeys(ctx context.Context, userID uuid.UUID, deviceID int, passphrase string) (int, error) {
	count, err := m.store.CountUnusedOneTimePreKeys(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	if count > m.cfg.OneTimePreKeyLowWater {
		return 0, nil
	}
	need := m.cfg.OneTimePreKeyBatch - count
	if need <= 0 {
		return 0, nil
	}
	maxID, err := m.store.MaxOneTimePreKeyID(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	ids, err := m.replenish(ctx, userID, deviceID, passphrase, maxID+1, need)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (m *Manager) replenish(ctx context.Context, userID uuid.UUID, deviceID int, passphrase string, startID int64, count int) ([]int64, error) {
	pairs, err := ratchet.GenerateOneTimePreKeys(startID, count)
	if err != nil {
		return nil, err
	}
	rows := make([]models.OneTimePreKey, 0, len(pairs))
	ids := make([]int64, 0, len(pairs))
	for _, p := range pairs {
		sealed, err := m.vault.Seal(passphrase, userID.String(), vault.KindOneTimeKey, p.Private, false)
		if err != nil {
			return nil, err
		}
		rows = append(rows, models.OneTimePreKey{
			UserID: userID, DeviceID: deviceID, KeyID: p.KeyID,
			PublicKey: p.Public, SealedBlob: sealed,
		})
		ids = append(ids, p.KeyID)
	}
	if err := m.store.PutOneTimePreKeys(ctx, rows); err != nil {
		return nil, err
	}
	return ids, nil
}

// RotateSignedPreKey generates and stores a new signed pre-key for a
// device, recording the rotation in history so the rotation sweep does
// not rotate again inside its own overlap window. The prior key is left
// in place until it expires (§4.7's overlap window) so in-flight
// sessions that already captured it can still complete X3DH.
func (m *Manager) RotateSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int, passphrase string, identity *ratchet.IdentityKeyPair) (*models.SignedPreKey, error) {
	current, err := m.store.GetCurrentSignedPreKey(ctx, userID, deviceID)
	if err != nil && !apperr.Is(err, apperr.MissingKeys) {
		return nil, err
	}
	nextID := int64(1)
	if current != nil {
		nextID = current.KeyID + 1
	}

	spk, err := ratchet.GenerateSignedPreKey(nextID, identity)
	if err != nil {
		return nil, err
	}
	sealed, err := m.vault.Seal(passphrase, userID.String(), vault.KindSignedPreKey, spk.Private, false)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	row := &models.SignedPreKey{
		UserID: userID, DeviceID: deviceID, KeyID: spk.KeyID,
		PublicKey: spk.Public, Signature: spk.Signature, SealedBlob: sealed,
		CreatedAt: now, ExpiresAt: now.Add(m.cfg.SignedPreKeyRotateEvery + m.cfg.SignedPreKeyOverlap),
	}
	if err := m.store.PutSignedPreKey(ctx, row); err != nil {
		return nil, err
	}

	if current != nil {
		if err := m.store.RecordRotation(ctx, &models.KeyRotationHistory{
			UserID: userID, DeviceID: deviceID, OldKeyID: current.KeyID, NewKeyID: spk.KeyID,
		}); err != nil {
			return nil, err
		}
	}

	m.unlocked.put(userID, deviceID, identity, passphrase)

	return row, nil
}

// Status reports the aggregated view §4.3's keyStatus operation
// promises the caller: whether keys exist at all, the current signed
// pre-key's identity and age, and the one-time pool's health.
type Status struct {
	HasIdentity            bool
	IdentityCreatedAt      time.Time
	HasActiveSignedPreKey  bool
	CurrentSignedPreKeyID  int64
	CurrentSignedPreKeyAge time.Duration
	SignedPreKeyExpiresAt  time.Time
	UnusedOneTimeKeys      int
}

// KeyStatus returns the current health of a device's key material.
// Missing identity or signed-pre-key material is reported as a false
// flag rather than propagated as MissingKeys, since the caller is
// explicitly asking "what do I have", not performing an operation that
// requires keys to already exist.
func (m *Manager) KeyStatus(ctx context.Context, userID uuid.UUID, deviceID int) (*Status, error) {
	status := &Status{}

	identity, err := m.store.GetIdentityKey(ctx, userID, deviceID)
	switch {
	case err == nil:
		status.HasIdentity = true
		status.IdentityCreatedAt = identity.CreatedAt
	case apperr.Is(err, apperr.MissingKeys):
		// leave HasIdentity false
	default:
		return nil, err
	}

	spk, err := m.store.GetCurrentSignedPreKey(ctx, userID, deviceID)
	switch {
	case err == nil:
		status.HasActiveSignedPreKey = true
		status.CurrentSignedPreKeyID = spk.KeyID
		status.CurrentSignedPreKeyAge = time.Since(spk.CreatedAt)
		status.SignedPreKeyExpiresAt = spk.ExpiresAt
	case apperr.Is(err, apperr.MissingKeys):
		// leave HasActiveSignedPreKey false
	default:
		return nil, err
	}

	count, err := m.store.CountUnusedOneTimePreKeys(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	status.UnusedOneTimeKeys = count

	return status, nil
}

// PublicIdentityKey returns the stored Ed25519 identity signing public
// key for (userID, deviceID), the one piece of public material the
// Boundary needs to echo back from a register confirmation without
// reaching into the Store directly.
func (m *Manager) PublicIdentityKey(ctx context.Context, userID uuid.UUID, deviceID int) ([]byte, error) {
	identity, err := m.store.GetIdentityKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return identity.PublicKey, nil
}

// LoadIdentityKeyPair unseals a device's identity signing and DH private
// halves under passphrase, for callers that need a decrypted identity in
// hand but don't already have one cached (Boundary's rotate-signed
// endpoint; GenerateInitialKeys/RotateSignedPreKey populate the cache
// themselves and never need this).
func (m *Manager) LoadIdentityKeyPair(ctx context.Context, userID uuid.UUID, deviceID int, passphrase string) (*ratchet.IdentityKeyPair, error) {
	identity, err := m.store.GetIdentityKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	signPriv, err := m.vault.Open(passphrase, userID.String(), vault.KindIdentity, identity.SealedBlob)
	if err != nil {
		return nil, err
	}
	dhPriv, err := m.vault.Open(passphrase, userID.String(), vault.KindIdentityDH, identity.SealedDHBlob)
	if err != nil {
		return nil, err
	}
	return &ratchet.IdentityKeyPair{
		SignPublic:  ed25519.PublicKey(identity.PublicKey),
		SignPrivate: ed25519.PrivateKey(signPriv),
		DHPublic:    identity.DHPublicKey,
		DHPrivate:   dhPriv,
	}, nil
}

// DeleteAllKeys removes every trace of a device's key material and the
// sessions and trust pins that reference it, delegating to the Store's
// transactional cascade (sessions -> remote identities -> one-time
// pre-keys -> signed pre-keys -> identity).
func (m *Manager) DeleteAllKeys(ctx context.Context, userID uuid.UUID, deviceID int) error {
	return m.store.DeleteAllKeys(ctx, userID, deviceID)
}
