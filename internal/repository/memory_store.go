package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cupid-crypto/internal/models"
	"cupid-crypto/pkg/apperr"
)

// MemoryStore is an in-memory Store used by package tests across
// keymanager, session, trust, and audit — it implements the exact same
// claim/cascade/purge semantics as PostgresStore without needing a
// database.
type MemoryStore struct {
	mu sync.Mutex

	identities   map[identityKey]*models.IdentityKey
	signedKeys   map[identityKey][]*models.SignedPreKey
	oneTimeKeys  map[identityKey][]*models.OneTimePreKey
	sessions     map[sessionKey]*models.Session
	remoteIdents map[sessionKey]*models.RemoteIdentity
	rotations    map[identityKey][]*models.KeyRotationHistory
	audit        []*models.AuditEntry
}

type identityKey struct {
	userID   uuid.UUID
	deviceID int
}

type sessionKey struct {
	owner      uuid.UUID
	peer       uuid.UUID
	peerDevice int
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:   make(map[identityKey]*models.IdentityKey),
		signedKeys:   make(map[identityKey][]*models.SignedPreKey),
		oneTimeKeys:  make(map[identityKey][]*models.OneTimePreKey),
		sessions:     make(map[sessionKey]*models.Session),
		remoteIdents: make(map[sessionKey]*models.RemoteIdentity),
		rotations:    make(map[identityKey][]*models.KeyRotationHistory),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) PutIdentityKey(_ context.Context, key *models.IdentityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.identities[identityKey{key.UserID, key.DeviceID}] = &cp
	return nil
}

func (m *MemoryStore) GetIdentityKey(_ context.Context, userID uuid.UUID, deviceID int) (*models.IdentityKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.identities[identityKey{userID, deviceID}]
	if !ok {
		return nil, apperr.New(apperr.MissingKeys, "no identity key on file")
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) PutSignedPreKey(_ context.Context, spk *models.SignedPreKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *spk
	key := identityKey{spk.UserID, spk.DeviceID}
	m.signedKeys[key] = append(m.signedKeys[key], &cp)
	return nil
}

func (m *MemoryStore) GetCurrentSignedPreKey(_ context.Context, userID uuid.UUID, deviceID int) (*models.SignedPreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.signedKeys[identityKey{userID, deviceID}]
	if len(list) == 0 {
		return nil, apperr.New(apperr.MissingKeys, "no signed pre-key on file")
	}
	latest := list[0]
	for _, spk := range list {
		if spk.CreatedAt.After(latest.CreatedAt) {
			latest = spk
		}
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListSignedPreKeys(_ context.Context, userID uuid.UUID, deviceID int) ([]models.SignedPreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.signedKeys[identityKey{userID, deviceID}]
	out := make([]models.SignedPreKey, len(list))
	for i, spk := range list {
		out[i] = *spk
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutOneTimePreKeys(_ context.Context, keys []models.OneTimePreKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		ik := identityKey{k.UserID, k.DeviceID}
		for _, existing := range m.oneTimeKeys[ik] {
			if existing.KeyID == k.KeyID {
				return apperr.New(apperr.Conflict, "one-time pre-key id already on file")
			}
		}
	}
	for _, k := range keys {
		cp := k
		ik := identityKey{k.UserID, k.DeviceID}
		m.oneTimeKeys[ik] = append(m.oneTimeKeys[ik], &cp)
	}
	return nil
}

func (m *MemoryStore) MaxOneTimePreKeyID(_ context.Context, userID uuid.UUID, deviceID int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, k := range m.oneTimeKeys[identityKey{userID, deviceID}] {
		if k.KeyID > max {
			max = k.KeyID
		}
	}
	return max, nil
}

func (m *MemoryStore) ClaimOneTimePreKey(_ context.Context, userID uuid.UUID, deviceID int) (*models.OneTimePreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.oneTimeKeys[identityKey{userID, deviceID}]
	for _, k := range list {
		if !k.Used {
			k.Used = true
			now := time.Now()
			k.UsedAt = &now
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetOneTimePreKeyByID(_ context.Context, userID uuid.UUID, deviceID int, keyID int64) (*models.OneTimePreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.oneTimeKeys[identityKey{userID, deviceID}] {
		if k.KeyID == keyID {
			cp := *k
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.MissingKeys, "no one-time pre-key with that id on file")
}

func (m *MemoryStore) CountUnusedOneTimePreKeys(_ context.Context, userID uuid.UUID, deviceID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, k := range m.oneTimeKeys[identityKey{userID, deviceID}] {
		if !k.Used {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) PurgeUsedOneTimePreKeys(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ik, list := range m.oneTimeKeys {
		kept := list[:0]
		for _, k := range list {
			if k.Used && k.UsedAt != nil && k.UsedAt.Before(olderThan) {
				n++
				continue
			}
			kept = append(kept, k)
		}
		m.oneTimeKeys[ik] = kept
	}
	return n, nil
}

func (m *MemoryStore) GetPreKeyBundle(ctx context.Context, userID uuid.UUID, deviceID int) (*models.PreKeyBundle, error) {
	identity, err := m.GetIdentityKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	spk, err := m.GetCurrentSignedPreKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	otk, err := m.ClaimOneTimePreKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return &models.PreKeyBundle{
		UserID: userID, DeviceID: deviceID,
		IdentitySignKey: identity.PublicKey, IdentityDHKey: identity.DHPublicKey,
		SignedPreKey: *spk, OneTimePreKey: otk,
	}, nil
}

func (m *MemoryStore) GetSession(_ context.Context, owner, peer uuid.UUID, peerDevice int) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{owner, peer, peerDevice}]
	if !ok {
		return nil, apperr.New(apperr.SessionMissing, "no session on file")
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) PutSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.UpdatedAt = time.Now()
	cp.LastUsedAt = cp.UpdatedAt
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.sessions[sessionKey{s.OwnerUserID, s.PeerUserID, s.PeerDeviceID}] = &cp
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, owner, peer uuid.UUID, peerDevice int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey{owner, peer, peerDevice})
	return nil
}

func (m *MemoryStore) PurgeIdleSessions(_ context.Context, idleSince time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.sessions {
		if s.LastUsedAt.Before(idleSince) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetRemoteIdentity(_ context.Context, owner, peer uuid.UUID, peerDevice int) (*models.RemoteIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ri, ok := m.remoteIdents[sessionKey{owner, peer, peerDevice}]
	if !ok {
		return nil, nil
	}
	cp := *ri
	return &cp, nil
}

func (m *MemoryStore) PutRemoteIdentity(_ context.Context, ri *models.RemoteIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ri
	m.remoteIdents[sessionKey{ri.OwnerUserID, ri.PeerUserID, ri.PeerDeviceID}] = &cp
	return nil
}

func (m *MemoryStore) RecordRotation(_ context.Context, h *models.KeyRotationHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	cp.RotatedAt = time.Now()
	ik := identityKey{h.UserID, h.DeviceID}
	m.rotations[ik] = append(m.rotations[ik], &cp)
	return nil
}

func (m *MemoryStore) LastRotation(_ context.Context, userID uuid.UUID, deviceID int) (*models.KeyRotationHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.rotations[identityKey{userID, deviceID}]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[0]
	for _, h := range list {
		if h.RotatedAt.After(latest.RotatedAt) {
			latest = h
		}
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.CreatedAt = time.Now()
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) RecentAuditFailures(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.audit {
		if e.UserID == userID && e.Outcome != "ok" && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteAllKeys(_ context.Context, userID uuid.UUID, deviceID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.sessions {
		if k.owner == userID {
			delete(m.sessions, k)
		}
	}
	for k := range m.remoteIdents {
		if k.owner == userID {
			delete(m.remoteIdents, k)
		}
	}
	ik := identityKey{userID, deviceID}
	delete(m.oneTimeKeys, ik)
	delete(m.signedKeys, ik)
	delete(m.identities, ik)
	return nil
}

var _ Store = (*MemoryStore)(nil)
