package keymanager

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cupid-crypto/internal/ratchet"
)

type unlockedKey struct {
	userID   uuid.UUID
	deviceID int
}

// unlockedEntry is a cached, already-decrypted identity key plus the
// passphrase that unsealed it, kept only long enough for the
// replenishment and rotation sweeps to act on behalf of a device
// without that device having to resubmit its passphrase out of band.
type unlockedEntry struct {
	identity   *ratchet.IdentityKeyPair
	passphrase string
	expiresAt  time.Time
}

// unlockedRegistry is populated by GenerateInitialKeys and
// RotateSignedPreKey (the two calls that already hold a decrypted
// identity in hand) and drained by the scheduler's replenishment and
// rotation sweeps, which otherwise have no passphrase to act with.
type unlockedRegistry struct {
	mu      sync.Mutex
	entries map[unlockedKey]unlockedEntry
	ttl     time.Duration
}

func newUnlockedRegistry(ttl time.Duration) *unlockedRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &unlockedRegistry{entries: make(map[unlockedKey]unlockedEntry), ttl: ttl}
}

func (r *unlockedRegistry) put(userID uuid.UUID, deviceID int, identity *ratchet.IdentityKeyPair, passphrase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[unlockedKey{userID, deviceID}] = unlockedEntry{
		identity: identity, passphrase: passphrase, expiresAt: time.Now().Add(r.ttl),
	}
}

// drop evicts a device's cached unlocked identity, so a caller that
// destructively regenerates a device's keys (GenerateInitialKeys) never
// leaves the sweeps holding a passphrase paired with a now-stale identity.
func (r *unlockedRegistry) drop(userID uuid.UUID, deviceID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, unlockedKey{userID, deviceID})
}

// CachedDevice is one entry the scheduler sweeps can act on.
type CachedDevice struct {
	UserID     uuid.UUID
	DeviceID   int
	Identity   *ratchet.IdentityKeyPair
	Passphrase string
}

// Snapshot returns every non-expired cached device, evicting expired
// ones along the way.
func (r *unlockedRegistry) snapshot() []CachedDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]CachedDevice, 0, len(r.entries))
	for k, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, k)
			continue
		}
		out = append(out, CachedDevice{UserID: k.userID, DeviceID: k.deviceID, Identity: e.identity, Passphrase: e.passphrase})
	}
	return out
}
