package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// unlockedEntry is a passphrase-derived private key cached for a bounded
// time so a device does not have to resend its passphrase on every
// ratchet operation within the same short window — the same notion
// §4.7 gestures at when it says the replenishment sweep "only acts for
// users with a cached unlocked identity".
type unlockedEntry struct {
	dhPrivate []byte
	expiresAt time.Time
}

// unlockedCache is an in-memory, best-effort cache of recently-unsealed
// identity DH private keys, keyed by (userID, deviceID). It never
// touches the Store or KeyVault itself — callers populate it after a
// successful vault.Open.
type unlockedCache struct {
	mu      sync.Mutex
	entries map[string]unlockedEntry
	ttl     time.Duration
}

func newUnlockedCache(ttl time.Duration) *unlockedCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &unlockedCache{entries: make(map[string]unlockedEntry), ttl: ttl}
}

func unlockedCacheKey(userID uuid.UUID, deviceID int) string {
	b := make([]byte, 0, 40)
	b = append(b, userID[:]...)
	b = appendUint32(b, uint32(deviceID))
	return string(b)
}

func (c *unlockedCache) put(userID uuid.UUID, deviceID int, dhPrivate []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[unlockedCacheKey(userID, deviceID)] = unlockedEntry{
		dhPrivate: dhPrivate,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *unlockedCache) get(userID uuid.UUID, deviceID int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[unlockedCacheKey(userID, deviceID)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.dhPrivate, true
}
