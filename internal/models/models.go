// Package models defines the persistent entities the crypto core
// manipulates. They mirror the tables ProtocolStore reads and writes;
// wire DTOs for the Boundary live beside their handlers instead, since
// they diverge from the storage shape (base64 encoding, omitted fields).
package models

import (
	"time"

	"github.com/google/uuid"
)

// IdentityKey is a user's long-term Ed25519 identity key pair. Only the
// public half is ever stored here — the private half lives sealed inside
// a KeyVault envelope on the client, or (for this server-held variant)
// sealed at rest via internal/vault.
type IdentityKey struct {
	UserID    uuid.UUID `db:"user_id"`
	DeviceID  int       `db:"device_id"`
	PublicKey []byte    `db:"public_key"`  // 32-byte Ed25519 signing public key
	SealedBlob []byte   `db:"sealed_blob"` // vault-sealed Ed25519 private key

	// DHPublicKey/SealedDHBlob are the X25519 keypair bound to this
	// identity (signed implicitly by being published alongside the
	// Ed25519 key) that X3DH actually runs Diffie-Hellman against.
	DHPublicKey   []byte `db:"dh_public_key"`
	SealedDHBlob  []byte `db:"sealed_dh_blob"`

	CreatedAt time.Time `db:"created_at"`
}

// SignedPreKey is a medium-term X25519 key pair, signed by the owning
// identity key, rotated on the scheduler's rotation sweep.
type SignedPreKey struct {
	UserID     uuid.UUID `db:"user_id"`
	DeviceID   int       `db:"device_id"`
	KeyID      int64     `db:"key_id"`
	PublicKey  []byte    `db:"public_key"` // 32-byte X25519 public key
	Signature  []byte    `db:"signature"`  // Ed25519 signature over PublicKey
	SealedBlob []byte    `db:"sealed_blob"`
	CreatedAt  time.Time `db:"created_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// OneTimePreKey is a single-use X25519 key pair consumed by X3DH
// initiation. Claimed atomically via a compare-and-set UPDATE.
type OneTimePreKey struct {
	UserID     uuid.UUID  `db:"user_id"`
	DeviceID   int        `db:"device_id"`
	KeyID      int64      `db:"key_id"`
	PublicKey  []byte     `db:"public_key"`
	SealedBlob []byte     `db:"sealed_blob"`
	Used       bool       `db:"used"`
	UsedAt     *time.Time `db:"used_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// PreKeyBundle is the complete set of public material needed for a peer
// to run X3DH against this user's device. OneTimePreKey is nil once the
// pool is exhausted — the spec permits initiating without one, at a
// reduced forward-secrecy guarantee.
type PreKeyBundle struct {
	UserID           uuid.UUID
	DeviceID         int
	IdentitySignKey  []byte
	IdentityDHKey    []byte
	SignedPreKey     SignedPreKey
	OneTimePreKey    *OneTimePreKey
}

// Session is one Double Ratchet session, keyed by the (owner, peer,
// peerDevice) triple the SessionEngine mutex table also keys on.
type Session struct {
	OwnerUserID  uuid.UUID `db:"owner_user_id"`
	PeerUserID   uuid.UUID `db:"peer_user_id"`
	PeerDeviceID int       `db:"peer_device_id"`

	RootKey  []byte `db:"root_key"`
	SendKey  []byte `db:"send_chain_key"`
	SendN    uint32 `db:"send_n"`
	RecvKey  []byte `db:"recv_chain_key"`
	RecvN    uint32 `db:"recv_n"`
	PrevN    uint32 `db:"prev_chain_n"`

	DHPrivate     []byte `db:"dh_private"`
	DHPublic      []byte `db:"dh_public"`
	RemoteDHPublic []byte `db:"remote_dh_public"`

	// SkippedKeys is a bounded cache of message keys for out-of-order
	// delivery, serialized as (remoteDHPublic||index) -> key.
	SkippedKeys map[string][]byte `db:"-"`

	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
	LastUsedAt time.Time `db:"last_used_at"`
}

// RemoteIdentity pins the last identity public key this user observed
// for a given peer device, the basis for TrustLedger's CHANGED detection.
type RemoteIdentity struct {
	OwnerUserID  uuid.UUID `db:"owner_user_id"`
	PeerUserID   uuid.UUID `db:"peer_user_id"`
	PeerDeviceID int       `db:"peer_device_id"`
	PublicKey    []byte    `db:"public_key"`
	TrustState   TrustState `db:"trust_state"`
	FirstSeenAt  time.Time `db:"first_seen_at"`
	VerifiedAt   *time.Time `db:"verified_at"`
}

// TrustState is the TrustLedger's three-value lattice. It only ever
// moves UNTRUSTED -> TRUSTED (manual verifyFingerprint) or
// UNTRUSTED/TRUSTED -> CHANGED (a new identity key observed). CHANGED
// never auto-heals back to TRUSTED.
type TrustState string

const (
	TrustUntrusted TrustState = "UNTRUSTED"
	TrustTrusted   TrustState = "TRUSTED"
	TrustChanged   TrustState = "CHANGED"
)

// AuditEntry is one append-only record written by AuditSink.
type AuditEntry struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	Action    string    `db:"action"`
	Outcome   string    `db:"outcome"` // "ok" or an apperr.Kind string
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

// KeyRotationHistory is an append-only log the rotation sweep consults
// so it never rotates a signed pre-key twice inside its own overlap
// window.
type KeyRotationHistory struct {
	UserID     uuid.UUID `db:"user_id"`
	DeviceID   int       `db:"device_id"`
	OldKeyID   int64     `db:"old_key_id"`
	NewKeyID   int64     `db:"new_key_id"`
	RotatedAt  time.Time `db:"rotated_at"`
}
