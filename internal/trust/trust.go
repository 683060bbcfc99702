// Package trust implements TrustLedger (C5): the per-(observer,subject)
// record of which identity public key was last observed for a peer
// device, and the UNTRUSTED/TRUSTED/CHANGED lattice that detects a
// silent identity-key swap (the MITM signal the rest of the core keys
// its "strict" initiation policy off of).
package trust

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	"cupid-crypto/internal/audit"
	"cupid-crypto/internal/models"
	"cupid-crypto/internal/repository"
)

// Ledger is TrustLedger (C5).
type Ledger struct {
	store repository.Store
	audit *audit.Sink
}

// New builds a Ledger.
func New(store repository.Store, sink *audit.Sink) *Ledger {
	return &Ledger{store: store, audit: sink}
}

// Observe records an observed peer identity public key, the call every
// X3DH initiation and acceptance makes before trusting a bundle's
// identity key. On first contact it inserts UNTRUSTED. On a later
// contact with the same key, nothing changes. On a later contact with a
// *different* key, it transitions to CHANGED and never silently
// overwrites a key the observer had pinned before — the spec's MITM
// discipline in §3 and §4.5.
func (l *Ledger) Observe(ctx context.Context, owner, peer uuid.UUID, peerDevice int, publicKey []byte) (*models.RemoteIdentity, error) {
	existing, err := l.store.GetRemoteIdentity(ctx, owner, peer, peerDevice)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if existing == nil {
		ri := &models.RemoteIdentity{
			OwnerUserID: owner, PeerUserID: peer, PeerDeviceID: peerDevice,
			PublicKey: publicKey, TrustState: models.TrustUntrusted, FirstSeenAt: now,
		}
		if err := l.store.PutRemoteIdentity(ctx, ri); err != nil {
			return nil, err
		}
		return ri, nil
	}

	if equalBytes(existing.PublicKey, publicKey) {
		return existing, nil
	}

	// Key changed since first contact: CHANGED, never auto-healed back to
	// TRUSTED by this path — only an explicit Trust call can do that.
	changed := &models.RemoteIdentity{
		OwnerUserID: owner, PeerUserID: peer, PeerDeviceID: peerDevice,
		PublicKey: publicKey, TrustState: models.TrustChanged, FirstSeenAt: existing.FirstSeenAt,
	}
	if err := l.store.PutRemoteIdentity(ctx, changed); err != nil {
		return nil, err
	}
	l.audit.RecordSuspicious(ctx, peer, "identity key changed for peer observed by owner", map[string]string{
		"owner": owner.String(), "peer": peer.String(),
	})
	return changed, nil
}

// StateOf returns the current trust state for (owner, peer, peerDevice),
// or UNTRUSTED with a zero RemoteIdentity if there has been no contact.
func (l *Ledger) StateOf(ctx context.Context, owner, peer uuid.UUID, peerDevice int) (models.TrustState, error) {
	ri, err := l.store.GetRemoteIdentity(ctx, owner, peer, peerDevice)
	if err != nil {
		return "", err
	}
	if ri == nil {
		return models.TrustUntrusted, nil
	}
	return ri.TrustState, nil
}

// Trust transitions UNTRUSTED|CHANGED -> TRUSTED after the caller has
// verified the peer's fingerprint out of band. It is audited (§4.5).
func (l *Ledger) Trust(ctx context.Context, owner, peer uuid.UUID, peerDevice int) error {
	ri, err := l.store.GetRemoteIdentity(ctx, owner, peer, peerDevice)
	if err != nil {
		return err
	}
	if ri == nil {
		return nil
	}
	now := time.Now()
	ri.TrustState = models.TrustTrusted
	ri.VerifiedAt = &now
	if err := l.store.PutRemoteIdentity(ctx, ri); err != nil {
		return err
	}
	l.audit.Record(ctx, audit.Entry{UserID: owner, Op: audit.OpTrustMark, PeerUserID: &peer, Success: true})
	return nil
}

// VerifyFingerprint compares a caller-supplied fingerprint guess against
// the stable fingerprint of the stored public key, in constant time. No
// state transition happens here — trust is only granted by an explicit
// Trust call, per §4.5's "no state transition" note on this operation.
// The fingerprint encoding itself is implementation-defined per §9 open
// question (a): a SHA-256 digest of the raw public key bytes.
func (l *Ledger) VerifyFingerprint(ctx context.Context, owner, peer uuid.UUID, peerDevice int, expectedFingerprint []byte) (bool, error) {
	ri, err := l.store.GetRemoteIdentity(ctx, owner, peer, peerDevice)
	if err != nil {
		return false, err
	}
	if ri == nil {
		return false, nil
	}
	actual := Fingerprint(ri.PublicKey)
	return subtle.ConstantTimeCompare(actual, expectedFingerprint) == 1, nil
}

// Fingerprint computes the stable, human-out-of-band-comparable digest
// of an identity public key.
func Fingerprint(publicKey []byte) []byte {
	sum := sha256.Sum256(publicKey)
	return sum[:]
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
