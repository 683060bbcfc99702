// Package session implements SessionEngine (C4): X3DH session
// establishment and Double Ratchet message encryption/decryption,
// wrapping internal/ratchet with persistence, per-(owner,peer,device)
// serialization, and a trust-policy hook consulted before every new
// session is trusted.
package session

import (
	"context"
	"crypto/ed25519"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"cupid-crypto/internal/audit"
	"cupid-crypto/internal/models"
	"cupid-crypto/internal/ratchet"
	"cupid-crypto/internal/repository"
	"cupid-crypto/internal/trust"
	"cupid-crypto/internal/vault"
	"cupid-crypto/pkg/apperr"
)

// Policy controls what the Engine does when it observes a peer's
// identity key has changed since the last contact (§4.5's "trust
// policy hook"). Strict refuses to proceed; Permissive proceeds but
// still logs the change to TrustLedger and AuditSink.
type Policy int

const (
	PolicyStrict Policy = iota
	PolicyPermissive
)

// Engine is SessionEngine (C4).
type Engine struct {
	store repository.Store
	vault *vault.Vault
	trust *trust.Ledger
	audit *audit.Sink
	cache *unlockedCache

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	policy Policy
}

// New builds an Engine.
func New(store repository.Store, v *vault.Vault, t *trust.Ledger, a *audit.Sink, policy Policy) *Engine {
	return &Engine{
		store:  store,
		vault:  v,
		trust:  t,
		audit:  a,
		cache:  newUnlockedCache(5 * time.Minute),
		locks:  make(map[string]*sync.Mutex),
		policy: policy,
	}
}

func sessionLockKey(owner, peer uuid.UUID, peerDevice int) string {
	return owner.String() + "|" + peer.String() + "|" + strconv.Itoa(peerDevice)
}

// lockFor returns the mutex serializing every operation against one
// (owner, peer, peerDevice) session, so two concurrent encrypts or a
// concurrent encrypt/decrypt pair never race the ratchet state (§5.2).
func (e *Engine) lockFor(owner, peer uuid.UUID, peerDevice int) *sync.Mutex {
	key := sessionLockKey(owner, peer, peerDevice)
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	m, ok := e.locks[key]
	if !ok {
		m = &sync.Mutex{}
		e.locks[key] = m
	}
	return m
}

// unsealOwnerIdentityDH opens the owner's X25519 identity private key,
// using the unlocked cache to avoid re-deriving it from the passphrase
// on every call within the cache TTL.
func (e *Engine) unsealOwnerIdentityDH(ctx context.Context, owner uuid.UUID, ownerDevice int, passphrase string) ([]byte, error) {
	if dh, ok := e.cache.get(owner, ownerDevice); ok {
		return dh, nil
	}
	identity, err := e.store.GetIdentityKey(ctx, owner, ownerDevice)
	if err != nil {
		return nil, err
	}
	dh, err := e.vault.Open(passphrase, owner.String(), vault.KindIdentityDH, identity.SealedDHBlob)
	if err != nil {
		return nil, err
	}
	e.cache.put(owner, ownerDevice, dh)
	return dh, nil
}

func stateFromSession(s *models.Session) *ratchet.State {
	return &ratchet.State{
		RootKey:      s.RootKey,
		DHPrivate:    s.DHPrivate,
		DHPublic:     s.DHPublic,
		RemoteDH:     s.RemoteDHPublic,
		SendChainKey: s.SendKey,
		SendN:        s.SendN,
		RecvChainKey: s.RecvKey,
		RecvN:        s.RecvN,
		PrevChainN:   s.PrevN,
		Skipped:      s.SkippedKeys,
	}
}

func sessionFromState(owner, peer uuid.UUID, peerDevice int, st *ratchet.State) *models.Session {
	return &models.Session{
		OwnerUserID: owner, PeerUserID: peer, PeerDeviceID: peerDevice,
		RootKey: st.RootKey,
		DHPrivate: st.DHPrivate, DHPublic: st.DHPublic, RemoteDHPublic: st.RemoteDH,
		SendKey: st.SendChainKey, SendN: st.SendN,
		RecvKey: st.RecvChainKey, RecvN: st.RecvN,
		PrevN:       st.PrevChainN,
		SkippedKeys: st.Skipped,
	}
}

// checkTrust consults TrustLedger for the peer's identity key, applying
// the Engine's policy: strict mode refuses to establish or continue a
// session once a key change is detected, permissive mode proceeds.
func (e *Engine) checkTrust(ctx context.Context, owner, peer uuid.UUID, peerDevice int, observedKey []byte) error {
	ri, err := e.trust.Observe(ctx, owner, peer, peerDevice, observedKey)
	if err != nil {
		return err
	}
	if ri.TrustState == models.TrustChanged && e.policy == PolicyStrict {
		return apperr.New(apperr.TrustBroken, "peer identity key changed since last contact; re-verification required")
	}
	return nil
}

// initiate runs X3DH as the initiator against bundle and persists a
// freshly-ratcheted sending session. Caller must already hold the
// session lock.
func (e *Engine) initiate(ctx context.Context, owner uuid.UUID, ownerDevice int, passphrase string, peer uuid.UUID, peerDevice int, bundle *ratchet.Bundle) (*ratchet.InitiateResult, *ratchet.State, []byte, error) {
	// Pin on the X25519 DH public key rather than the Ed25519 signing
	// key: it's the half accept() also has to hand from the wire
	// header, so both sides of a session pin the same key material.
	if err := e.checkTrust(ctx, owner, peer, peerDevice, bundle.IdentityDHPublic); err != nil {
		return nil, nil, nil, err
	}

	ownerDH, err := e.unsealOwnerIdentityDH(ctx, owner, ownerDevice, passphrase)
	if err != nil {
		return nil, nil, nil, err
	}
	ownerIdentity, err := e.store.GetIdentityKey(ctx, owner, ownerDevice)
	if err != nil {
		return nil, nil, nil, err
	}
	initiatorPair := &ratchet.IdentityKeyPair{
		SignPublic: ed25519.PublicKey(ownerIdentity.PublicKey),
		DHPublic:   ownerIdentity.DHPublicKey,
		DHPrivate:  ownerDH,
	}

	result, err := ratchet.Initiate(initiatorPair, bundle)
	if err != nil {
		e.audit.Record(ctx, audit.Entry{UserID: owner, Op: audit.OpSessionInit, PeerUserID: &peer, Success: false, ErrKind: errKind(err)})
		return nil, nil, nil, err
	}

	st, err := ratchet.InitSending(result.SharedSecret, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := e.store.PutSession(ctx, sessionFromState(owner, peer, peerDevice, st)); err != nil {
		return nil, nil, nil, err
	}
	e.audit.Record(ctx, audit.Entry{UserID: owner, Op: audit.OpSessionInit, PeerUserID: &peer, Success: true})
	return result, st, ownerIdentity.DHPublicKey, nil
}

// Initiate establishes a session against a freshly-fetched bundle
// without sending a message, the explicit session/init operation in §6.
func (e *Engine) Initiate(ctx context.Context, owner uuid.UUID, ownerDevice int, passphrase string, peer uuid.UUID, peerDevice int, bundle *ratchet.Bundle) error {
	lock := e.lockFor(owner, peer, peerDevice)
	lock.Lock()
	defer lock.Unlock()
	_, _, _, err := e.initiate(ctx, owner, ownerDevice, passphrase, peer, peerDevice, bundle)
	return err
}

// EncryptResult is the wire-ready output of an encrypt call, matching
// the shape the Boundary's session/encrypt response renders.
type EncryptResult struct {
	EncryptedContent []byte
	MessageType      MessageType
}

// Encrypt seals plaintext for (peer, peerDevice). If no session exists
// yet, bundle must be non-nil (the Boundary is expected to have fetched
// it from KeyManager first) and Encrypt runs X3DH initiation inline,
// producing a PREKEY message; otherwise it advances the existing
// session's sending chain and produces a NORMAL message.
func (e *Engine) Encrypt(ctx context.Context, owner uuid.UUID, ownerDevice int, passphrase string, peer uuid.UUID, peerDevice int, plaintext []byte, bundle *ratchet.Bundle) (*EncryptResult, error) {
	lock := e.lockFor(owner, peer, peerDevice)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.store.GetSession(ctx, owner, peer, peerDevice)
	if err != nil && !apperr.Is(err, apperr.SessionMissing) {
		return nil, err
	}

	if existing == nil {
		if bundle == nil {
			return nil, apperr.New(apperr.SessionMissing, "no session established and no pre-key bundle supplied to initiate one")
		}
		initResult, st, ownerIdentityDHPublic, err := e.initiate(ctx, owner, ownerDevice, passphrase, peer, peerDevice, bundle)
		if err != nil {
			return nil, err
		}
		ciphertext, header, err := ratchet.Encrypt(st, plaintext, associatedData(owner, peer, peerDevice))
		if err != nil {
			return nil, err
		}
		if err := e.store.PutSession(ctx, sessionFromState(owner, peer, peerDevice, st)); err != nil {
			return nil, err
		}
		pk := &preKeyHeader{
			identityDHPublic: ownerIdentityDHPublic,
			ephemeralPublic:  initResult.EphemeralPub,
			signedPreKeyID:   bundle.SignedPreKeyID,
		}
		if initResult.UsedOneTimeKey {
			pk.oneTimeKeyID = bundle.OneTimePreKeyID
		}
		e.audit.Record(ctx, audit.Entry{UserID: owner, Op: audit.OpEncrypt, PeerUserID: &peer, Success: true})
		return &EncryptResult{
			EncryptedContent: encodeWireMessage(MessageTypePreKey, pk, header, ciphertext),
			MessageType:      MessageTypePreKey,
		}, nil
	}

	st := stateFromSession(existing)
	ciphertext, header, err := ratchet.Encrypt(st, plaintext, associatedData(owner, peer, peerDevice))
	if err != nil {
		e.audit.Record(ctx, audit.Entry{UserID: owner, Op: audit.OpEncrypt, PeerUserID: &peer, Success: false, ErrKind: errKind(err)})
		return nil, err
	}
	if err := e.store.PutSession(ctx, sessionFromState(owner, peer, peerDevice, st)); err != nil {
		return nil, err
	}
	e.audit.Record(ctx, audit.Entry{UserID: owner, Op: audit.OpEncrypt, PeerUserID: &peer, Success: true})
	return &EncryptResult{
		EncryptedContent: encodeWireMessage(MessageTypeNormal, nil, header, ciphertext),
		MessageType:      MessageTypeNormal,
	}, nil
}

// Decrypt opens an inbound message from (peer, peerDevice). A PREKEY
// message runs X3DH acceptance inline (claiming the owner's one-time
// pre-key if one was used) before the ratchet step; a NORMAL message
// requires an existing session, returning SessionMissing otherwise.
func (e *Engine) Decrypt(ctx context.Context, owner uuid.UUID, ownerDevice int, passphrase string, peer uuid.UUID, peerDevice int, wireMessage []byte) ([]byte, error) {
	lock := e.lockFor(owner, peer, peerDevice)
	lock.Lock()
	defer lock.Unlock()

	mt, pk, header, ciphertext, err := decodeWireMessage(wireMessage)
	if err != nil {
		return nil, err
	}

	var st *ratchet.State
	if mt == MessageTypePreKey {
		st, err = e.accept(ctx, owner, ownerDevice, passphrase, peer, peerDevice, pk)
		if err != nil {
			return nil, err
		}
	} else {
		existing, err := e.store.GetSession(ctx, owner, peer, peerDevice)
		if err != nil {
			return nil, err
		}
		st = stateFromSession(existing)
	}

	plaintext, err := ratchet.Decrypt(st, ciphertext, header, associatedData(peer, owner, ownerDevice))
	if err != nil {
		e.audit.Record(ctx, audit.Entry{UserID: owner, Op: audit.OpDecrypt, PeerUserID: &peer, Success: false, ErrKind: errKind(err)})
		return nil, err
	}
	if err := e.store.PutSession(ctx, sessionFromState(owner, peer, peerDevice, st)); err != nil {
		return nil, err
	}
	e.audit.Record(ctx, audit.Entry{UserID: owner, Op: audit.OpDecrypt, PeerUserID: &peer, Success: true})
	return plaintext, nil
}

// signedPreKeyForAcceptance resolves the exact signed pre-key an
// initiator used, which may be the device's current one or a prior one
// still inside its overlap window (§4.4 acceptance step 2): looking up
// by the current key alone breaks any handshake straddling a rotation.
func (e *Engine) signedPreKeyForAcceptance(ctx context.Context, owner uuid.UUID, ownerDevice int, signedPreKeyID int64) (*models.SignedPreKey, error) {
	all, err := e.store.ListSignedPreKeys(ctx, owner, ownerDevice)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].KeyID == signedPreKeyID {
			return &all[i], nil
		}
	}
	return nil, apperr.New(apperr.Undecipherable, "signed pre-key referenced by handshake is no longer available")
}

func (e *Engine) accept(ctx context.Context, owner uuid.UUID, ownerDevice int, passphrase string, peer uuid.UUID, peerDevice int, pk *preKeyHeader) (*ratchet.State, error) {
	if pk == nil {
		return nil, apperr.New(apperr.Undecipherable, "prekey message missing handshake header")
	}
	if err := e.checkTrust(ctx, owner, peer, peerDevice, pk.identityDHPublic); err != nil {
		return nil, err
	}

	ownerIdentity, err := e.store.GetIdentityKey(ctx, owner, ownerDevice)
	if err != nil {
		return nil, err
	}
	ownerDH, err := e.unsealOwnerIdentityDH(ctx, owner, ownerDevice, passphrase)
	if err != nil {
		return nil, err
	}
	responderIdentity := &ratchet.IdentityKeyPair{
		SignPublic: ed25519.PublicKey(ownerIdentity.PublicKey),
		DHPublic:   ownerIdentity.DHPublicKey,
		DHPrivate:  ownerDH,
	}

	spkRow, err := e.signedPreKeyForAcceptance(ctx, owner, ownerDevice, pk.signedPreKeyID)
	if err != nil {
		return nil, err
	}
	spkPrivate, err := e.vault.Open(passphrase, owner.String(), vault.KindSignedPreKey, spkRow.SealedBlob)
	if err != nil {
		return nil, err
	}
	responderSPK := &ratchet.SignedPreKeyPair{KeyID: spkRow.KeyID, Public: spkRow.PublicKey, Private: spkPrivate}

	var responderOTK *ratchet.OneTimePreKeyPair
	if pk.oneTimeKeyID != 0 {
		otk, err := e.store.GetOneTimePreKeyByID(ctx, owner, ownerDevice, pk.oneTimeKeyID)
		if err != nil {
			return nil, err
		}
		if otk != nil {
			otkPrivate, err := e.vault.Open(passphrase, owner.String(), vault.KindOneTimeKey, otk.SealedBlob)
			if err != nil {
				return nil, err
			}
			responderOTK = &ratchet.OneTimePreKeyPair{KeyID: otk.KeyID, Public: otk.PublicKey, Private: otkPrivate}
		}
	}

	secret, err := ratchet.Accept(responderIdentity, responderSPK, responderOTK, pk.identityDHPublic, pk.ephemeralPublic)
	if err != nil {
		return nil, err
	}
	st, err := ratchet.InitReceiving(secret, spkPrivate, spkRow.PublicKey)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Has reports whether a session already exists for (owner, peer,
// peerDevice) without establishing one, the explicit session/has query
// in §6.
func (e *Engine) Has(ctx context.Context, owner, peer uuid.UUID, peerDevice int) (bool, error) {
	_, err := e.store.GetSession(ctx, owner, peer, peerDevice)
	if err != nil {
		if apperr.Is(err, apperr.SessionMissing) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete tears down an established session with a peer.
func (e *Engine) Delete(ctx context.Context, owner, peer uuid.UUID, peerDevice int) error {
	return e.store.DeleteSession(ctx, owner, peer, peerDevice)
}

func associatedData(a, b uuid.UUID, deviceB int) []byte {
	buf := make([]byte, 0, 36)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return appendUint32(buf, uint32(deviceB))
}

func errKind(err error) apperr.Kind {
	if ae, ok := apperr.As(err); ok {
		return ae.Kind
	}
	return "error"
}

