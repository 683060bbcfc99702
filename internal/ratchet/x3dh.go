// Package ratchet implements X3DH key agreement and the Double Ratchet
// symmetric-key ratchet, following the shape of ericlagergren/dr and the
// Klickk-SecuMSG/ZentaChain X3DH managers, but fixed to the primitive
// suite the crypto core mandates: X25519 for Diffie-Hellman, Ed25519 for
// identity-key signatures, HKDF-SHA256 for key derivation, and AES-256-GCM
// for message sealing. The package never touches storage — it is pure
// functions over key bytes, so internal/session can wrap it with
// persistence and locking.
package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"cupid-crypto/pkg/apperr"
)

const (
	x3dhInfo = "cupid-x3dh-v1"
)

// IdentityKeyPair is a long-term Ed25519 identity key. The same key
// pair doubles as the X3DH identity DH key by converting it to a
// Montgomery-form X25519 key when needed (Signal's actual approach);
// here we keep it simpler and generate a distinct X25519 identity DH
// key pair, signed by the Ed25519 key, matching how biz1990-secureconnect
// and writerslogic-witnessd model identity material as separate
// signing and DH keys.
type IdentityKeyPair struct {
	SignPublic  ed25519.PublicKey
	SignPrivate ed25519.PrivateKey
	DHPublic    []byte // X25519, 32 bytes
	DHPrivate   []byte // X25519, 32 bytes
}

// GenerateIdentityKeyPair creates a fresh long-term identity: an
// Ed25519 signing key plus an X25519 DH key bound to it.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generating identity signing key: %w", err)
	}
	dhPriv, dhPub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{
		SignPublic:  signPub,
		SignPrivate: signPriv,
		DHPublic:    dhPub,
		DHPrivate:   dhPriv,
	}, nil
}

// SignedPreKeyPair is a medium-term X25519 key pair, signed by an
// identity key so peers can verify it has not been substituted.
type SignedPreKeyPair struct {
	KeyID     int64
	Public    []byte
	Private   []byte
	Signature []byte
}

// GenerateSignedPreKey creates a new signed pre-key and signs its
// public half with the owner's identity signing key.
func GenerateSignedPreKey(keyID int64, identity *IdentityKeyPair) (*SignedPreKeyPair, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(identity.SignPrivate, pub)
	return &SignedPreKeyPair{KeyID: keyID, Public: pub, Private: priv, Signature: sig}, nil
}

// VerifySignedPreKey checks a signed pre-key's signature against the
// claimed owner's identity signing public key.
func VerifySignedPreKey(identitySignPublic ed25519.PublicKey, spkPublic, signature []byte) error {
	if len(identitySignPublic) != ed25519.PublicKeySize || len(spkPublic) != 32 {
		return apperr.New(apperr.BadKeys, "malformed identity or signed pre-key public material")
	}
	if !ed25519.Verify(identitySignPublic, spkPublic, signature) {
		return apperr.New(apperr.BadKeys, "signed pre-key signature verification failed")
	}
	return nil
}

// OneTimePreKeyPair is a single-use X25519 key pair.
type OneTimePreKeyPair struct {
	KeyID   int64
	Public  []byte
	Private []byte
}

// GenerateOneTimePreKeys creates count one-time pre-keys with
// sequential ids starting at startID.
func GenerateOneTimePreKeys(startID int64, count int) ([]*OneTimePreKeyPair, error) {
	out := make([]*OneTimePreKeyPair, 0, count)
	for i := 0; i < count; i++ {
		priv, pub, err := generateX25519()
		if err != nil {
			return nil, err
		}
		out = append(out, &OneTimePreKeyPair{KeyID: startID + int64(i), Public: pub, Private: priv})
	}
	return out, nil
}

// Bundle is the public material a peer needs to run X3DH against this
// identity's current pre-keys.
type Bundle struct {
	IdentitySignPublic ed25519.PublicKey
	IdentityDHPublic   []byte
	SignedPreKeyID     int64
	SignedPreKeyPublic []byte
	SignedPreKeySig    []byte
	OneTimePreKeyID    int64  // zero value means none was included
	OneTimePreKeyPub   []byte // nil when none was included
}

// InitiateResult is what the initiating side of X3DH produces: the
// shared secret that seeds the Double Ratchet, plus the ephemeral
// public key and chosen one-time pre-key id the responder needs in the
// initial message header to reconstruct the same secret.
type InitiateResult struct {
	SharedSecret   []byte
	EphemeralPub   []byte
	UsedOneTimeKey bool
}

// Initiate runs the initiating (Alice) side of X3DH against a peer's
// bundle, given the initiator's own identity key pair.
func Initiate(initiator *IdentityKeyPair, bundle *Bundle) (*InitiateResult, error) {
	if err := VerifySignedPreKey(bundle.IdentitySignPublic, bundle.SignedPreKeyPublic, bundle.SignedPreKeySig); err != nil {
		return nil, err
	}

	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return nil, err
	}

	var dh1, dh2, dh3, dh4 []byte
	if dh1, err = curve25519.X25519(initiator.DHPrivate, bundle.SignedPreKeyPublic); err != nil {
		return nil, wrapDH(err)
	}
	if dh2, err = curve25519.X25519(ephPriv, bundle.IdentityDHPublic); err != nil {
		return nil, wrapDH(err)
	}
	if dh3, err = curve25519.X25519(ephPriv, bundle.SignedPreKeyPublic); err != nil {
		return nil, wrapDH(err)
	}

	material := concat(dh1, dh2, dh3)
	usedOneTime := len(bundle.OneTimePreKeyPub) == 32
	if usedOneTime {
		if dh4, err = curve25519.X25519(ephPriv, bundle.OneTimePreKeyPub); err != nil {
			return nil, wrapDH(err)
		}
		material = concat(material, dh4)
	}

	secret, err := hkdfExtractExpand(material, []byte(x3dhInfo), 32)
	if err != nil {
		return nil, err
	}

	return &InitiateResult{SharedSecret: secret, EphemeralPub: ephPub, UsedOneTimeKey: usedOneTime}, nil
}

// Accept runs the responding (Bob) side of X3DH, reconstructing the
// same shared secret from the initiator's identity DH public key and
// ephemeral public key, using the responder's own private key material.
func Accept(
	responderIdentity *IdentityKeyPair,
	responderSignedPreKey *SignedPreKeyPair,
	responderOneTimeKey *OneTimePreKeyPair, // nil if the initiator didn't claim one
	initiatorIdentityDHPublic []byte,
	initiatorEphemeralPublic []byte,
) ([]byte, error) {
	dh1, err := curve25519.X25519(responderSignedPreKey.Private, initiatorIdentityDHPublic)
	if err != nil {
		return nil, wrapDH(err)
	}
	dh2, err := curve25519.X25519(responderIdentity.DHPrivate, initiatorEphemeralPublic)
	if err != nil {
		return nil, wrapDH(err)
	}
	dh3, err := curve25519.X25519(responderSignedPreKey.Private, initiatorEphemeralPublic)
	if err != nil {
		return nil, wrapDH(err)
	}

	material := concat(dh1, dh2, dh3)
	if responderOneTimeKey != nil {
		dh4, err := curve25519.X25519(responderOneTimeKey.Private, initiatorEphemeralPublic)
		if err != nil {
			return nil, wrapDH(err)
		}
		material = concat(material, dh4)
	}

	return hkdfExtractExpand(material, []byte(x3dhInfo), 32)
}

func generateX25519() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("ratchet: generating X25519 private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: deriving X25519 public key: %w", err)
	}
	return priv, pub, nil
}

func wrapDH(err error) error {
	return apperr.New(apperr.BadKeys, "Diffie-Hellman computation failed", err.Error())
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
