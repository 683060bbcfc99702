package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"cupid-crypto/pkg/apperr"
)

// MaxSkip bounds how many message keys a single Decrypt call will
// derive and cache while catching up over a gap in the receive chain,
// following Klickk-SecuMSG-Server's maxSkippedMessageKeys guard. A gap
// larger than this is rejected as OutOfOrder rather than silently
// burning unbounded memory deriving keys that may never arrive.
const MaxSkip = 1000

// maxCachedSkippedKeys bounds the total size of the skipped-key cache,
// evicting the oldest entry once full.
const maxCachedSkippedKeys = 64

// State is the full Double Ratchet state for one session, the same
// shape internal/models.Session persists.
type State struct {
	RootKey []byte

	DHPrivate []byte // our current ratchet private key
	DHPublic  []byte // our current ratchet public key
	RemoteDH  []byte // peer's last known ratchet public key

	SendChainKey []byte
	SendN        uint32
	RecvChainKey []byte
	RecvN        uint32
	PrevChainN   uint32 // length of the previous sending chain, for header PN

	// Skipped holds message keys derived ahead of where RecvN has
	// caught up, keyed by base64(remoteDH)+index, for messages that
	// arrive out of order.
	Skipped map[string][]byte
}

// Header accompanies every ratchet-encrypted message; the receiver
// needs it to know whether to step the DH ratchet and how far to walk
// the chain.
type Header struct {
	DHPublic []byte
	PN       uint32
	N        uint32
}

// InitSending builds the initial ratchet state for the party that just
// completed X3DH as the initiator: it knows the shared secret and the
// responder's signed pre-key public value to ratchet against
// immediately, producing a root key and a fresh DH key pair of its own.
func InitSending(sharedSecret, remoteDHPublic []byte) (*State, error) {
	dhPriv, dhPub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	dh, err := curve25519.X25519(dhPriv, remoteDHPublic)
	if err != nil {
		return nil, wrapDH(err)
	}
	root, sendChain, err := kdfRootKey(sharedSecret, dh)
	if err != nil {
		return nil, err
	}
	return &State{
		RootKey:      root,
		DHPrivate:    dhPriv,
		DHPublic:     dhPub,
		RemoteDH:     remoteDHPublic,
		SendChainKey: sendChain,
		Skipped:      make(map[string][]byte),
	}, nil
}

// InitReceiving builds the initial ratchet state for the party that
// just completed X3DH as the responder: it has the shared secret and
// its own signed pre-key pair, and waits for the initiator's first
// ratchet-stepped message to derive a receiving chain.
func InitReceiving(sharedSecret []byte, ownSignedPreKeyPrivate, ownSignedPreKeyPublic []byte) (*State, error) {
	return &State{
		RootKey:   sharedSecret,
		DHPrivate: ownSignedPreKeyPrivate,
		DHPublic:  ownSignedPreKeyPublic,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt advances the sending chain one step and seals plaintext,
// returning the ciphertext and the header the peer needs to decrypt it.
func Encrypt(s *State, plaintext, associatedData []byte) ([]byte, *Header, error) {
	if len(s.SendChainKey) == 0 {
		return nil, nil, apperr.New(apperr.SessionGone, "ratchet has no sending chain established")
	}
	nextChain, msgKey := kdfChainKey(s.SendChainKey)
	header := &Header{DHPublic: s.DHPublic, PN: s.PrevChainN, N: s.SendN}

	ciphertext, err := seal(msgKey, plaintext, headerAD(associatedData, header))
	if err != nil {
		return nil, nil, err
	}

	s.SendChainKey = nextChain
	s.SendN++
	return ciphertext, header, nil
}

// Decrypt opens a ciphertext given its header, performing a DH ratchet
// step if the header carries a new remote public key, and deriving any
// intervening skipped message keys along the way.
func Decrypt(s *State, ciphertext []byte, header *Header, associatedData []byte) ([]byte, error) {
	if header == nil {
		return nil, apperr.New(apperr.Undecipherable, "missing ratchet header")
	}

	if mk, ok := takeSkipped(s, header); ok {
		plaintext, err := open(mk, ciphertext, headerAD(associatedData, header))
		if err != nil {
			return nil, apperr.New(apperr.Undecipherable, "decryption failed using cached skipped key")
		}
		return plaintext, nil
	}

	if !equalBytes(header.DHPublic, s.RemoteDH) {
		if err := skipOverCurrentReceiveChain(s, header.PN, func() []byte { return s.RemoteDH }); err != nil {
			return nil, err
		}
		if err := dhRatchetStep(s, header.DHPublic); err != nil {
			return nil, err
		}
	}

	if header.N < s.RecvN {
		return nil, apperr.New(apperr.Undecipherable, "message index precedes current receive chain position")
	}
	if err := skipOverCurrentReceiveChain(s, header.N, func() []byte { return header.DHPublic }); err != nil {
		return nil, err
	}

	nextChain, msgKey := kdfChainKey(s.RecvChainKey)
	s.RecvChainKey = nextChain
	s.RecvN++

	plaintext, err := open(msgKey, ciphertext, headerAD(associatedData, header))
	if err != nil {
		return nil, apperr.New(apperr.Undecipherable, "AEAD verification failed")
	}
	return plaintext, nil
}

// skipOverCurrentReceiveChain derives and caches message keys for every
// index in [RecvN, target) of the current receive chain before it is
// abandoned by a DH ratchet step, or before jumping ahead within the
// same chain. remoteDH names whose chain the cached keys belong to.
func skipOverCurrentReceiveChain(s *State, target uint32, remoteDH func() []byte) error {
	if s.RecvChainKey == nil {
		return nil
	}
	if target < s.RecvN {
		return nil
	}
	if target-s.RecvN > MaxSkip {
		return apperr.New(apperr.OutOfOrder, "too many skipped messages in receive chain")
	}
	dh := remoteDH()
	for s.RecvN < target {
		nextChain, msgKey := kdfChainKey(s.RecvChainKey)
		storeSkipped(s, dh, s.RecvN, msgKey)
		s.RecvChainKey = nextChain
		s.RecvN++
	}
	return nil
}

// dhRatchetStep performs a full Double Ratchet DH step on receipt of a
// new remote public key: derive a new receive chain from the old root
// key and the DH output, then generate a fresh local key pair and
// derive a new send chain too.
func dhRatchetStep(s *State, newRemoteDH []byte) error {
	s.PrevChainN = s.SendN
	s.SendN = 0
	s.RecvN = 0
	s.RemoteDH = newRemoteDH

	dh1, err := curve25519.X25519(s.DHPrivate, newRemoteDH)
	if err != nil {
		return wrapDH(err)
	}
	newRoot, recvChain, err := kdfRootKey(s.RootKey, dh1)
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.RecvChainKey = recvChain

	dhPriv, dhPub, err := generateX25519()
	if err != nil {
		return err
	}
	s.DHPrivate = dhPriv
	s.DHPublic = dhPub

	dh2, err := curve25519.X25519(dhPriv, newRemoteDH)
	if err != nil {
		return wrapDH(err)
	}
	newRoot2, sendChain, err := kdfRootKey(s.RootKey, dh2)
	if err != nil {
		return err
	}
	s.RootKey = newRoot2
	s.SendChainKey = sendChain
	return nil
}

func seal(messageKey, plaintext, ad []byte) ([]byte, error) {
	key, nonce, err := deriveAEADParams(messageKey)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func open(messageKey, ciphertext, ad []byte) ([]byte, error) {
	key, nonce, err := deriveAEADParams(messageKey)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ratchet: building cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func headerAD(associatedData []byte, h *Header) []byte {
	buf := make([]byte, 0, len(associatedData)+len(h.DHPublic)+8)
	buf = append(buf, associatedData...)
	buf = append(buf, h.DHPublic...)
	pn := make([]byte, 4)
	binary.BigEndian.PutUint32(pn, h.PN)
	n := make([]byte, 4)
	binary.BigEndian.PutUint32(n, h.N)
	buf = append(buf, pn...)
	buf = append(buf, n...)
	return buf
}

func storeSkipped(s *State, dh []byte, index uint32, key []byte) {
	if s.Skipped == nil {
		s.Skipped = make(map[string][]byte)
	}
	if len(s.Skipped) >= maxCachedSkippedKeys {
		for k := range s.Skipped {
			delete(s.Skipped, k)
			break
		}
	}
	s.Skipped[skippedKeyName(dh, index)] = key
}

func takeSkipped(s *State, h *Header) ([]byte, bool) {
	if s.Skipped == nil {
		return nil, false
	}
	name := skippedKeyName(h.DHPublic, h.N)
	key, ok := s.Skipped[name]
	if ok {
		delete(s.Skipped, name)
	}
	return key, ok
}

func skippedKeyName(dh []byte, index uint32) string {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return base64.StdEncoding.EncodeToString(dh) + ":" + base64.StdEncoding.EncodeToString(buf)
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return len(a) > 0
}
