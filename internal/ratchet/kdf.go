package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	rootKDFInfo  = "cupid-ratchet-root-v1"
	aeadKDFInfo  = "cupid-ratchet-aead-v1"
	chainKeyByte = 0x02
	msgKeyByte   = 0x01
)

func hkdfExtractExpand(ikm, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// kdfRootKey derives a new root key and sending/receiving chain key
// from the current root key and a fresh DH output, per the Double
// Ratchet spec's KDF_RK.
func kdfRootKey(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	r := hkdf.New(sha256.New, dhOut, rootKey, []byte(rootKDFInfo))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}
	return buf[:32], buf[32:], nil
}

// kdfChainKey advances a chain key one step, producing the next chain
// key and a message key, per the spec's KDF_CK (HMAC with two distinct
// single-byte constants).
func kdfChainKey(chainKey []byte) (nextChainKey, messageKey []byte) {
	h := hmac.New(sha256.New, chainKey)
	h.Write([]byte{chainKeyByte})
	nextChainKey = h.Sum(nil)

	h.Reset()
	h.Write([]byte{msgKeyByte})
	messageKey = h.Sum(nil)
	return nextChainKey, messageKey
}

// deriveAEADParams stretches a message key into an AES-256 key and a
// 12-byte GCM nonce, keeping the message key itself out of direct AEAD
// use so a key reused across the skipped-key cache can't be replayed
// with a different nonce derivation.
func deriveAEADParams(messageKey []byte) (key, nonce []byte, err error) {
	out, err := hkdfExtractExpand(messageKey, []byte(aeadKDFInfo), 32+12)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}
