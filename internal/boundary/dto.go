package boundary

import (
	"encoding/base64"

	"cupid-crypto/internal/ratchet"
)

// Wire DTOs mirror the §6 external interface shapes. Every key/ciphertext
// field crosses the wire base64-encoded, matched on decode/encode helpers
// below rather than scattered across every handler.

type generateKeysRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

type generateKeysResponse struct {
	RegistrationID     int    `json:"registrationId"`
	IdentityKey        string `json:"identityKey"`
	SignedPreKeyID     int64  `json:"signedPreKeyId"`
	SignedPreKey       string `json:"signedPreKey"`
	SignedPreKeySig    string `json:"signedPreKeySignature"`
	OneTimePreKeyCount int    `json:"oneTimePreKeyCount"`
}

// registerKeysRequest is accepted but not required to carry new material:
// in this deployment the KeyVault already minted and stored the bundle
// during /keys/generate, so register is an idempotent confirmation that
// the caller's registrationId matches what's on file.
type registerKeysRequest struct {
	RegistrationID int `json:"registrationId" binding:"required"`
}

type registerKeysResponse struct {
	RegistrationID int    `json:"registrationId"`
	IdentityKey    string `json:"identityKey"`
	Registered     bool   `json:"registered"`
}

type preKeyBundleResponse struct {
	UserID             string `json:"userId"`
	DeviceID           int    `json:"deviceId"`
	IdentityKey        string `json:"identityKey"`
	IdentityDHKey      string `json:"identityDhKey"`
	SignedPreKeyID     int64  `json:"signedPreKeyId"`
	SignedPreKey       string `json:"signedPreKey"`
	SignedPreKeySig    string `json:"signedPreKeySignature"`
	OneTimePreKeyID    int64  `json:"oneTimePreKeyId,omitempty"`
	OneTimePreKey      string `json:"oneTimePreKey,omitempty"`
}

// replenishRequest departs from a spec-literal client-generated-key
// shape: this KeyVault design never lets private key material exist
// outside a sealed blob, so the server mints and seals the fresh batch
// itself, needing only the passphrase.
type replenishRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

type replenishResponse struct {
	Added int `json:"added"`
}

type rotateSignedPreKeyRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

type rotateSignedPreKeyResponse struct {
	SignedPreKeyID  int64  `json:"signedPreKeyId"`
	SignedPreKey    string `json:"signedPreKey"`
	SignedPreKeySig string `json:"signedPreKeySignature"`
}

type keyStatusResponse struct {
	HasIdentity            bool   `json:"hasIdentity"`
	HasActiveSignedPreKey  bool   `json:"hasActiveSignedPreKey"`
	CurrentSignedPreKeyID  int64  `json:"currentSignedPreKeyId,omitempty"`
	SignedPreKeyAgeSeconds int64  `json:"signedPreKeyAgeSeconds,omitempty"`
	SignedPreKeyExpiresAt  string `json:"signedPreKeyExpiresAt,omitempty"`
	UnusedOneTimeKeys      int    `json:"unusedOneTimeKeys"`
}

type sessionInitRequest struct {
	Passphrase  string `json:"passphrase" binding:"required"`
	PeerUserID  string `json:"peerUserId" binding:"required"`
	PeerDeviceID int   `json:"peerDeviceId" binding:"required"`
}

type sessionEncryptRequest struct {
	Passphrase   string `json:"passphrase" binding:"required"`
	PeerUserID   string `json:"peerUserId" binding:"required"`
	PeerDeviceID int    `json:"peerDeviceId" binding:"required"`
	Plaintext    string `json:"plaintext" binding:"required"`
}

type sessionEncryptResponse struct {
	MessageType string `json:"messageType"`
	Ciphertext  string `json:"ciphertext"`
}

type sessionDecryptRequest struct {
	Passphrase   string `json:"passphrase" binding:"required"`
	PeerUserID   string `json:"peerUserId" binding:"required"`
	PeerDeviceID int    `json:"peerDeviceId" binding:"required"`
	Ciphertext   string `json:"ciphertext" binding:"required"`
}

type sessionDecryptResponse struct {
	Plaintext string `json:"plaintext"`
}

type sessionHasResponse struct {
	Exists bool `json:"exists"`
}

type verifyFingerprintRequest struct {
	PeerUserID   string `json:"peerUserId" binding:"required"`
	PeerDeviceID int    `json:"peerDeviceId" binding:"required"`
	Fingerprint  string `json:"fingerprint" binding:"required"`
}

type verifyFingerprintResponse struct {
	Matches bool `json:"matches"`
}

type trustPeerRequest struct {
	PeerUserID   string `json:"peerUserId" binding:"required"`
	PeerDeviceID int    `json:"peerDeviceId" binding:"required"`
}

func b64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func bundleToResponse(userID string, deviceID int, bundle *ratchet.Bundle) preKeyBundleResponse {
	resp := preKeyBundleResponse{
		UserID:          userID,
		DeviceID:        deviceID,
		IdentityKey:     b64(bundle.IdentitySignPublic),
		IdentityDHKey:   b64(bundle.IdentityDHPublic),
		SignedPreKeyID:  bundle.SignedPreKeyID,
		SignedPreKey:    b64(bundle.SignedPreKeyPublic),
		SignedPreKeySig: b64(bundle.SignedPreKeySig),
	}
	if len(bundle.OneTimePreKeyPub) > 0 {
		resp.OneTimePreKeyID = bundle.OneTimePreKeyID
		resp.OneTimePreKey = b64(bundle.OneTimePreKeyPub)
	}
	return resp
}
