package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cupid-crypto/pkg/apperr"
)

func TestX3DHAgreement(t *testing.T) {
	alice, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	bob, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	bobSPK, err := GenerateSignedPreKey(1, bob)
	require.NoError(t, err)
	bobOPKs, err := GenerateOneTimePreKeys(100, 1)
	require.NoError(t, err)

	bundle := &Bundle{
		IdentitySignPublic: bob.SignPublic,
		IdentityDHPublic:   bob.DHPublic,
		SignedPreKeyID:     bobSPK.KeyID,
		SignedPreKeyPublic: bobSPK.Public,
		SignedPreKeySig:    bobSPK.Signature,
		OneTimePreKeyID:    bobOPKs[0].KeyID,
		OneTimePreKeyPub:   bobOPKs[0].Public,
	}

	initResult, err := Initiate(alice, bundle)
	require.NoError(t, err)
	require.True(t, initResult.UsedOneTimeKey)

	acceptSecret, err := Accept(bob, bobSPK, bobOPKs[0], alice.DHPublic, initResult.EphemeralPub)
	require.NoError(t, err)

	require.Equal(t, initResult.SharedSecret, acceptSecret)
}

func TestX3DHRejectsBadSignature(t *testing.T) {
	alice, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	bob, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	eve, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	bobSPK, err := GenerateSignedPreKey(1, eve) // signed by the wrong identity
	require.NoError(t, err)

	bundle := &Bundle{
		IdentitySignPublic: bob.SignPublic,
		IdentityDHPublic:   bob.DHPublic,
		SignedPreKeyID:     bobSPK.KeyID,
		SignedPreKeyPublic: bobSPK.Public,
		SignedPreKeySig:    bobSPK.Signature,
	}

	_, err = Initiate(alice, bundle)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.BadKeys))
}

func TestDoubleRatchetRoundTrip(t *testing.T) {
	secret, bobSPK := sharedSecretFixture(t)

	aliceState, err := InitSending(secret, bobSPK.Public)
	require.NoError(t, err)
	bobState, err := InitReceiving(secret, bobSPK.Private, bobSPK.Public)
	require.NoError(t, err)

	ad := []byte("session-ad")
	ct, hdr, err := Encrypt(aliceState, []byte("hello bob"), ad)
	require.NoError(t, err)

	pt, err := Decrypt(bobState, ct, hdr, ad)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))
}

func TestDoubleRatchetOutOfOrderDelivery(t *testing.T) {
	secret, bobSPK := sharedSecretFixture(t)

	aliceState, err := InitSending(secret, bobSPK.Public)
	require.NoError(t, err)
	bobState, err := InitReceiving(secret, bobSPK.Private, bobSPK.Public)
	require.NoError(t, err)

	ad := []byte("session-ad")
	ct1, hdr1, err := Encrypt(aliceState, []byte("first"), ad)
	require.NoError(t, err)
	ct2, hdr2, err := Encrypt(aliceState, []byte("second"), ad)
	require.NoError(t, err)

	// second message arrives and is decrypted before the first.
	pt2, err := Decrypt(bobState, ct2, hdr2, ad)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt2))

	pt1, err := Decrypt(bobState, ct1, hdr1, ad)
	require.NoError(t, err)
	require.Equal(t, "first", string(pt1))
}

func TestDoubleRatchetTamperedCiphertextFails(t *testing.T) {
	secret, bobSPK := sharedSecretFixture(t)

	aliceState, err := InitSending(secret, bobSPK.Public)
	require.NoError(t, err)
	bobState, err := InitReceiving(secret, bobSPK.Private, bobSPK.Public)
	require.NoError(t, err)

	ad := []byte("session-ad")
	ct, hdr, err := Encrypt(aliceState, []byte("hello"), ad)
	require.NoError(t, err)

	ct[0] ^= 0xFF
	_, err = Decrypt(bobState, ct, hdr, ad)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Undecipherable))
}

func TestDoubleRatchetExcessiveSkipRejected(t *testing.T) {
	secret, bobSPK := sharedSecretFixture(t)

	aliceState, err := InitSending(secret, bobSPK.Public)
	require.NoError(t, err)
	bobState, err := InitReceiving(secret, bobSPK.Private, bobSPK.Public)
	require.NoError(t, err)

	ad := []byte("session-ad")
	var lastCt []byte
	var lastHdr *Header
	for i := 0; i < MaxSkip+2; i++ {
		lastCt, lastHdr, err = Encrypt(aliceState, []byte("msg"), ad)
		require.NoError(t, err)
	}

	_, err = Decrypt(bobState, lastCt, lastHdr, ad)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.OutOfOrder))
}

func sharedSecretFixture(t *testing.T) ([]byte, *SignedPreKeyPair) {
	t.Helper()
	bob, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	bobSPK, err := GenerateSignedPreKey(1, bob)
	require.NoError(t, err)
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	return secret, bobSPK
}
