// Package vault implements KeyVault (C1): passphrase-based sealing and
// opening of private key material. It never touches a store or the
// network — callers hand it plaintext/sealed bytes and get the other
// back.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"cupid-crypto/internal/config"
	"cupid-crypto/pkg/apperr"
)

const (
	sealFormatVersion = 1
	aadPrefix         = "cupid-key-v1"
	saltSize          = 16
	nonceSize         = 12 // AES-GCM standard nonce
	kdfParamsSize     = 9  // time(4) || memoryKiB(4) || threads(1)
)

// KeyKind identifies which private key a sealed blob protects, folded
// into the AEAD's associated data so a blob cannot be swapped onto a
// different key slot without detection.
type KeyKind string

const (
	KindIdentity     KeyKind = "identity"
	KindIdentityDH   KeyKind = "identity_dh"
	KindSignedPreKey KeyKind = "signed_pre_key"
	KindOneTimeKey   KeyKind = "one_time_key"
)

// Params are the Argon2id cost parameters used to derive a sealing key
// from a passphrase.
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// Vault seals and opens private key material under a caller-supplied
// passphrase using Argon2id + AES-256-GCM.
type Vault struct {
	params         Params
	devMode        bool
	devPassphrase  string // raw, used to derive the sealing key
	devPassphrase2 string // bcrypt hash, used to validate a caller-supplied guess
}

// New builds a Vault from configuration. In dev mode the configured
// development passphrase is bcrypt-hashed once up front so a caller's
// claim to know the dev passphrase can be checked without a timing leak,
// while the raw value is retained only to derive the sealing key itself.
func New(cfg config.VaultConfig) (*Vault, error) {
	v := &Vault{
		params: Params{
			Time:      cfg.ArgonTime,
			MemoryKiB: cfg.ArgonMemoryKiB,
			Threads:   uint8(cfg.ArgonThreads),
		},
		devMode: cfg.DevMode,
	}
	if cfg.DevMode {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.DevPassphrase), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("vault: hashing dev passphrase: %w", err)
		}
		v.devPassphrase = cfg.DevPassphrase
		v.devPassphrase2 = string(hash)
	}
	return v, nil
}

// VerifyDevPassphrase checks a caller-supplied guess against the
// configured development passphrase's bcrypt hash, never comparing the
// raw strings directly.
func (v *Vault) VerifyDevPassphrase(guess string) bool {
	if !v.devMode {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(v.devPassphrase2), []byte(guess)) == nil
}

// CheckPassphrasePolicy enforces the minimum passphrase strength: at
// least 12 characters, containing an uppercase letter, a lowercase
// letter, a digit, and a symbol. Returns a WeakPassphrase AppError when
// the policy is not met.
func CheckPassphrasePolicy(passphrase string) error {
	if len(passphrase) < 12 {
		return apperr.New(apperr.WeakPassphrase, "passphrase must be at least 12 characters")
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSymbol {
		return apperr.New(apperr.WeakPassphrase, "passphrase must contain upper, lower, digit, and symbol characters")
	}
	return nil
}

// Seal encrypts plaintext private key material under passphrase,
// binding the result to userID and kind via AEAD associated data.
// Unless devBypass is true (only honored when the Vault is in dev
// mode), the passphrase must satisfy CheckPassphrasePolicy first.
func (v *Vault) Seal(passphrase string, userID string, kind KeyKind, plaintext []byte, devBypass bool) ([]byte, error) {
	if !(devBypass && v.devMode) {
		if err := CheckPassphrasePolicy(passphrase); err != nil {
			return nil, err
		}
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("vault: generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	key := v.derive(passphrase, salt)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	aad := associatedData(userID, kind)
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)

	kdfParams := encodeParams(v.params)

	buf := make([]byte, 0, 1+2+len(kdfParams)+1+len(salt)+1+len(nonce)+4+len(ciphertext))
	buf = append(buf, sealFormatVersion)
	buf = appendUint16Prefixed(buf, kdfParams)
	buf = appendByteLenPrefixed(buf, salt)
	buf = appendByteLenPrefixed(buf, nonce)
	buf = appendUint32Prefixed(buf, ciphertext)

	return buf, nil
}

// Open decrypts a sealed blob produced by Seal. A wrong passphrase (or
// any tampering) fails AEAD tag verification in constant time and
// returns WrongPassphrase.
func (v *Vault) Open(passphrase string, userID string, kind KeyKind, sealed []byte) ([]byte, error) {
	params, salt, nonce, ciphertext, err := decodeSealed(sealed)
	if err != nil {
		return nil, err
	}

	key := deriveWithParams(passphrase, salt, params)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData(userID, kind))
	if err != nil {
		return nil, apperr.New(apperr.WrongPassphrase, "unable to open sealed key material")
	}
	return plaintext, nil
}

// OpenWithDev opens a sealed blob using the server's configured
// development passphrase instead of a caller-supplied one. Only usable
// when the Vault was constructed with DevMode enabled (§4.1's explicit
// escape hatch); otherwise always fails.
func (v *Vault) OpenWithDev(userID string, kind KeyKind, sealed []byte) ([]byte, error) {
	if !v.devMode {
		return nil, apperr.New(apperr.WrongPassphrase, "dev-mode passphrase is not enabled")
	}
	return v.Open(v.devPassphrase, userID, kind, sealed)
}

func (v *Vault) derive(passphrase string, salt []byte) []byte {
	return deriveWithParams(passphrase, salt, v.params)
}

func deriveWithParams(passphrase string, salt []byte, p Params) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, 32)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: building cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: building AEAD: %w", err)
	}
	return aead, nil
}

func associatedData(userID string, kind KeyKind) []byte {
	return []byte(aadPrefix + "|" + userID + "|" + string(kind))
}

func encodeParams(p Params) []byte {
	buf := make([]byte, kdfParamsSize)
	binary.BigEndian.PutUint32(buf[0:4], p.Time)
	binary.BigEndian.PutUint32(buf[4:8], p.MemoryKiB)
	buf[8] = p.Threads
	return buf
}

func decodeParams(buf []byte) (Params, error) {
	if len(buf) != kdfParamsSize {
		return Params{}, apperr.New(apperr.BadKeys, "malformed KDF parameters in sealed blob")
	}
	return Params{
		Time:      binary.BigEndian.Uint32(buf[0:4]),
		MemoryKiB: binary.BigEndian.Uint32(buf[4:8]),
		Threads:   buf[8],
	}, nil
}

func appendUint16Prefixed(buf, data []byte) []byte {
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(data)))
	buf = append(buf, lenBuf...)
	return append(buf, data...)
}

func appendByteLenPrefixed(buf, data []byte) []byte {
	buf = append(buf, byte(len(data)))
	return append(buf, data...)
}

func appendUint32Prefixed(buf, data []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	buf = append(buf, lenBuf...)
	return append(buf, data...)
}

// decodeSealed parses the binary format:
// version(1) || kdfParamsLen(2) || kdfParams || saltLen(1) || salt ||
// nonceLen(1) || nonce || ctLen(4) || ciphertext||tag
func decodeSealed(sealed []byte) (Params, []byte, []byte, []byte, error) {
	malformed := func() (Params, []byte, []byte, []byte, error) {
		return Params{}, nil, nil, nil, apperr.New(apperr.BadKeys, "malformed sealed key blob")
	}

	if len(sealed) < 1 {
		return malformed()
	}
	if sealed[0] != sealFormatVersion {
		return malformed()
	}
	off := 1

	if len(sealed) < off+2 {
		return malformed()
	}
	paramsLen := int(binary.BigEndian.Uint16(sealed[off : off+2]))
	off += 2
	if len(sealed) < off+paramsLen {
		return malformed()
	}
	params, err := decodeParams(sealed[off : off+paramsLen])
	if err != nil {
		return malformed()
	}
	off += paramsLen

	if len(sealed) < off+1 {
		return malformed()
	}
	saltLen := int(sealed[off])
	off++
	if len(sealed) < off+saltLen {
		return malformed()
	}
	salt := sealed[off : off+saltLen]
	off += saltLen

	if len(sealed) < off+1 {
		return malformed()
	}
	nonceLen := int(sealed[off])
	off++
	if len(sealed) < off+nonceLen {
		return malformed()
	}
	nonce := sealed[off : off+nonceLen]
	off += nonceLen

	if len(sealed) < off+4 {
		return malformed()
	}
	ctLen := int(binary.BigEndian.Uint32(sealed[off : off+4]))
	off += 4
	if len(sealed) < off+ctLen {
		return malformed()
	}
	ciphertext := sealed[off : off+ctLen]

	return params, salt, nonce, ciphertext, nil
}

