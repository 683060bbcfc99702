package session

import (
	"encoding/binary"

	"cupid-crypto/internal/ratchet"
	"cupid-crypto/pkg/apperr"
)

// MessageType distinguishes a message that carries an X3DH initial
// handshake (PREKEY) from one riding an already-established ratchet
// (NORMAL), the distinction the wire format and the Boundary's DTOs
// both surface to the caller.
type MessageType string

const (
	MessageTypePreKey MessageType = "PREKEY"
	MessageTypeNormal MessageType = "NORMAL"
)

const wireFormatVersion = 1

// preKeyHeader carries the public material a responder needs to run
// Accept() before it can run the Double Ratchet header below.
type preKeyHeader struct {
	identityDHPublic []byte // 32 bytes
	ephemeralPublic  []byte // 32 bytes
	signedPreKeyID   int64
	oneTimeKeyID     int64 // 0 means none
}

// encodeWireMessage serializes a ratchet ciphertext plus its header,
// optionally prefixed with the X3DH handshake material for the first
// message of a session, into the single opaque blob the Boundary hands
// back to callers as encryptedContent.
func encodeWireMessage(mt MessageType, pk *preKeyHeader, header *ratchet.Header, ciphertext []byte) []byte {
	buf := make([]byte, 0, 128+len(ciphertext))
	buf = append(buf, wireFormatVersion)
	if mt == MessageTypePreKey {
		buf = append(buf, 1)
		buf = append(buf, pk.identityDHPublic...)
		buf = append(buf, pk.ephemeralPublic...)
		buf = appendUint64(buf, uint64(pk.signedPreKeyID))
		buf = appendUint64(buf, uint64(pk.oneTimeKeyID))
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, header.DHPublic...)
	buf = appendUint32(buf, header.PN)
	buf = appendUint32(buf, header.N)
	buf = appendUint32(buf, uint32(len(ciphertext)))
	buf = append(buf, ciphertext...)
	return buf
}

// decodeWireMessage is the inverse of encodeWireMessage.
func decodeWireMessage(blob []byte) (MessageType, *preKeyHeader, *ratchet.Header, []byte, error) {
	malformed := func() (MessageType, *preKeyHeader, *ratchet.Header, []byte, error) {
		return "", nil, nil, nil, apperr.New(apperr.Undecipherable, "malformed wire message")
	}
	if len(blob) < 2 || blob[0] != wireFormatVersion {
		return malformed()
	}
	off := 1
	hasPreKey := blob[off] == 1
	off++

	var pk *preKeyHeader
	mt := MessageTypeNormal
	if hasPreKey {
		mt = MessageTypePreKey
		if len(blob) < off+32+32+8+8 {
			return malformed()
		}
		pk = &preKeyHeader{
			identityDHPublic: blob[off : off+32],
		}
		off += 32
		pk.ephemeralPublic = blob[off : off+32]
		off += 32
		pk.signedPreKeyID = int64(binary.BigEndian.Uint64(blob[off : off+8]))
		off += 8
		pk.oneTimeKeyID = int64(binary.BigEndian.Uint64(blob[off : off+8]))
		off += 8
	}

	if len(blob) < off+32+4+4+4 {
		return malformed()
	}
	dhPublic := blob[off : off+32]
	off += 32
	pn := binary.BigEndian.Uint32(blob[off : off+4])
	off += 4
	n := binary.BigEndian.Uint32(blob[off : off+4])
	off += 4
	ctLen := int(binary.BigEndian.Uint32(blob[off : off+4]))
	off += 4
	if len(blob) < off+ctLen {
		return malformed()
	}
	ciphertext := blob[off : off+ctLen]

	header := &ratchet.Header{DHPublic: dhPublic, PN: pn, N: n}
	return mt, pk, header, ciphertext, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return append(buf, b...)
}
