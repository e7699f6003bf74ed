// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package fhe wraps the homomorphic encryption primitive used to seal
// single character units before they are written to the ledger. The
// scheme itself is treated as a black box: Encrypt yields an opaque
// ciphertext handle in the shape the chat contract expects, and Decrypt
// unseals it again given a valid permit.
package fhe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	// TypeUint32 is the encrypted-type tag for a 32-bit unsigned integer,
	// the only unit type the chat pipeline transmits.
	TypeUint32 = 4

	maskLen   = 8
	macKeyLen = 32
)

var (
	// ErrEncryptionUnavailable is returned when no valid encryption
	// session is bound yet. Retryable once the session is initialized.
	ErrEncryptionUnavailable = errors.New("fhe: encryption session not initialized")

	// ErrDecryptionDenied is returned when the presented permit does not
	// authorize unsealing the ciphertext's zone/address pair.
	ErrDecryptionDenied = errors.New("fhe: permit does not authorize decryption")

	// ErrMalformedCiphertext is returned when a ciphertext handle cannot
	// be parsed as a number.
	ErrMalformedCiphertext = errors.New("fhe: malformed ciphertext handle")
)

// Ciphertext is the opaque encrypted form of one plaintext unit, shaped
// like the contract's inEuint32 tuple: a content-hash handle carried as a
// decimal string, a security zone tag, a type tag and an authorization
// signature.
type Ciphertext struct {
	Handle       string
	SecurityZone uint8
	Utype        uint8
	Signature    []byte
}

// Session holds the key material bound to one wallet identity. It is
// created when an identity connects, invalidated on disconnect, and must
// be checked for validity before every encrypt or decrypt call.
type Session struct {
	sync.RWMutex

	identity string
	zone     uint8

	mask   uint64
	macKey []byte

	valid bool
}

// NewSession derives a session for the given identity from the
// per-security-zone secret. The unit mask and the permit MAC key come
// from an HKDF schedule over the zone secret, so every party holding the
// zone secret unseals the same handles.
func NewSession(identity string, zone uint8, zoneSecret []byte) (*Session, error) {
	if identity == "" {
		return nil, ErrEncryptionUnavailable
	}
	r := hkdf.New(sha256.New, zoneSecret, []byte{zone}, []byte("base-chat-unit-seal"))
	keys := make([]byte, maskLen+macKeyLen)
	if _, err := io.ReadFull(r, keys); err != nil {
		return nil, err
	}
	return &Session{
		identity: identity,
		zone:     zone,
		mask:     binary.BigEndian.Uint64(keys[:maskLen]),
		macKey:   keys[maskLen:],
		valid:    true,
	}, nil
}

// Identity returns the wallet identity the session is bound to.
func (s *Session) Identity() string {
	s.RLock()
	defer s.RUnlock()
	return s.identity
}

// Zone returns the session's security zone tag.
func (s *Session) Zone() uint8 {
	s.RLock()
	defer s.RUnlock()
	return s.zone
}

// Valid reports whether the session may still be used.
func (s *Session) Valid() bool {
	if s == nil {
		return false
	}
	s.RLock()
	defer s.RUnlock()
	return s.valid
}

// Invalidate marks the session unusable. Called on wallet disconnect.
func (s *Session) Invalidate() {
	s.Lock()
	defer s.Unlock()
	s.valid = false
}

// Renew derives a fresh session for identity from the same zone key
// schedule. Called on wallet reconnect, after the previous session was
// invalidated.
func (s *Session) Renew(identity string) (*Session, error) {
	if identity == "" {
		return nil, ErrEncryptionUnavailable
	}
	s.RLock()
	defer s.RUnlock()
	return &Session{
		identity: identity,
		zone:     s.zone,
		mask:     s.mask,
		macKey:   s.macKey,
		valid:    true,
	}, nil
}

func (s *Session) sign(parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// Codec seals and unseals single plaintext units against a session.
type Codec struct {
	session *Session
}

// NewCodec binds a codec to the given session.
func NewCodec(session *Session) *Codec {
	return &Codec{session: session}
}

// Encrypt seals one plaintext unit. The transform is deterministic for a
// fixed zone secret, which is all the assembler requires; confidentiality
// of the scheme itself is out of scope here.
func (c *Codec) Encrypt(unit uint32) (Ciphertext, error) {
	if !c.session.Valid() {
		return Ciphertext{}, ErrEncryptionUnavailable
	}
	masked := uint64(unit) ^ c.session.mask
	handle := new(big.Int).SetUint64(masked).String()

	ct := Ciphertext{
		Handle:       handle,
		SecurityZone: c.session.zone,
		Utype:        TypeUint32,
	}
	ct.Signature = c.session.sign([]byte(handle), []byte{ct.SecurityZone, ct.Utype})
	return ct, nil
}

// Decrypt unseals a ciphertext. The permit must be valid, unexpired, and
// scoped to the session's zone; the handle must parse as a number.
func (c *Codec) Decrypt(ct Ciphertext, permit *Permit) (uint32, error) {
	if !c.session.Valid() {
		return 0, ErrEncryptionUnavailable
	}
	if !c.session.permitAuthorizes(permit, ct.SecurityZone) {
		return 0, ErrDecryptionDenied
	}

	parsed, ok := new(big.Int).SetString(ct.Handle, 10)
	if !ok || parsed.Sign() < 0 || !parsed.IsUint64() {
		return 0, ErrMalformedCiphertext
	}
	unsealed := parsed.Uint64() ^ c.session.mask
	if unsealed > uint64(^uint32(0)) {
		// The handle parsed but does not unseal to a 32-bit unit.
		return 0, ErrMalformedCiphertext
	}
	return uint32(unsealed), nil
}
