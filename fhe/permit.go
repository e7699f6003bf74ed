// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package fhe

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"time"
)

// PermitLifetime bounds how long an issued permit stays usable. Permits
// are minted fresh for every decrypt pass, so the lifetime only needs to
// cover one pass.
const PermitLifetime = 5 * time.Minute

// ErrNoActiveIdentity is returned when a permit is requested while no
// wallet identity is bound.
var ErrNoActiveIdentity = errors.New("fhe: no active identity bound")

// Permit is a short-lived capability authorizing decryption for an
// (issuer, target) identity pair within one security zone. Permits are
// never persisted or cached across decrypt passes.
type Permit struct {
	Issuer string
	Target string
	Zone   uint8
	Expiry time.Time

	signature []byte
}

// Issuer mints permits against an encryption session.
type Issuer struct {
	session *Session
}

// NewIssuer binds a permit issuer to the given session.
func NewIssuer(session *Session) *Issuer {
	return &Issuer{session: session}
}

// Issue mints a permit for the (issuer, target) pair. An empty target
// yields a self-scoped permit.
func (i *Issuer) Issue(issuer, target string) (*Permit, error) {
	if !i.session.Valid() || issuer == "" {
		return nil, ErrNoActiveIdentity
	}
	if target == "" {
		target = issuer
	}
	p := &Permit{
		Issuer: issuer,
		Target: target,
		Zone:   i.session.Zone(),
		Expiry: time.Now().Add(PermitLifetime),
	}
	p.signature = i.session.sign(p.signedFields())
	return p, nil
}

func (p *Permit) signedFields() []byte {
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(p.Expiry.Unix()))
	b := make([]byte, 0, len(p.Issuer)+len(p.Target)+1+len(expiry))
	b = append(b, p.Issuer...)
	b = append(b, p.Target...)
	b = append(b, p.Zone)
	b = append(b, expiry[:]...)
	return b
}

// Covers reports whether the given identity is one of the permit's two
// parties.
func (p *Permit) Covers(identity string) bool {
	return identity != "" && (p.Issuer == identity || p.Target == identity)
}

func (s *Session) permitAuthorizes(p *Permit, zone uint8) bool {
	if p == nil || p.signature == nil {
		return false
	}
	if p.Zone != zone || p.Zone != s.zone {
		return false
	}
	if time.Now().After(p.Expiry) {
		return false
	}
	if !p.Covers(s.identity) {
		return false
	}
	expected := s.sign(p.signedFields())
	return hmac.Equal(expected, p.signature)
}
