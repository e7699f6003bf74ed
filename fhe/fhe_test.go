// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package fhe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testIdentity = "0x00000000000000000000000000000000000000aa"

var testZoneSecret = []byte("symphony of the night")

func newTestSession(t *testing.T, identity string, zone uint8) *Session {
	s, err := NewSession(identity, zone, testZoneSecret)
	require.NoError(t, err)
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	require := require.New(t)

	session := newTestSession(t, testIdentity, 0)
	codec := NewCodec(session)
	permit, err := NewIssuer(session).Issue(testIdentity, "")
	require.NoError(err)

	for _, unit := range []uint32{1, 'a', 'é', 0xffff, ^uint32(0)} {
		ct, err := codec.Encrypt(unit)
		require.NoError(err)
		require.NotEmpty(ct.Handle)
		require.Equal(uint8(TypeUint32), ct.Utype)

		out, err := codec.Decrypt(ct, permit)
		require.NoError(err)
		require.Equal(unit, out)
	}
}

func TestEncryptDeterministic(t *testing.T) {
	require := require.New(t)

	codec := NewCodec(newTestSession(t, testIdentity, 0))
	a, err := codec.Encrypt('x')
	require.NoError(err)
	b, err := codec.Encrypt('x')
	require.NoError(err)
	require.Equal(a, b)

	// A session derived from the same zone secret seals identically.
	other := NewCodec(newTestSession(t, "0x00000000000000000000000000000000000000bb", 0))
	c, err := other.Encrypt('x')
	require.NoError(err)
	require.Equal(a.Handle, c.Handle)
}

func TestDecryptDenied(t *testing.T) {
	require := require.New(t)

	session := newTestSession(t, testIdentity, 0)
	codec := NewCodec(session)
	ct, err := codec.Encrypt('q')
	require.NoError(err)

	// no permit at all
	_, err = codec.Decrypt(ct, nil)
	require.ErrorIs(err, ErrDecryptionDenied)

	// permit scoped to a different pair of parties
	stranger := "0x00000000000000000000000000000000000000cc"
	strangerPermit, err := NewIssuer(newTestSession(t, stranger, 0)).Issue(stranger, "")
	require.NoError(err)
	_, err = codec.Decrypt(ct, strangerPermit)
	require.ErrorIs(err, ErrDecryptionDenied)

	// tampered permit fails signature verification
	permit, err := NewIssuer(session).Issue(testIdentity, "")
	require.NoError(err)
	permit.Expiry = permit.Expiry.Add(time.Hour)
	_, err = codec.Decrypt(ct, permit)
	require.ErrorIs(err, ErrDecryptionDenied)

	// ciphertext from another security zone
	zoneTwo := NewCodec(newTestSession(t, testIdentity, 2))
	foreign, err := zoneTwo.Encrypt('q')
	require.NoError(err)
	freshPermit, err := NewIssuer(session).Issue(testIdentity, "")
	require.NoError(err)
	_, err = codec.Decrypt(foreign, freshPermit)
	require.ErrorIs(err, ErrDecryptionDenied)
}

func TestDecryptMalformedHandle(t *testing.T) {
	require := require.New(t)

	session := newTestSession(t, testIdentity, 0)
	codec := NewCodec(session)
	permit, err := NewIssuer(session).Issue(testIdentity, "")
	require.NoError(err)

	ct, err := codec.Encrypt('q')
	require.NoError(err)

	for _, handle := range []string{"", "xyzzy", "-17", "1.5", "340282366920938463463374607431768211456"} {
		bad := ct
		bad.Handle = handle
		_, err = codec.Decrypt(bad, permit)
		require.ErrorIs(err, ErrMalformedCiphertext, "handle %q", handle)
	}
}

func TestSessionUnavailable(t *testing.T) {
	require := require.New(t)

	_, err := NewSession("", 0, testZoneSecret)
	require.ErrorIs(err, ErrEncryptionUnavailable)

	session := newTestSession(t, testIdentity, 0)
	codec := NewCodec(session)
	permit, err := NewIssuer(session).Issue(testIdentity, "")
	require.NoError(err)
	ct, err := codec.Encrypt('q')
	require.NoError(err)

	session.Invalidate()
	require.False(session.Valid())

	_, err = codec.Encrypt('q')
	require.ErrorIs(err, ErrEncryptionUnavailable)
	_, err = codec.Decrypt(ct, permit)
	require.ErrorIs(err, ErrEncryptionUnavailable)
}
