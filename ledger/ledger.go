// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ledger defines the append-only message log the chat pipeline
// reads from and writes to, and the boundary types exchanged with it.
// The ledger itself (a blockchain contract in production) is opaque
// infrastructure; only the entry shape and the query, submit and
// subscription interfaces are fixed here.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThirteenKF/base-chat/fhe"
)

// AddressLen is the byte length of a ledger account address.
const AddressLen = 20

var (
	// ErrInvalidAddress is returned for strings that are not 0x-prefixed
	// 20-byte hex addresses.
	ErrInvalidAddress = errors.New("ledger: invalid address")

	// ErrMalformedEntry is returned by entry validation when a raw entry
	// from the ledger cannot be decoded into a well-formed Entry.
	ErrMalformedEntry = errors.New("ledger: malformed entry")
)

// Address is a ledger account address.
type Address [AddressLen]byte

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 2+2*AddressLen || !strings.HasPrefix(s, "0x") {
		return a, ErrInvalidAddress
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return a, ErrInvalidAddress
	}
	copy(a[:], raw)
	return a, nil
}

// String renders the address in 0x-prefixed lowercase hex.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Entry is one immutable, ledger-assigned record carrying a single
// encrypted unit. Entries are globally ordered by Seq; Timestamp is the
// ledger's wall clock and must never be used for ordering, since
// timestamps may collide.
type Entry struct {
	Sender     Address
	Recipient  Address
	Ciphertext fhe.Ciphertext
	Timestamp  time.Time
	Seq        uint64
}

// Involves reports whether addr is the entry's sender or recipient.
func (e *Entry) Involves(addr Address) bool {
	return e.Sender == addr || e.Recipient == addr
}

// RawEntry is the loosely structured shape entries arrive in from the
// ledger query boundary, before validation.
type RawEntry struct {
	Sender       string `cbor:"sender"`
	Recipient    string `cbor:"recipient"`
	CtHash       string `cbor:"ctHash"`
	SecurityZone uint8  `cbor:"securityZone"`
	Utype        uint8  `cbor:"utype"`
	Signature    []byte `cbor:"signature"`
	Timestamp    int64  `cbor:"timestamp"`
	Seq          uint64 `cbor:"seq"`
}

// ParseEntry validates one raw entry and converts it into a typed Entry.
// Malformed entries are rejected here, at the boundary, rather than
// propagated into message reassembly.
func ParseEntry(raw RawEntry) (Entry, error) {
	sender, err := ParseAddress(raw.Sender)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: sender %q", ErrMalformedEntry, raw.Sender)
	}
	recipient, err := ParseAddress(raw.Recipient)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: recipient %q", ErrMalformedEntry, raw.Recipient)
	}
	if raw.CtHash == "" {
		return Entry{}, fmt.Errorf("%w: empty ciphertext handle", ErrMalformedEntry)
	}
	if raw.Utype != fhe.TypeUint32 {
		return Entry{}, fmt.Errorf("%w: unexpected unit type %d", ErrMalformedEntry, raw.Utype)
	}
	if raw.Seq == 0 {
		return Entry{}, fmt.Errorf("%w: missing sequence position", ErrMalformedEntry)
	}
	return Entry{
		Sender:    sender,
		Recipient: recipient,
		Ciphertext: fhe.Ciphertext{
			Handle:       raw.CtHash,
			SecurityZone: raw.SecurityZone,
			Utype:        raw.Utype,
			Signature:    raw.Signature,
		},
		Timestamp: time.Unix(raw.Timestamp, 0),
		Seq:       raw.Seq,
	}, nil
}

// TxRef is the finalized reference of a submitted ledger transaction.
type TxRef string

// PendingTx is the handle returned by a batch submission, awaiting
// ledger finality.
type PendingTx interface {
	// Wait blocks until the transaction is finalized or ctx is done.
	Wait(ctx context.Context) (TxRef, error)
}

// Reader is the read-only, idempotent conversation query.
type Reader interface {
	// GetConversation returns all entries exchanged between the two
	// addresses, ordered by sequence position.
	GetConversation(ctx context.Context, a, b Address) ([]RawEntry, error)
}

// Writer submits encrypted units to the ledger.
type Writer interface {
	// SendBatch appends the given ciphertexts as one atomic transaction,
	// preserving their order.
	SendBatch(ctx context.Context, sender, recipient Address, units []fhe.Ciphertext) (PendingTx, error)
}

// Subscriber delivers MessageSent events for a recipient address.
type Subscriber interface {
	// SubscribeMessageSent registers ch to receive every new entry
	// naming recipient. The returned cancel func unregisters it.
	SubscribeMessageSent(recipient Address, ch chan<- RawEntry) (cancel func())
}

// Client is the full ledger surface consumed by the chat pipeline.
type Client interface {
	Reader
	Writer
	Subscriber
}
