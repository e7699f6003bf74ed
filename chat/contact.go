// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ThirteenKF/base-chat/ledger"
)

type serializedContact struct {
	ID       uint64
	Nickname string
	Address  string
	Unread   int
	LastSeen time.Time
	Outbound *Queue
}

// Contact is a peer we exchange ledger messages with. The nickname is
// a purely local label for a ledger address.
type Contact struct {
	// id is the local unique contact ID.
	id uint64

	// Nickname is also unique locally.
	Nickname string

	// Address is the contact's ledger address.
	Address ledger.Address

	// Unread counts inbound messages assembled while the conversation
	// was not open.
	Unread int

	// LastSeen is the timestamp of the contact's latest inbound unit.
	LastSeen time.Time

	// outbound is a queue of messages composed while the wallet was
	// disconnected, drained in order once it reconnects.
	outbound *Queue

	LastMessage *Message
}

// NewContact creates a new Contact.
func NewContact(nickname string, id uint64, address ledger.Address) *Contact {
	return &Contact{
		id:       id,
		Nickname: nickname,
		Address:  address,
		outbound: new(Queue),
	}
}

// ID returns the Contact ID.
func (c *Contact) ID() uint64 {
	return c.id
}

// MarshalBinary does what you expect and returns a serialized Contact.
func (c *Contact) MarshalBinary() ([]byte, error) {
	s := &serializedContact{
		ID:       c.id,
		Nickname: c.Nickname,
		Address:  c.Address.String(),
		Unread:   c.Unread,
		LastSeen: c.LastSeen,
		Outbound: c.outbound,
	}
	return cbor.Marshal(s)
}

// UnmarshalBinary does what you expect and initializes the given
// Contact with deserialized Contact fields from the given binary blob.
func (c *Contact) UnmarshalBinary(data []byte) error {
	s := new(serializedContact)
	if _, err := cbor.UnmarshalFirst(data, &s); err != nil {
		return err
	}
	addr, err := ledger.ParseAddress(s.Address)
	if err != nil {
		return err
	}
	c.id = s.ID
	c.Nickname = s.Nickname
	c.Address = addr
	c.Unread = s.Unread
	c.LastSeen = s.LastSeen
	c.outbound = s.Outbound
	if c.outbound == nil {
		c.outbound = new(Queue)
	}
	return nil
}
