// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"time"

	"github.com/ThirteenKF/base-chat/ledger"
)

// MessageID is the key in the conversation map referencing a specific message.
type MessageID [MessageIDLen]byte

// Status is the delivery state of a message.
type Status int

const (
	// StatusComposing is the initial state of an outbound message,
	// before any of its units have been encrypted.
	StatusComposing Status = iota

	// StatusEncrypting means the message units are being encrypted.
	StatusEncrypting

	// StatusSubmitted means the batch was handed to the ledger and a
	// transaction is pending.
	StatusSubmitted

	// StatusConfirmed means the ledger accepted the batch. Confirmed
	// is terminal; a batch the ledger rejects is discarded from the
	// conversation instead of lingering in a failure state.
	StatusConfirmed
)

func (s Status) String() string {
	switch s {
	case StatusComposing:
		return "composing"
	case StatusEncrypting:
		return "encrypting"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Message encapsulates a message that is sent or received.
type Message struct {
	Plaintext string
	Timestamp time.Time
	Outbound  bool
	Status    Status

	// TxRef is the ledger transaction reference, set once confirmed.
	TxRef ledger.TxRef

	// FirstSeq is the sequence position of the first unit of the run
	// this message was assembled from. Zero for optimistic outbound
	// messages not yet observed on the ledger.
	FirstSeq uint64
}

type Messages []*Message

// Len implements sort.Interface.
func (d Messages) Len() int {
	return len(d)
}

// Swap is part of sort.Interface.
func (d Messages) Swap(i, j int) {
	d[i], d[j] = d[j], d[i]
}

// Less is part of sort.Interface. Ledger sequence order wins where
// both sides have one, timestamps break the tie for optimistic
// messages still in flight.
func (d Messages) Less(i, j int) bool {
	if d[i].FirstSeq != 0 && d[j].FirstSeq != 0 {
		return d[i].FirstSeq < d[j].FirstSeq
	}
	return d[i].Timestamp.Before(d[j].Timestamp)
}
