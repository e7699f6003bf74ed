// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"github.com/ThirteenKF/base-chat/ledger"
	"github.com/ThirteenKF/base-chat/wallet"
)

// MessageSentEvent is emitted when an outbound message batch has been
// handed to the ledger and reached the submitted state.
type MessageSentEvent struct {
	// Nickname is the contact the message was sent to.
	Nickname string

	// MessageID is the key in the conversation map referencing this message.
	MessageID MessageID
}

// MessageDeliveredEvent is emitted when a submitted message is
// confirmed by the ledger.
type MessageDeliveredEvent struct {
	Nickname  string
	MessageID MessageID

	// TxRef is the confirming transaction reference.
	TxRef ledger.TxRef
}

// MessageNotSentEvent is emitted when an outbound message could not be
// delivered. If the failure happened before submission the message has
// been discarded from the conversation.
type MessageNotSentEvent struct {
	Nickname  string
	MessageID MessageID
	Err       error
}

// MessageReceivedEvent is emitted when a new inbound message has been
// assembled from the ledger.
type MessageReceivedEvent struct {
	Nickname  string
	MessageID MessageID
	Message   *Message
}

// UnreadCountChangedEvent is emitted when a contact's unread counter
// changes.
type UnreadCountChangedEvent struct {
	Nickname string
	Unread   int
}

// ConnectionStatusEvent is emitted when the wallet connection state
// changes.
type ConnectionStatusEvent struct {
	Status wallet.Status
}

// SyncFailedEvent is emitted when a conversation refresh fails. The
// previously assembled conversation is retained.
type SyncFailedEvent struct {
	Nickname string
	Err      error
}
