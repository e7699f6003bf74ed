// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import "time"

const (
	// MessageIDLen is the length of a message identifier in bytes.
	MessageIDLen = 16

	// MaxRunLength is the maximum number of plaintext units grouped
	// into one assembled message. A longer text is split across
	// consecutive runs.
	MaxRunLength = 20

	// MaxMessageLength is the maximum number of characters accepted
	// for an outbound message.
	MaxMessageLength = 280

	// DefaultPollInterval is the default period between ledger
	// conversation refreshes.
	DefaultPollInterval = 5 * time.Second

	// ReconcileWindow is how far an optimistic message timestamp may
	// drift from the ledger timestamp and still be treated as the
	// same message.
	ReconcileWindow = 2 * time.Minute
)
