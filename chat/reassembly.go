// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"strings"
	"time"

	"github.com/ThirteenKF/base-chat/ledger"
)

// decodedUnit is one decrypted plaintext unit in ledger order.
type decodedUnit struct {
	Sender    ledger.Address
	Value     uint32
	Timestamp time.Time
	Seq       uint64
}

// assembledRun is a maximal run of units grouped back into one message.
type assembledRun struct {
	Sender ledger.Address
	Text   string

	// Timestamp is the timestamp of the run's last unit.
	Timestamp time.Time

	// FirstSeq is the sequence position of the run's first unit.
	FirstSeq uint64
}

// assembleRuns groups an ordered unit stream into messages. A run is
// closed when it reaches MaxRunLength, when the sender changes, or at
// the end of the stream. Zero-valued units are skipped without closing
// the current run.
func assembleRuns(units []decodedUnit) []assembledRun {
	var runs []assembledRun
	var b strings.Builder
	var cur *assembledRun
	count := 0

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = b.String()
		runs = append(runs, *cur)
		cur = nil
		b.Reset()
		count = 0
	}

	for _, u := range units {
		if u.Value == 0 {
			continue
		}
		if cur != nil && cur.Sender != u.Sender {
			flush()
		}
		if cur == nil {
			cur = &assembledRun{
				Sender:   u.Sender,
				FirstSeq: u.Seq,
			}
		}
		b.WriteRune(rune(u.Value))
		count++
		cur.Timestamp = u.Timestamp
		if count >= MaxRunLength {
			flush()
		}
	}
	flush()
	return runs
}
