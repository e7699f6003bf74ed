// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"context"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/ThirteenKF/base-chat/ledger"
)

// startSync kicks off a conversation refresh. The ledger query runs in
// its own goroutine, its result is merged back on the worker so poll
// ticks and subscription events funnel into one serialized merge. At
// most one refresh per conversation is in flight.
func (c *Client) startSync(nickname string) {
	contact, ok := c.contactNicknames[nickname]
	if !ok {
		return
	}
	if c.syncing[nickname] {
		c.log.Debugf("Refresh of %s already in flight.", nickname)
		return
	}
	self, err := c.wallet.Active()
	if err != nil {
		c.log.Debugf("Skipping refresh of %s: %s", nickname, err)
		return
	}
	c.syncing[nickname] = true

	peer := contact.Address
	c.Go(func() {
		entries, err := c.ledger.GetConversation(context.Background(), self, peer)
		select {
		case <-c.HaltCh():
		case c.syncCh <- &syncResult{
			nickname: nickname,
			entries:  entries,
			err:      err,
		}:
		}
	})
}

// onSyncResult merges one fetched conversation into local state. A
// fetch or permit failure leaves the previously assembled conversation
// untouched.
func (c *Client) onSyncResult(result *syncResult) {
	delete(c.syncing, result.nickname)

	contact, ok := c.contactNicknames[result.nickname]
	if !ok {
		// contact was removed while the fetch was in flight
		return
	}
	if result.err != nil {
		c.log.Warningf("Conversation query for %s failed: %s", result.nickname, result.err)
		c.eventCh.In() <- &SyncFailedEvent{Nickname: result.nickname, Err: result.err}
		return
	}
	self, err := c.wallet.Active()
	if err != nil {
		return
	}

	// A fresh permit is minted for every decrypt pass.
	permit, err := c.permits.Issue(self.String(), "")
	if err != nil {
		c.log.Warningf("Cannot mint decryption permit: %s", err)
		c.eventCh.In() <- &SyncFailedEvent{Nickname: result.nickname, Err: err}
		return
	}

	units := make([]decodedUnit, 0, len(result.entries))
	for i := range result.entries {
		entry, err := ledger.ParseEntry(result.entries[i])
		if err != nil {
			c.log.Debugf("Discarding malformed entry: %s", err)
			continue
		}
		value, err := c.codec.Decrypt(entry.Ciphertext, permit)
		if err != nil {
			// An undecryptable unit is dropped, the rest of the
			// stream still assembles.
			c.log.Debugf("Skipping unit at seq %d: %s", entry.Seq, err)
			continue
		}
		units = append(units, decodedUnit{
			Sender:    entry.Sender,
			Value:     value,
			Timestamp: entry.Timestamp,
			Seq:       entry.Seq,
		})
	}

	c.reconcile(contact, self, assembleRuns(units))
}

// reconcile folds the assembled ledger runs into the conversation map.
// Runs already represented locally are left alone, optimistic outbound
// messages matching a run are promoted to confirmed in place, and
// anything else is added as a new confirmed message. The merge is
// idempotent, replaying the same runs changes nothing.
func (c *Client) reconcile(contact *Contact, self ledger.Address, runs []assembledRun) {
	nickname := contact.Nickname

	type receivedMsg struct {
		id MessageID
		m  *Message
	}
	var received []receivedMsg
	changed := false
	newUnread := 0

	c.conversationsMutex.Lock()
	messages, ok := c.conversations[nickname]
	if !ok {
		messages = make(map[MessageID]*Message)
		c.conversations[nickname] = messages
	}

	for _, run := range runs {
		if id, m := findCovering(messages, run.FirstSeq); m != nil {
			if m.Status != StatusConfirmed {
				m.Status = StatusConfirmed
				changed = true
			}
			if tail := runTailPast(m, run); tail != "" {
				// The run outgrew the stored message, a later batch
				// from the same sender merged into it on recompute.
				m.Plaintext += tail
				m.Timestamp = run.Timestamp
				changed = true
				if m.Outbound {
					dropAbsorbed(messages, tail, run.Timestamp)
				} else {
					received = append(received, receivedMsg{id: id, m: m})
					if run.Timestamp.After(contact.LastSeen) {
						contact.LastSeen = run.Timestamp
					}
					if c.openConversation != nickname {
						newUnread++
					}
				}
			}
			continue
		}

		outbound := run.Sender == self
		if outbound {
			if m := matchOptimistic(messages, run); m != nil {
				m.Status = StatusConfirmed
				m.FirstSeq = run.FirstSeq
				if len(run.Text) > len(m.Plaintext) {
					tail := run.Text[len(m.Plaintext):]
					m.Plaintext = run.Text
					m.Timestamp = run.Timestamp
					dropAbsorbed(messages, tail, run.Timestamp)
				}
				changed = true
				continue
			}
		}

		id := MessageID{}
		if _, err := rand.Reader.Read(id[:]); err != nil {
			c.fatalErrCh <- err
			break
		}
		m := &Message{
			Plaintext: run.Text,
			Timestamp: run.Timestamp,
			Outbound:  outbound,
			Status:    StatusConfirmed,
			FirstSeq:  run.FirstSeq,
		}
		messages[id] = m
		changed = true
		if !outbound {
			received = append(received, receivedMsg{id: id, m: m})
			if run.Timestamp.After(contact.LastSeen) {
				contact.LastSeen = run.Timestamp
			}
			if c.openConversation != nickname {
				newUnread++
			}
		}
	}

	if changed {
		contact.LastMessage = lastOf(messages)
	}
	c.conversationsMutex.Unlock()

	for _, r := range received {
		c.eventCh.In() <- &MessageReceivedEvent{
			Nickname:  nickname,
			MessageID: r.id,
			Message:   r.m,
		}
	}
	if newUnread > 0 {
		contact.Unread += newUnread
		c.eventCh.In() <- &UnreadCountChangedEvent{
			Nickname: nickname,
			Unread:   contact.Unread,
		}
	}
	if changed {
		c.save()
	}
}

// findCovering returns the message whose ledger unit range contains
// seq. A locally sent message longer than MaxRunLength covers all the
// runs its batch was split into.
func findCovering(messages map[MessageID]*Message, seq uint64) (MessageID, *Message) {
	for id, m := range messages {
		if m.FirstSeq == 0 {
			continue
		}
		n := uint64(len([]rune(m.Plaintext)))
		if seq >= m.FirstSeq && seq < m.FirstSeq+n {
			return id, m
		}
	}
	return MessageID{}, nil
}

// runTailPast returns the portion of run.Text past the unit range the
// stored message already represents. Empty when the message covers the
// whole run.
func runTailPast(m *Message, run assembledRun) string {
	mEnd := m.FirstSeq + uint64(len([]rune(m.Plaintext)))
	runes := []rune(run.Text)
	if run.FirstSeq+uint64(len(runes)) <= mEnd {
		return ""
	}
	return string(runes[mEnd-run.FirstSeq:])
}

// dropAbsorbed removes optimistic outbound records whose text was
// absorbed into a grown confirmed message. The tail may span several
// consecutive sends, each one is matched off the front in order.
func dropAbsorbed(messages map[MessageID]*Message, tail string, ts time.Time) {
	for tail != "" {
		matched := false
		for id, m := range messages {
			if !m.Outbound || m.FirstSeq != 0 {
				continue
			}
			if m.Status != StatusSubmitted && m.Status != StatusConfirmed {
				continue
			}
			if !strings.HasPrefix(tail, m.Plaintext) {
				continue
			}
			d := m.Timestamp.Sub(ts)
			if d < 0 {
				d = -d
			}
			if d > ReconcileWindow {
				continue
			}
			tail = tail[len(m.Plaintext):]
			delete(messages, id)
			matched = true
			break
		}
		if !matched {
			return
		}
	}
}

// matchOptimistic finds the local outbound message a ledger run
// originated from. The run must reproduce the leading unit group of
// the message text, or extend the whole message text when consecutive
// sends merged into one run, and fall within the reconciliation window.
func matchOptimistic(messages map[MessageID]*Message, run assembledRun) *Message {
	for _, m := range messages {
		if !m.Outbound || m.FirstSeq != 0 {
			continue
		}
		if m.Status != StatusSubmitted && m.Status != StatusConfirmed {
			continue
		}
		if firstRunOf(m.Plaintext) != run.Text && !strings.HasPrefix(run.Text, m.Plaintext) {
			continue
		}
		d := m.Timestamp.Sub(run.Timestamp)
		if d < 0 {
			d = -d
		}
		if d <= ReconcileWindow {
			return m
		}
	}
	return nil
}

func firstRunOf(text string) string {
	runes := []rune(text)
	if len(runes) > MaxRunLength {
		runes = runes[:MaxRunLength]
	}
	return string(runes)
}
