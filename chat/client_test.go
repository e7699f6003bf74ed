// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// client_test.go - client tests that run against the in-process ledger

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ThirteenKF/base-chat/core/log"
	"github.com/ThirteenKF/base-chat/fhe"
	"github.com/ThirteenKF/base-chat/ledger"
	"github.com/ThirteenKF/base-chat/ledger/memledger"
	"github.com/ThirteenKF/base-chat/wallet"
)

var testZoneSecret = []byte("test zone secret")

func testAddr(b byte) ledger.Address {
	var a ledger.Address
	a[ledger.AddressLen-1] = b
	return a
}

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

func newTestClient(t *testing.T, store ledger.Client, self ledger.Address) *Client {
	return newTestClientWithWallet(t, store, self, wallet.NewStatic(self))
}

func newTestClientWithWallet(t *testing.T, store ledger.Client, self ledger.Address, w wallet.Provider) *Client {
	require := require.New(t)

	backend := testBackend(t)
	session, err := fhe.NewSession(self.String(), 0, testZoneSecret)
	require.NoError(err)

	stateWorker, err := NewStateWriter(backend.GetLogger("state"), filepath.Join(t.TempDir(), "chat.state"), []byte("passphrase"))
	require.NoError(err)
	stateWorker.Start()

	c, err := New(backend, store, w, session, stateWorker, nil)
	require.NoError(err)
	return c
}

// waitForEvent reads the EventSink until match accepts an event or the
// deadline passes.
func waitForEvent(t *testing.T, sink chan interface{}, match func(interface{}) bool) interface{} {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		case event, ok := <-sink:
			if !ok {
				t.Fatal("EventSink closed while waiting for event")
				return nil
			}
			if match(event) {
				return event
			}
		}
	}
}

func TestReconcileIdempotent(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	peer := testAddr(2)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	c := newTestClient(t, store, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", peer))
	contact := c.contactNicknames["bob"]

	runs := assembleRuns(unitStream(peer, 1, "hello"))
	c.reconcile(contact, self, runs)
	require.Len(c.conversations["bob"], 1)
	require.Equal(1, contact.Unread)

	// replaying the same runs changes nothing
	c.reconcile(contact, self, runs)
	c.reconcile(contact, self, runs)
	require.Len(c.conversations["bob"], 1)
	require.Equal(1, contact.Unread)
	require.Equal("hello", contact.LastMessage.Plaintext)
	require.False(contact.LastMessage.Outbound)
	require.Equal(StatusConfirmed, contact.LastMessage.Status)
}

func TestReconcilePromotesOptimistic(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	peer := testAddr(2)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	c := newTestClient(t, store, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", peer))
	contact := c.contactNicknames["bob"]

	id := MessageID{7}
	optimistic := &Message{
		Plaintext: "hello",
		Timestamp: time.Now(),
		Outbound:  true,
		Status:    StatusSubmitted,
	}
	c.conversations["bob"] = map[MessageID]*Message{id: optimistic}

	runs := []assembledRun{{
		Sender:    self,
		Text:      "hello",
		Timestamp: time.Now(),
		FirstSeq:  1,
	}}
	c.reconcile(contact, self, runs)

	// promoted in place, not duplicated
	require.Len(c.conversations["bob"], 1)
	require.Equal(StatusConfirmed, optimistic.Status)
	require.Equal(uint64(1), optimistic.FirstSeq)
	require.Equal(0, contact.Unread)

	c.reconcile(contact, self, runs)
	require.Len(c.conversations["bob"], 1)
}

func TestReconcileLongOutboundCoversAllRuns(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	peer := testAddr(2)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	c := newTestClient(t, store, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", peer))
	contact := c.contactNicknames["bob"]

	text := strings.Repeat("x", 41)
	id := MessageID{9}
	optimistic := &Message{
		// unitStream stamps units from this fixed base, the optimistic
		// record must sit inside the reconciliation window around it
		Plaintext: text,
		Timestamp: time.Unix(1700000000, 0),
		Outbound:  true,
		Status:    StatusSubmitted,
	}
	c.conversations["bob"] = map[MessageID]*Message{id: optimistic}

	runs := assembleRuns(unitStream(self, 1, text))
	require.Len(runs, 3)
	c.reconcile(contact, self, runs)

	// the single optimistic message absorbs all three ledger runs
	require.Len(c.conversations["bob"], 1)
	require.Equal(StatusConfirmed, optimistic.Status)
	require.Equal(uint64(1), optimistic.FirstSeq)

	c.reconcile(contact, self, runs)
	require.Len(c.conversations["bob"], 1)
}

func TestReconcileRunGrowthAcrossPasses(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	peer := testAddr(2)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	c := newTestClient(t, store, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", peer))
	contact := c.contactNicknames["bob"]

	// first batch arrives and syncs on its own
	c.reconcile(contact, self, assembleRuns(unitStream(peer, 1, "hello")))
	require.Len(c.conversations["bob"], 1)
	require.Equal(1, contact.Unread)

	// a second batch from the same sender merges into the first run on
	// the next full recompute, the stored message must grow with it
	c.reconcile(contact, self, assembleRuns(unitStream(peer, 1, "helloworld")))
	require.Len(c.conversations["bob"], 1)
	require.Equal(2, contact.Unread)
	for _, m := range c.conversations["bob"] {
		require.Equal("helloworld", m.Plaintext)
		require.Equal(StatusConfirmed, m.Status)
		require.Equal(uint64(1), m.FirstSeq)
	}
	require.Equal("helloworld", contact.LastMessage.Plaintext)

	// replaying the grown run changes nothing
	c.reconcile(contact, self, assembleRuns(unitStream(peer, 1, "helloworld")))
	require.Len(c.conversations["bob"], 1)
	require.Equal(2, contact.Unread)
}

func TestReconcileConsecutiveOutboundSends(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	peer := testAddr(2)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	c := newTestClient(t, store, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", peer))
	contact := c.contactNicknames["bob"]

	// two sends in a row, both still optimistic when the merged run
	// comes back from the ledger; timestamps sit inside the window
	// around the unit stream's fixed base
	c.conversations["bob"] = map[MessageID]*Message{
		{1}: {Plaintext: "hello", Timestamp: time.Unix(1700000002, 0), Outbound: true, Status: StatusSubmitted},
		{2}: {Plaintext: "world", Timestamp: time.Unix(1700000007, 0), Outbound: true, Status: StatusSubmitted},
	}

	runs := assembleRuns(unitStream(self, 1, "helloworld"))
	require.Len(runs, 1)
	c.reconcile(contact, self, runs)

	// one confirmed record, the second send absorbed rather than duplicated
	require.Len(c.conversations["bob"], 1)
	for _, m := range c.conversations["bob"] {
		require.Equal("helloworld", m.Plaintext)
		require.Equal(StatusConfirmed, m.Status)
		require.True(m.Outbound)
	}
	require.Equal(0, contact.Unread)

	c.reconcile(contact, self, runs)
	require.Len(c.conversations["bob"], 1)
}

func TestReconcileUnreadAccounting(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	peer := testAddr(2)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	c := newTestClient(t, store, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", peer))
	contact := c.contactNicknames["bob"]

	// inbound messages for the open conversation never count as unread
	c.openConversation = "bob"
	c.reconcile(contact, self, assembleRuns(unitStream(peer, 1, "one")))
	require.Equal(0, contact.Unread)

	c.openConversation = ""
	c.reconcile(contact, self, assembleRuns(unitStream(peer, 10, "two")))
	c.reconcile(contact, self, assembleRuns(unitStream(peer, 20, "three")))
	require.Equal(2, contact.Unread)

	require.NoError(c.doOpenConversation("bob"))
	require.Equal(0, contact.Unread)
}

func TestSyncSkipsUndecryptableUnit(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	peer := testAddr(2)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	c := newTestClient(t, store, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", peer))

	peerSession, err := fhe.NewSession(peer.String(), 0, testZoneSecret)
	require.NoError(err)
	peerCodec := fhe.NewCodec(peerSession)
	units := make([]fhe.Ciphertext, 0, 5)
	for _, r := range "abcde" {
		ct, err := peerCodec.Encrypt(uint32(r))
		require.NoError(err)
		units = append(units, ct)
	}
	// the third unit's handle no longer parses
	units[2].Handle = "xyzzy"

	_, err = store.SendBatch(context.Background(), peer, self, units)
	require.NoError(err)
	entries, err := store.GetConversation(context.Background(), self, peer)
	require.NoError(err)

	c.onSyncResult(&syncResult{nickname: "bob", entries: entries})

	// the bad unit is dropped, the rest still assembles into one run
	msgs := c.conversations["bob"]
	require.Len(msgs, 1)
	for _, m := range msgs {
		require.Equal("abde", m.Plaintext)
		require.False(m.Outbound)
		require.Equal(StatusConfirmed, m.Status)
	}
	require.False(c.contactNicknames["bob"].LastSeen.IsZero())
}

type failingLedger struct{}

func (failingLedger) GetConversation(context.Context, ledger.Address, ledger.Address) ([]ledger.RawEntry, error) {
	return nil, errors.New("ledger unreachable")
}

func (failingLedger) SendBatch(context.Context, ledger.Address, ledger.Address, []fhe.Ciphertext) (ledger.PendingTx, error) {
	return nil, errors.New("ledger unreachable")
}

func (failingLedger) SubscribeMessageSent(ledger.Address, chan<- ledger.RawEntry) func() {
	return func() {}
}

func TestSyncFailureRetainsConversation(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	peer := testAddr(2)

	c := newTestClient(t, failingLedger{}, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", peer))
	contact := c.contactNicknames["bob"]

	c.reconcile(contact, self, assembleRuns(unitStream(peer, 1, "kept")))
	require.Len(c.conversations["bob"], 1)

	c.onSyncResult(&syncResult{nickname: "bob", err: errors.New("ledger unreachable")})

	require.Len(c.conversations["bob"], 1)
	require.Equal("kept", contact.LastMessage.Plaintext)
	event := <-c.eventCh.Out()
	_, ok := event.(*SyncFailedEvent)
	for !ok {
		event = <-c.eventCh.Out()
		_, ok = event.(*SyncFailedEvent)
	}
}

type revertedTx struct{}

func (revertedTx) Wait(context.Context) (ledger.TxRef, error) {
	return "", errors.New("transaction reverted")
}

// revertingLedger accepts batches but fails every confirmation wait.
type revertingLedger struct{}

func (revertingLedger) GetConversation(context.Context, ledger.Address, ledger.Address) ([]ledger.RawEntry, error) {
	return nil, nil
}

func (revertingLedger) SendBatch(context.Context, ledger.Address, ledger.Address, []fhe.Ciphertext) (ledger.PendingTx, error) {
	return revertedTx{}, nil
}

func (revertingLedger) SubscribeMessageSent(ledger.Address, chan<- ledger.RawEntry) func() {
	return func() {}
}

func TestSubmitFailureDiscardsMessage(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	c := newTestClient(t, revertingLedger{}, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", testAddr(2)))

	id := MessageID{1}
	c.doSendMessage(id, "bob", "hello")

	// submission succeeded, the confirmation wait does not
	sent := (<-c.eventCh.Out()).(*MessageSentEvent)
	require.Equal(id, sent.MessageID)

	result := <-c.submitCh
	require.Error(result.err)
	c.onSubmitResult(result)

	// a rejected transaction discards the message, nothing stays
	// behind in a visible failure state
	require.Empty(c.conversations["bob"])
	require.Nil(c.contactNicknames["bob"].LastMessage)
	event := (<-c.eventCh.Out()).(*MessageNotSentEvent)
	require.Equal(id, event.MessageID)
	require.Error(event.Err)
}

func TestWalletReconnectRenewsSession(t *testing.T) {
	require := require.New(t)

	aliceAddr := testAddr(5)
	bobAddr := testAddr(6)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	bob := newTestClient(t, store, bobAddr)
	bob.Start()
	defer bob.Shutdown()
	require.NoError(bob.AddContact("alice", aliceAddr))

	w := wallet.NewStatic(aliceAddr)
	alice := newTestClientWithWallet(t, store, aliceAddr, w)
	alice.Start()
	defer alice.Shutdown()
	require.NoError(alice.AddContact("bob", bobAddr))

	w.Disconnect()
	waitForEvent(t, alice.EventSink, func(e interface{}) bool {
		s, ok := e.(*ConnectionStatusEvent)
		return ok && s.Status == wallet.StatusDisconnected
	})
	// disconnect invalidates the encryption session
	require.False(alice.session.Valid())

	// composed while offline, parked for the reconnect
	alice.SendMessage("bob", "offline hi")

	w.Connect()
	waitForEvent(t, alice.EventSink, func(e interface{}) bool {
		s, ok := e.(*ConnectionStatusEvent)
		return ok && s.Status == wallet.StatusConnected
	})
	// reconnect binds a fresh, valid session
	require.True(alice.session.Valid())

	// the parked message went out through the renewed session
	received := waitForEvent(t, bob.EventSink, func(e interface{}) bool {
		_, ok := e.(*MessageReceivedEvent)
		return ok
	}).(*MessageReceivedEvent)
	require.Equal("offline hi", received.Message.Plaintext)

	require.Eventually(func() bool {
		msgs := alice.GetSortedConversation("bob")
		return len(msgs) == 1 && msgs[0].Status == StatusConfirmed
	}, 10*time.Second, 50*time.Millisecond)
}

func TestEndToEndConsecutiveSends(t *testing.T) {
	require := require.New(t)

	aliceAddr := testAddr(7)
	bobAddr := testAddr(8)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	bob := newTestClient(t, store, bobAddr)
	bob.Start()
	defer bob.Shutdown()
	require.NoError(bob.AddContact("alice", aliceAddr))

	alice := newTestClient(t, store, aliceAddr)
	alice.Start()
	defer alice.Shutdown()
	require.NoError(alice.AddContact("bob", bobAddr))

	alice.SendMessage("bob", "hello")
	waitForEvent(t, alice.EventSink, func(e interface{}) bool {
		_, ok := e.(*MessageDeliveredEvent)
		return ok
	})
	alice.SendMessage("bob", "world")

	joined := func(msgs Messages) (string, bool) {
		var b strings.Builder
		for _, m := range msgs {
			if m.Status != StatusConfirmed {
				return "", false
			}
			b.WriteString(m.Plaintext)
		}
		return b.String(), true
	}

	// both texts reach the receiver, in order, with nothing lost when
	// the second batch merges into the first run on recompute
	require.Eventually(func() bool {
		text, ok := joined(bob.GetSortedConversation("alice"))
		return ok && text == "helloworld"
	}, 10*time.Second, 100*time.Millisecond)

	// the sender converges on the same conversation without duplicates
	require.Eventually(func() bool {
		alice.Refresh("bob")
		text, ok := joined(alice.GetSortedConversation("bob"))
		return ok && text == "helloworld"
	}, 10*time.Second, 100*time.Millisecond)
}

func TestSendMessageDiscardOnSubmitFailure(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	c := newTestClient(t, failingLedger{}, self)
	defer c.Shutdown()
	require.NoError(c.createContact("bob", testAddr(2)))

	c.doSendMessage(MessageID{1}, "bob", "hello")

	// the optimistic message is discarded, never left behind as failed
	require.Empty(c.conversations["bob"])
	require.Nil(c.contactNicknames["bob"].LastMessage)

	event := (<-c.eventCh.Out()).(*MessageNotSentEvent)
	require.ErrorIs(event.Err, errLedgerSubmitFailed)
}

func TestSendMessageValidation(t *testing.T) {
	require := require.New(t)

	self := testAddr(1)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	c := newTestClient(t, store, self)
	defer c.Shutdown()

	// unknown contact
	c.doSendMessage(MessageID{1}, "nobody", "hi")
	event := (<-c.eventCh.Out()).(*MessageNotSentEvent)
	require.ErrorIs(event.Err, errContactNotFound)

	require.NoError(c.createContact("bob", testAddr(2)))

	c.doSendMessage(MessageID{2}, "bob", "")
	event = (<-c.eventCh.Out()).(*MessageNotSentEvent)
	require.ErrorIs(event.Err, errEmptyMessage)

	c.doSendMessage(MessageID{3}, "bob", strings.Repeat("a", MaxMessageLength+1))
	event = (<-c.eventCh.Out()).(*MessageNotSentEvent)
	require.ErrorIs(event.Err, errMessageTooLong)

	require.Empty(c.conversations["bob"])
}

func TestEndToEndDelivery(t *testing.T) {
	require := require.New(t)

	aliceAddr := testAddr(1)
	bobAddr := testAddr(2)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	bob := newTestClient(t, store, bobAddr)
	bob.Start()
	defer bob.Shutdown()
	require.NoError(bob.AddContact("alice", aliceAddr))

	alice := newTestClient(t, store, aliceAddr)
	alice.Start()
	defer alice.Shutdown()
	require.NoError(alice.AddContact("bob", bobAddr))

	id := alice.SendMessage("bob", "hello bob")

	sent := waitForEvent(t, alice.EventSink, func(e interface{}) bool {
		_, ok := e.(*MessageSentEvent)
		return ok
	}).(*MessageSentEvent)
	require.Equal(id, sent.MessageID)

	delivered := waitForEvent(t, alice.EventSink, func(e interface{}) bool {
		_, ok := e.(*MessageDeliveredEvent)
		return ok
	}).(*MessageDeliveredEvent)
	require.Equal(id, delivered.MessageID)
	require.NotEmpty(delivered.TxRef)

	received := waitForEvent(t, bob.EventSink, func(e interface{}) bool {
		_, ok := e.(*MessageReceivedEvent)
		return ok
	}).(*MessageReceivedEvent)
	require.Equal("alice", received.Nickname)
	require.Equal("hello bob", received.Message.Plaintext)
	require.False(received.Message.Outbound)

	unread := waitForEvent(t, bob.EventSink, func(e interface{}) bool {
		_, ok := e.(*UnreadCountChangedEvent)
		return ok
	}).(*UnreadCountChangedEvent)
	require.Equal("alice", unread.Nickname)
	require.Equal(1, unread.Unread)

	msgs := bob.GetSortedConversation("alice")
	require.Len(msgs, 1)
	require.Equal(StatusConfirmed, msgs[0].Status)

	// opening the conversation resets the unread counter
	require.NoError(bob.OpenConversation("alice"))
	unread = waitForEvent(t, bob.EventSink, func(e interface{}) bool {
		u, ok := e.(*UnreadCountChangedEvent)
		return ok && u.Unread == 0
	}).(*UnreadCountChangedEvent)
	require.Equal("alice", unread.Nickname)
}

func TestEndToEndLongMessageSplits(t *testing.T) {
	require := require.New(t)

	aliceAddr := testAddr(3)
	bobAddr := testAddr(4)
	store, err := memledger.New("", testBackend(t).GetLogger("memledger"))
	require.NoError(err)
	defer store.Close()

	bob := newTestClient(t, store, bobAddr)
	bob.Start()
	defer bob.Shutdown()
	require.NoError(bob.AddContact("alice", aliceAddr))

	alice := newTestClient(t, store, aliceAddr)
	alice.Start()
	defer alice.Shutdown()
	require.NoError(alice.AddContact("bob", bobAddr))

	text := strings.Repeat("a", 20) + strings.Repeat("b", 20) + "c"
	alice.SendMessage("bob", text)

	waitForEvent(t, alice.EventSink, func(e interface{}) bool {
		_, ok := e.(*MessageDeliveredEvent)
		return ok
	})

	// the recipient reassembles the 41-unit batch into three messages
	seen := 0
	for seen < 3 {
		waitForEvent(t, bob.EventSink, func(e interface{}) bool {
			_, ok := e.(*MessageReceivedEvent)
			return ok
		})
		seen++
	}
	msgs := bob.GetSortedConversation("alice")
	require.Len(msgs, 3)
	require.Equal(strings.Repeat("a", 20), msgs[0].Plaintext)
	require.Equal(strings.Repeat("b", 20), msgs[1].Plaintext)
	require.Equal("c", msgs[2].Plaintext)

	// the sender's optimistic view stays a single confirmed message
	alice.Refresh("bob")
	require.Eventually(func() bool {
		msgs := alice.GetSortedConversation("bob")
		return len(msgs) == 1 && msgs[0].Status == StatusConfirmed
	}, 10*time.Second, 50*time.Millisecond)
}
