// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memledger is an in-process append-only ledger implementing the
// query, submit and subscription interfaces the chat pipeline consumes.
// It stands in for the on-chain contract in tests and local runs:
// entries get globally ordered sequence positions, batches commit
// atomically, and subscribers are notified of new entries naming them.
// State is optionally persisted to a bbolt store.
package memledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/ThirteenKF/base-chat/fhe"
	"github.com/ThirteenKF/base-chat/ledger"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	entriesBucket  = "entries"

	// LedgerStorageVersion is the store schema version.
	LedgerStorageVersion = 0
)

var (
	errEmptyBatch   = errors.New("memledger: empty batch")
	errBadRecipient = errors.New("memledger: zero recipient address")
)

// Ledger is the in-process ledger. All mutation happens under one lock,
// which is what gives batches their atomic, contiguous sequence range.
type Ledger struct {
	mu sync.RWMutex

	entries []ledger.RawEntry
	db      *bolt.DB

	subs   map[ledger.Address]map[uint64]chan<- ledger.RawEntry
	nextID uint64

	log *logging.Logger
}

// New creates a Ledger. A non-empty fileStore enables bbolt persistence;
// previously stored entries are loaded back in sequence order.
func New(fileStore string, log *logging.Logger) (*Ledger, error) {
	l := &Ledger{
		subs: make(map[ledger.Address]map[uint64]chan<- ledger.RawEntry),
		log:  log,
	}
	if fileStore == "" {
		return l, nil
	}

	var err error
	l.db, err = bolt.Open(fileStore, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = l.db.Update(func(tx *bolt.Tx) error {
		metaBkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		entriesBkt, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		if err != nil {
			return err
		}
		if b := metaBkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != LedgerStorageVersion {
				return fmt.Errorf("memledger: incompatible store version: %d", uint(b[0]))
			}
			return l.load(entriesBkt)
		}
		return metaBkt.Put([]byte(versionKey), []byte{LedgerStorageVersion})
	}); err != nil {
		l.db.Close()
		return nil, err
	}
	return l, nil
}

// load replays the persisted entries in key (sequence) order.
func (l *Ledger) load(bkt *bolt.Bucket) error {
	c := bkt.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var e ledger.RawEntry
		if err := cbor.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("memledger: corrupt entry at key %x: %v", k, err)
		}
		l.entries = append(l.entries, e)
	}
	l.log.Debugf("loaded %d entries from store", len(l.entries))
	return nil
}

// Close closes the backing store, if any.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// GetConversation implements ledger.Reader.
func (l *Ledger) GetConversation(ctx context.Context, a, b ledger.Address) ([]ledger.RawEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	as, bs := a.String(), b.String()
	var out []ledger.RawEntry
	for _, e := range l.entries {
		if (e.Sender == as && e.Recipient == bs) || (e.Sender == bs && e.Recipient == as) {
			out = append(out, e)
		}
	}
	return out, nil
}

type pendingTx struct {
	ref ledger.TxRef
}

// Wait implements ledger.PendingTx. The batch is already final once
// SendBatch returns, so this only honors context cancellation.
func (t *pendingTx) Wait(ctx context.Context) (ledger.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.ref, nil
}

// SendBatch implements ledger.Writer. The whole batch is appended under
// one lock and one store transaction, so its units occupy a contiguous
// sequence range in submission order.
func (l *Ledger) SendBatch(ctx context.Context, sender, recipient ledger.Address, units []fhe.Ciphertext) (ledger.PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, errEmptyBatch
	}
	if recipient.IsZero() || sender.IsZero() {
		return nil, errBadRecipient
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().Unix()
	h := sha256.New()
	batch := make([]ledger.RawEntry, 0, len(units))
	for i, u := range units {
		e := ledger.RawEntry{
			Sender:       sender.String(),
			Recipient:    recipient.String(),
			CtHash:       u.Handle,
			SecurityZone: u.SecurityZone,
			Utype:        u.Utype,
			Signature:    u.Signature,
			Timestamp:    now,
			Seq:          uint64(len(l.entries)+i) + 1,
		}
		batch = append(batch, e)
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], e.Seq)
		h.Write(seq[:])
		h.Write([]byte(u.Handle))
	}

	if l.db != nil {
		if err := l.db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket([]byte(entriesBucket))
			for _, e := range batch {
				blob, err := cbor.Marshal(e)
				if err != nil {
					return err
				}
				var key [8]byte
				binary.BigEndian.PutUint64(key[:], e.Seq)
				if err := bkt.Put(key[:], blob); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	l.entries = append(l.entries, batch...)
	l.notify(recipient, batch)

	ref := ledger.TxRef("0x" + hex.EncodeToString(h.Sum(nil)))
	l.log.Debugf("batch of %d units committed, ref %s", len(batch), ref)
	return &pendingTx{ref: ref}, nil
}

// notify delivers the new entries to subscribers of the recipient.
// Delivery is best effort: a subscriber with a full channel misses the
// event and is expected to catch up on its next poll tick.
func (l *Ledger) notify(recipient ledger.Address, batch []ledger.RawEntry) {
	for id, ch := range l.subs[recipient] {
		for _, e := range batch {
			select {
			case ch <- e:
			default:
				l.log.Warningf("subscriber %d lagging, dropping event for seq %d", id, e.Seq)
			}
		}
	}
}

// SubscribeMessageSent implements ledger.Subscriber.
func (l *Ledger) SubscribeMessageSent(recipient ledger.Address, ch chan<- ledger.RawEntry) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	if l.subs[recipient] == nil {
		l.subs[recipient] = make(map[uint64]chan<- ledger.RawEntry)
	}
	l.subs[recipient][id] = ch

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[recipient], id)
	}
}
