// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package chat implements the end-to-end encrypted chat client. Every
// outbound message is split into per-character ciphertext units and
// submitted to the ledger in one batch; conversations are rebuilt from
// the ledger unit stream and reconciled against the optimistic local
// view. All client state is owned by a single worker goroutine, ops
// from the public API are funneled to it over a channel.
package chat

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/ThirteenKF/base-chat/core/log"
	"github.com/ThirteenKF/base-chat/core/worker"
	"github.com/ThirteenKF/base-chat/fhe"
	"github.com/ThirteenKF/base-chat/ledger"
	"github.com/ThirteenKF/base-chat/wallet"
)

var (
	errContactNotFound    = errors.New("Contact not found")
	errContactExists      = errors.New("Contact already exists")
	errMessageTooLong     = fmt.Errorf("Message exceeds %d characters", MaxMessageLength)
	errEmptyMessage       = errors.New("Message is empty")
	errLedgerSubmitFailed = errors.New("Ledger rejected the message batch")
	errHalted             = errors.New("Halted")
)

// Client is the chat client. It encrypts, submits, fetches, decrypts
// and reassembles conversation state against the ledger.
type Client struct {
	worker.Worker

	eventCh   channels.Channel
	EventSink chan interface{}
	opCh      chan interface{}

	entryCh    chan ledger.RawEntry
	walletCh   chan wallet.Status
	submitCh   chan *submitResult
	syncCh     chan *syncResult
	fatalErrCh chan error

	stateWorker        *StateWriter
	contacts           map[uint64]*Contact
	contactNicknames   map[string]*Contact
	conversations      map[string]map[MessageID]*Message
	conversationsMutex *sync.Mutex

	// openConversation is the nickname whose conversation the user is
	// viewing. Inbound messages for it do not raise the unread count.
	openConversation string

	// syncing holds the per-conversation in-flight refresh guard.
	syncing map[string]bool

	session *fhe.Session
	codec   *fhe.Codec
	permits *fhe.Issuer
	ledger  ledger.Client
	wallet  wallet.Provider

	pollInterval time.Duration
	cancelSub    func()
	cancelWallet func()

	log        *logging.Logger
	logBackend *log.Backend
}

type submitResult struct {
	nickname string
	id       MessageID
	ref      ledger.TxRef
	err      error
}

type syncResult struct {
	nickname string
	entries  []ledger.RawEntry
	err      error
}

// New creates a new Client from previously saved state. Pass a nil
// state to start fresh.
func New(logBackend *log.Backend, ledgerClient ledger.Client, walletProvider wallet.Provider, session *fhe.Session, stateWorker *StateWriter, state *State) (*Client, error) {
	if state == nil {
		state = &State{
			Contacts:      make([]*Contact, 0),
			Conversations: make(map[string]map[MessageID]*Message),
		}
	}
	if state.Conversations == nil {
		state.Conversations = make(map[string]map[MessageID]*Message)
	}
	c := &Client{
		eventCh:            channels.NewInfiniteChannel(),
		EventSink:          make(chan interface{}),
		opCh:               make(chan interface{}, 8),
		entryCh:            make(chan ledger.RawEntry, 64),
		walletCh:           make(chan wallet.Status, 4),
		submitCh:           make(chan *submitResult, 8),
		syncCh:             make(chan *syncResult, 8),
		fatalErrCh:         make(chan error),
		contacts:           make(map[uint64]*Contact),
		contactNicknames:   make(map[string]*Contact),
		conversations:      state.Conversations,
		conversationsMutex: new(sync.Mutex),
		openConversation:   state.OpenConversation,
		syncing:            make(map[string]bool),
		session:            session,
		codec:              fhe.NewCodec(session),
		permits:            fhe.NewIssuer(session),
		ledger:             ledgerClient,
		wallet:             walletProvider,
		pollInterval:       DefaultPollInterval,
		stateWorker:        stateWorker,
		log:                logBackend.GetLogger("chat"),
		logBackend:         logBackend,
	}
	for _, contact := range state.Contacts {
		c.contacts[contact.id] = contact
		c.contactNicknames[contact.Nickname] = contact
	}
	return c, nil
}

// SetPollInterval overrides the conversation refresh period. It must
// be called before Start.
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// Start starts the client worker goroutine and subscribes to ledger
// and wallet notifications.
func (c *Client) Start() {
	// Start the fatal error watcher.
	go func() {
		err, ok := <-c.fatalErrCh
		if !ok {
			return
		}
		c.log.Warningf("Shutting down due to error: %v", err)
		c.Shutdown()
	}()

	if self, err := c.wallet.Active(); err == nil {
		c.cancelSub = c.ledger.SubscribeMessageSent(self, c.entryCh)
	}
	c.cancelWallet = c.wallet.SubscribeStatus(c.walletCh)

	for nickname, messages := range c.conversations {
		if contact, ok := c.contactNicknames[nickname]; ok {
			contact.LastMessage = lastOf(messages)
		}
	}

	c.Go(c.eventSinkWorker)
	c.Go(c.worker)
}

func lastOf(messages map[MessageID]*Message) *Message {
	var msgs Messages
	for _, m := range messages {
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil
	}
	sort.Sort(msgs)
	return msgs[len(msgs)-1]
}

// Shutdown shuts down the client.
func (c *Client) Shutdown() {
	c.log.Info("Shutting down now.")
	if c.cancelSub != nil {
		c.cancelSub()
	}
	if c.cancelWallet != nil {
		c.cancelWallet()
	}
	c.Halt()
	c.stateWorker.Halt()
}

func (c *Client) eventSinkWorker() {
	defer func() {
		c.log.Debug("Event sink worker terminating gracefully.")
		close(c.EventSink)
	}()
	for {
		var event interface{}
		select {
		case <-c.HaltCh():
			return
		case event = <-c.eventCh.Out():
		}
		select {
		case c.EventSink <- event:
		case <-c.HaltCh():
			return
		}
	}
}

// AddContact adds a contact identified by a ledger address under a
// locally unique nickname.
func (c *Client) AddContact(nickname string, address ledger.Address) error {
	addContactOp := &opAddContact{
		name:         nickname,
		address:      address,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- addContactOp:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-addContactOp.responseChan:
		return r
	}
}

// RemoveContact removes a contact from the Client's state.
func (c *Client) RemoveContact(nickname string) error {
	removeContactOp := &opRemoveContact{
		name:         nickname,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- removeContactOp:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-removeContactOp.responseChan:
		return r
	}
}

// RenameContact changes the name of a contact.
func (c *Client) RenameContact(oldname, newname string) error {
	renameContactOp := &opRenameContact{
		oldname:      oldname,
		newname:      newname,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- renameContactOp:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-renameContactOp.responseChan:
		return r
	}
}

// GetContacts returns the contacts map keyed by nickname.
func (c *Client) GetContacts() map[string]*Contact {
	getContactsOp := &opGetContacts{
		responseChan: make(chan map[string]*Contact, 1),
	}
	select {
	case <-c.HaltCh():
		return nil
	case c.opCh <- getContactsOp:
	}
	select {
	case <-c.HaltCh():
		return nil
	case r := <-getContactsOp.responseChan:
		return r
	}
}

// SendMessage sends text to the named contact. Delivery progress is
// reported through the EventSink; the returned MessageID correlates
// those events with this message.
func (c *Client) SendMessage(nickname string, text string) MessageID {
	convoMesgID := MessageID{}
	_, err := rand.Reader.Read(convoMesgID[:])
	if err != nil {
		c.fatalErrCh <- err
	}

	select {
	case <-c.HaltCh():
	case c.opCh <- &opSendMessage{
		id:   convoMesgID,
		name: nickname,
		text: text,
	}:
	}

	return convoMesgID
}

// GetSortedConversation returns Messages (a slice of *Message, sorted
// by ledger order).
func (c *Client) GetSortedConversation(nickname string) Messages {
	getConversationOp := opGetConversation{
		name:         nickname,
		responseChan: make(chan Messages, 1),
	}
	select {
	case c.opCh <- &getConversationOp:
	case <-c.HaltCh():
		return nil
	}
	select {
	case <-c.HaltCh():
	case m, ok := <-getConversationOp.responseChan:
		if !ok {
			return nil
		}
		return m
	}
	return nil
}

// WipeConversation deletes the conversation history with a contact.
func (c *Client) WipeConversation(nickname string) error {
	wipeConversationOp := opWipeConversation{
		name:         nickname,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- &wipeConversationOp:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-wipeConversationOp.responseChan:
		return r
	}
}

// OpenConversation marks the named conversation as the one the user is
// viewing. Its unread counter resets and stays at zero until closed.
func (c *Client) OpenConversation(nickname string) error {
	openOp := &opOpenConversation{
		name:         nickname,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- openOp:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-openOp.responseChan:
		return r
	}
}

// CloseConversation marks no conversation as open.
func (c *Client) CloseConversation() {
	select {
	case <-c.HaltCh():
	case c.opCh <- &opOpenConversation{name: "", responseChan: make(chan error, 1)}:
	}
}

// Refresh asks the worker to resynchronize the named conversation with
// the ledger ahead of the next poll tick.
func (c *Client) Refresh(nickname string) {
	select {
	case <-c.HaltCh():
	case c.opCh <- &opRefresh{name: nickname}:
	}
}

func (c *Client) randID() uint64 {
	var idBytes [8]byte
	for {
		_, err := rand.Reader.Read(idBytes[:])
		if err != nil {
			panic(err)
		}
		n := uint64(0)
		for _, b := range idBytes {
			n = n<<8 | uint64(b)
		}
		if n == 0 {
			continue
		}
		if _, ok := c.contacts[n]; ok {
			continue
		}
		return n
	}
}

// called by worker upon opAddContact
func (c *Client) createContact(nickname string, address ledger.Address) error {
	if _, ok := c.contactNicknames[nickname]; ok {
		return errContactExists
	}
	if address.IsZero() {
		return ledger.ErrInvalidAddress
	}
	for _, contact := range c.contacts {
		if contact.Address == address {
			return errContactExists
		}
	}
	contact := NewContact(nickname, c.randID(), address)
	c.contacts[contact.ID()] = contact
	c.contactNicknames[contact.Nickname] = contact
	c.save()
	return nil
}

func (c *Client) doContactRemoval(nickname string) error {
	contact, ok := c.contactNicknames[nickname]
	if !ok {
		return errContactNotFound
	}
	delete(c.contactNicknames, nickname)
	delete(c.contacts, contact.id)
	if c.openConversation == nickname {
		c.openConversation = ""
	}
	c.doWipeConversation(nickname) // calls c.save()
	return nil
}

func (c *Client) doContactRename(oldname, newname string) error {
	c.conversationsMutex.Lock()
	defer c.conversationsMutex.Unlock()
	contact, ok := c.contactNicknames[oldname]
	if !ok {
		return errContactNotFound
	}
	if _, ok := c.contactNicknames[newname]; ok {
		return errContactExists
	}
	contact.Nickname = newname
	c.contactNicknames[newname] = contact
	if _, ok := c.conversations[oldname]; ok {
		c.conversations[newname] = c.conversations[oldname]
		delete(c.conversations, oldname)
	}
	delete(c.contactNicknames, oldname)
	if c.openConversation == oldname {
		c.openConversation = newname
	}
	return nil
}

func (c *Client) doGetConversation(nickname string, responseChan chan Messages) {
	var msg Messages

	c.conversationsMutex.Lock()
	defer c.conversationsMutex.Unlock()
	cc, ok := c.conversations[nickname]
	if !ok {
		close(responseChan)
		return
	}
	for _, m := range cc {
		msg = append(msg, m)
	}
	// do not block the worker
	go func() {
		sort.Sort(msg)
		select {
		case <-c.HaltCh():
		case responseChan <- msg:
		}
	}()
}

func (c *Client) doWipeConversation(nickname string) error {
	c.conversationsMutex.Lock()
	defer c.save()
	defer c.conversationsMutex.Unlock()

	if _, ok := c.conversations[nickname]; !ok {
		return errContactNotFound
	}

	for k, m := range c.conversations[nickname] {
		m.Plaintext = ""
		m.Timestamp = time.Time{}
		delete(c.conversations[nickname], k)
	}
	delete(c.conversations, nickname)

	if contact, ok := c.contactNicknames[nickname]; ok {
		contact.LastMessage = nil
		if contact.Unread != 0 {
			contact.Unread = 0
			c.eventCh.In() <- &UnreadCountChangedEvent{Nickname: nickname, Unread: 0}
		}
	}
	return nil
}

func (c *Client) doOpenConversation(nickname string) error {
	if nickname == "" {
		c.openConversation = ""
		c.save()
		return nil
	}
	contact, ok := c.contactNicknames[nickname]
	if !ok {
		return errContactNotFound
	}
	c.openConversation = nickname
	if contact.Unread != 0 {
		contact.Unread = 0
		c.eventCh.In() <- &UnreadCountChangedEvent{Nickname: nickname, Unread: 0}
	}
	c.save()
	c.startSync(nickname)
	return nil
}

// contactByAddress resolves a ledger address to a known contact.
func (c *Client) contactByAddress(address ledger.Address) *Contact {
	for _, contact := range c.contacts {
		if contact.Address == address {
			return contact
		}
	}
	return nil
}

func (c *Client) save() {
	c.log.Debug("Saving statefile.")
	serialized, err := c.marshal()
	if err != nil {
		panic(err)
	}
	select {
	case <-c.HaltCh():
	case c.stateWorker.stateCh <- serialized:
	}
}

func (c *Client) marshal() ([]byte, error) {
	contacts := []*Contact{}
	for _, contact := range c.contacts {
		contacts = append(contacts, contact)
	}
	c.conversationsMutex.Lock()
	s := &State{
		Contacts:         contacts,
		Conversations:    c.conversations,
		OpenConversation: c.openConversation,
	}
	defer c.conversationsMutex.Unlock()
	em, err := cbor.EncOptions{Time: cbor.TimeUnixDynamic}.EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(s)
}
