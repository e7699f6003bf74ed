// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"errors"
	"math"
	"time"

	"github.com/ThirteenKF/base-chat/fhe"
	"github.com/ThirteenKF/base-chat/ledger"
	"github.com/ThirteenKF/base-chat/wallet"
)

func (c *Client) worker() {
	const maxDuration = time.Duration(math.MaxInt64)

	pollTimer := time.NewTimer(c.pollInterval)
	defer pollTimer.Stop()

	isConnected := c.wallet.Status() == wallet.StatusConnected
	if !isConnected {
		pollTimer.Reset(maxDuration)
	}

	for {
		var qo interface{}
		select {
		case <-c.HaltCh():
			c.log.Debug("Terminating gracefully.")
			c.save()
			return
		case <-pollTimer.C:
			if isConnected {
				c.syncAll()
			}
			pollTimer.Reset(c.pollInterval)
		case qo = <-c.opCh:
			switch op := qo.(type) {
			case *opAddContact:
				op.responseChan <- c.createContact(op.name, op.address)
			case *opRemoveContact:
				op.responseChan <- c.doContactRemoval(op.name)
			case *opRenameContact:
				op.responseChan <- c.doContactRename(op.oldname, op.newname)
			case *opSendMessage:
				c.doSendMessage(op.id, op.name, op.text)
			case *opGetContacts:
				op.responseChan <- c.contactNicknames
			case *opGetConversation:
				c.doGetConversation(op.name, op.responseChan)
			case *opWipeConversation:
				op.responseChan <- c.doWipeConversation(op.name)
			case *opOpenConversation:
				op.responseChan <- c.doOpenConversation(op.name)
			case *opRefresh:
				c.startSync(op.name)
			default:
				c.fatalErrCh <- errors.New("BUG, unknown operation type.")
			}
		case entry := <-c.entryCh:
			c.onLedgerEntry(&entry)
		case result := <-c.syncCh:
			c.onSyncResult(result)
		case result := <-c.submitCh:
			c.onSubmitResult(result)
		case status := <-c.walletCh:
			c.log.Infof("Wallet status change: %s", status)
			if status == wallet.StatusConnected && !isConnected {
				isConnected = true
				pollTimer.Reset(c.pollInterval)
				c.renewSession()
				c.resubscribe()
				c.restartSending()
				c.syncAll()
				c.eventCh.In() <- &ConnectionStatusEvent{Status: status}
				continue
			}
			isConnected = status == wallet.StatusConnected
			if !isConnected {
				pollTimer.Reset(maxDuration)
				c.session.Invalidate()
				if c.cancelSub != nil {
					c.cancelSub()
					c.cancelSub = nil
				}
			}
			c.eventCh.In() <- &ConnectionStatusEvent{Status: status}
		}
	}
}

// renewSession replaces the encryption session invalidated on the
// previous disconnect with one bound to the current wallet identity.
func (c *Client) renewSession() {
	self, err := c.wallet.Active()
	if err != nil {
		c.log.Warningf("Cannot renew encryption session: %s", err)
		return
	}
	session, err := c.session.Renew(self.String())
	if err != nil {
		c.log.Warningf("Cannot renew encryption session: %s", err)
		return
	}
	c.session = session
	c.codec = fhe.NewCodec(session)
	c.permits = fhe.NewIssuer(session)
}

// resubscribe renews the ledger subscription after the wallet identity
// becomes available again.
func (c *Client) resubscribe() {
	if c.cancelSub != nil {
		c.cancelSub()
		c.cancelSub = nil
	}
	self, err := c.wallet.Active()
	if err != nil {
		c.log.Warningf("Cannot resubscribe: %s", err)
		return
	}
	c.cancelSub = c.ledger.SubscribeMessageSent(self, c.entryCh)
}

// restartSending drains the outbound queues of messages composed while
// the wallet was disconnected.
func (c *Client) restartSending() {
	for _, contact := range c.contacts {
		for {
			queued, err := contact.outbound.Pop()
			if err != nil {
				break
			}
			c.doSendMessage(queued.ID, queued.Name, queued.Text)
		}
	}
}

// onLedgerEntry handles a subscription event. An event is only a hint
// that the conversation has new entries, the refresh itself rereads
// the ledger.
func (c *Client) onLedgerEntry(entry *ledger.RawEntry) {
	parsed, err := ledger.ParseEntry(*entry)
	if err != nil {
		c.log.Debugf("Discarding malformed subscription entry: %s", err)
		return
	}
	contact := c.contactByAddress(parsed.Sender)
	if contact == nil {
		c.log.Debugf("Subscription entry from unknown sender %s", parsed.Sender)
		return
	}
	c.startSync(contact.Nickname)
}

// syncAll schedules a refresh for every contact's conversation.
func (c *Client) syncAll() {
	for nickname := range c.contactNicknames {
		c.startSync(nickname)
	}
}
