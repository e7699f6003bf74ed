// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"context"
	"time"

	"github.com/ThirteenKF/base-chat/fhe"
)

// doSendMessage runs the optimistic send pipeline for one message. The
// message is visible in the conversation from the moment composing
// starts; any failure, before or after the batch reaches the ledger,
// discards it again and surfaces a MessageNotSentEvent.
func (c *Client) doSendMessage(convoMesgID MessageID, nickname string, text string) {
	contact, ok := c.contactNicknames[nickname]
	if !ok {
		c.log.Errorf("contact %s not found", nickname)
		c.eventCh.In() <- &MessageNotSentEvent{
			Nickname:  nickname,
			MessageID: convoMesgID,
			Err:       errContactNotFound,
		}
		return
	}

	runes := []rune(text)
	if len(runes) == 0 {
		c.eventCh.In() <- &MessageNotSentEvent{
			Nickname:  nickname,
			MessageID: convoMesgID,
			Err:       errEmptyMessage,
		}
		return
	}
	if len(runes) > MaxMessageLength {
		c.eventCh.In() <- &MessageNotSentEvent{
			Nickname:  nickname,
			MessageID: convoMesgID,
			Err:       errMessageTooLong,
		}
		return
	}

	self, err := c.wallet.Active()
	if err != nil {
		// No identity right now. Park the message for the reconnect.
		c.log.Debugf("Wallet disconnected, queueing message for %s", nickname)
		if qerr := contact.outbound.Push(&queuedSend{ID: convoMesgID, Name: nickname, Text: text}); qerr != nil {
			c.eventCh.In() <- &MessageNotSentEvent{
				Nickname:  nickname,
				MessageID: convoMesgID,
				Err:       qerr,
			}
		}
		return
	}

	outMessage := &Message{
		Plaintext: text,
		Timestamp: time.Now(),
		Outbound:  true,
		Status:    StatusComposing,
	}
	c.conversationsMutex.Lock()
	if _, ok := c.conversations[nickname]; !ok {
		c.conversations[nickname] = make(map[MessageID]*Message)
	}
	c.conversations[nickname][convoMesgID] = outMessage
	contact.LastMessage = outMessage
	c.conversationsMutex.Unlock()

	outMessage.Status = StatusEncrypting
	units := make([]fhe.Ciphertext, 0, len(runes))
	for _, r := range runes {
		unit, err := c.codec.Encrypt(uint32(r))
		if err != nil {
			c.log.Errorf("failed to encrypt unit for %s: %s", nickname, err)
			c.discardMessage(nickname, convoMesgID)
			c.eventCh.In() <- &MessageNotSentEvent{
				Nickname:  nickname,
				MessageID: convoMesgID,
				Err:       err,
			}
			return
		}
		units = append(units, unit)
	}

	pending, err := c.ledger.SendBatch(context.Background(), self, contact.Address, units)
	if err != nil {
		c.log.Errorf("batch submission for %s failed: %s", nickname, err)
		c.discardMessage(nickname, convoMesgID)
		c.eventCh.In() <- &MessageNotSentEvent{
			Nickname:  nickname,
			MessageID: convoMesgID,
			Err:       errLedgerSubmitFailed,
		}
		return
	}

	outMessage.Status = StatusSubmitted
	c.eventCh.In() <- &MessageSentEvent{
		Nickname:  nickname,
		MessageID: convoMesgID,
	}
	c.save()

	go func() {
		ref, err := pending.Wait(context.Background())
		select {
		case <-c.HaltCh():
		case c.submitCh <- &submitResult{
			nickname: nickname,
			id:       convoMesgID,
			ref:      ref,
			err:      err,
		}:
		}
	}()
}

// discardMessage removes an optimistic message that never reached the
// ledger.
func (c *Client) discardMessage(nickname string, id MessageID) {
	c.conversationsMutex.Lock()
	defer c.conversationsMutex.Unlock()
	messages, ok := c.conversations[nickname]
	if !ok {
		return
	}
	delete(messages, id)
	if contact, ok := c.contactNicknames[nickname]; ok {
		contact.LastMessage = lastOf(messages)
	}
}

// onSubmitResult finalizes a submitted message once its ledger
// transaction settles.
func (c *Client) onSubmitResult(result *submitResult) {
	c.conversationsMutex.Lock()
	messages, ok := c.conversations[result.nickname]
	if !ok {
		c.conversationsMutex.Unlock()
		return
	}
	message, ok := messages[result.id]
	c.conversationsMutex.Unlock()
	if !ok {
		return
	}

	if result.err != nil {
		c.log.Errorf("transaction for %s failed: %s", result.nickname, result.err)
		c.discardMessage(result.nickname, result.id)
		c.eventCh.In() <- &MessageNotSentEvent{
			Nickname:  result.nickname,
			MessageID: result.id,
			Err:       result.err,
		}
		c.save()
		return
	}

	message.Status = StatusConfirmed
	message.TxRef = result.ref
	c.eventCh.In() <- &MessageDeliveredEvent{
		Nickname:  result.nickname,
		MessageID: result.id,
		TxRef:     result.ref,
	}
	c.save()
}
