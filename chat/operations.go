// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import "github.com/ThirteenKF/base-chat/ledger"

type opAddContact struct {
	name         string
	address      ledger.Address
	responseChan chan error
}

type opRemoveContact struct {
	name         string
	responseChan chan error
}

type opRenameContact struct {
	oldname      string
	newname      string
	responseChan chan error
}

type opSendMessage struct {
	id   MessageID
	name string
	text string
}

type opGetContacts struct {
	responseChan chan map[string]*Contact
}

type opGetConversation struct {
	name         string
	responseChan chan Messages
}

type opWipeConversation struct {
	name         string
	responseChan chan error
}

type opOpenConversation struct {
	name         string
	responseChan chan error
}

type opRefresh struct {
	name string
}
