// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wallet abstracts the user's signing identity. The chat
// pipeline only needs two things from it: the active address, and
// notice when the connection state flips.
package wallet

import (
	"errors"
	"sync"

	"github.com/ThirteenKF/base-chat/ledger"
)

// ErrNoIdentity is returned when no wallet is connected.
var ErrNoIdentity = errors.New("wallet: no active identity")

// Status is the wallet connection state.
type Status int

const (
	// StatusDisconnected means no identity is available. Sends and
	// syncs must not be attempted.
	StatusDisconnected Status = iota
	// StatusConnected means an identity is available.
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// Provider supplies the active identity and status transitions.
type Provider interface {
	// Active returns the current identity address, or ErrNoIdentity
	// when disconnected.
	Active() (ledger.Address, error)

	// Status returns the current connection state.
	Status() Status

	// SubscribeStatus registers a channel for status transitions and
	// returns a cancel func. Delivery is best effort.
	SubscribeStatus(ch chan<- Status) (cancel func())
}

// Static is an in-process Provider holding a fixed address. Connect
// and Disconnect drive the status transitions that a browser wallet
// would otherwise produce.
type Static struct {
	mu     sync.RWMutex
	addr   ledger.Address
	status Status
	subs   map[uint64]chan<- Status
	nextID uint64
}

// NewStatic creates a connected Static provider for addr.
func NewStatic(addr ledger.Address) *Static {
	return &Static{
		addr:   addr,
		status: StatusConnected,
		subs:   make(map[uint64]chan<- Status),
	}
}

// Active implements Provider.
func (s *Static) Active() (ledger.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusConnected {
		return ledger.Address{}, ErrNoIdentity
	}
	return s.addr, nil
}

// Status implements Provider.
func (s *Static) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SubscribeStatus implements Provider.
func (s *Static) SubscribeStatus(ch chan<- Status) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = ch
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Disconnect flips the provider to the disconnected state.
func (s *Static) Disconnect() {
	s.setStatus(StatusDisconnected)
}

// Connect flips the provider back to the connected state.
func (s *Static) Connect() {
	s.setStatus(StatusConnected)
}

func (s *Static) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == st {
		return
	}
	s.status = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
