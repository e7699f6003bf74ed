// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const MaxQueueSize = 20

// ErrQueueFull is the error issued when the queue is full.
var ErrQueueFull = errors.New("queue is full")

// ErrQueueEmpty is the error issued when the queue is empty.
var ErrQueueEmpty = errors.New("queue is empty")

// queuedSend is an outbound message composed while the wallet was
// disconnected, waiting to be encrypted and submitted.
type queuedSend struct {
	ID   MessageID
	Name string
	Text string
}

// Queue is our in-memory FIFO queue holding messages composed while
// the wallet is disconnected.
type Queue struct {
	sync.Mutex
	content   [MaxQueueSize]*queuedSend
	readHead  int
	writeHead int
	len       int
}

// Push pushes the given message ref onto the queue and returns nil
// on success, otherwise an error is returned.
func (q *Queue) Push(e *queuedSend) error {
	q.Lock()
	defer q.Unlock()
	if q.len >= MaxQueueSize {
		return ErrQueueFull
	}
	q.content[q.writeHead] = e
	q.writeHead = (q.writeHead + 1) % MaxQueueSize
	q.len++
	return nil
}

// Pop pops the next message ref off the queue and returns nil
// upon success, otherwise an error is returned.
func (q *Queue) Pop() (*queuedSend, error) {
	q.Lock()
	defer q.Unlock()
	if q.len <= 0 {
		return nil, ErrQueueEmpty
	}
	result := q.content[q.readHead]
	q.content[q.readHead] = &queuedSend{}
	q.readHead = (q.readHead + 1) % MaxQueueSize
	q.len--
	return result, nil
}

// Peek returns the next message ref from the queue without
// modifying the queue.
func (q *Queue) Peek() (*queuedSend, error) {
	q.Lock()
	defer q.Unlock()
	if q.len <= 0 {
		return nil, ErrQueueEmpty
	}
	result := q.content[q.readHead]
	return result, nil
}

type serializedQ struct {
	Content   [MaxQueueSize]*queuedSend
	ReadHead  int
	WriteHead int
	Len       int
}

func (q *Queue) MarshalBinary() ([]byte, error) {
	tmp := &serializedQ{}
	for i := range q.content {
		tmp.Content[i] = q.content[i]
	}
	tmp.ReadHead = q.readHead
	tmp.WriteHead = q.writeHead
	tmp.Len = q.len
	return cbor.Marshal(tmp)
}

func (q *Queue) UnmarshalBinary(data []byte) error {
	tmp := &serializedQ{}
	if _, err := cbor.UnmarshalFirst(data, &tmp); err != nil {
		return err
	}
	for i := range tmp.Content {
		q.content[i] = tmp.Content[i]
	}
	q.readHead = tmp.ReadHead
	q.writeHead = tmp.WriteHead
	q.len = tmp.Len
	return nil
}
