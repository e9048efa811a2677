// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrChannelClosed is returned by Send/Recv on a closed channel. The caller
// treats it as a fatal step failure: it is never retried.
var ErrChannelClosed = errors.New("transport channel closed")

// Channel is a bidirectional, ordered, exactly-once message pipe between the
// coordinator and one worker.
//
// Send enqueues a message for delivery to the peer; it blocks when the
// channel's outstanding-message limit is reached (backpressure).
// Recv blocks the caller until a message is available.
type Channel interface {
	Send(msg *Message) error
	Recv() (*Message, error)

	// Close tears the channel down for both sides; pending and future Send and
	// Recv calls fail with ErrChannelClosed. Close is idempotent.
	Close() error
}

// DefaultQueueLimit is the default outstanding-message limit of a loopback
// channel pair. One step exchanges at most two messages per direction, so a
// small queue suffices; the limit only exists to bound memory if one side
// races ahead.
const DefaultQueueLimit = 4

// loopback is one endpoint of an in-process channel pair.
type loopback struct {
	out, in chan *Message

	done      chan struct{}
	closeOnce *sync.Once
}

// NewLoopbackPair creates a connected pair of in-process channels: messages
// sent on one endpoint are received by the other, in FIFO order, exactly once.
// Each direction buffers at most limit messages; Send blocks beyond that.
// Closing either endpoint closes both.
//
// Loopback channels pass messages by reference, so device buffer payloads
// (PayloadDevice) are allowed: ownership passes logically to the receiver.
func NewLoopbackPair(limit int) (parent, worker Channel) {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	toWorker := make(chan *Message, limit)
	toParent := make(chan *Message, limit)
	done := make(chan struct{})
	closeOnce := &sync.Once{}
	parent = &loopback{out: toWorker, in: toParent, done: done, closeOnce: closeOnce}
	worker = &loopback{out: toParent, in: toWorker, done: done, closeOnce: closeOnce}
	return
}

// Send implements Channel.
func (c *loopback) Send(msg *Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// Recv implements Channel. Messages already in flight when the channel closes
// are still delivered: close only fails receives that would otherwise block
// forever.
func (c *loopback) Recv() (*Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, ErrChannelClosed
	}
}

// Close implements Channel.
func (c *loopback) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
