// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/gob"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// pipeChannel speaks gob-encoded Messages over a reader/writer pair, typically
// the stdin/stdout pipes of a worker OS process.
//
// Backpressure comes from the OS pipe buffer: Send blocks once the peer stops
// draining. FIFO and exactly-once delivery come from the byte stream itself.
type pipeChannel struct {
	sendMu sync.Mutex
	enc    *gob.Encoder
	w      io.Closer

	recvMu sync.Mutex
	dec    *gob.Decoder
	r      io.Closer

	closed atomic.Bool
}

// NewPipeChannel creates a Channel over the given reader/writer pair.
// Close closes both.
//
// Device buffer payloads (PayloadDevice) cannot cross a process boundary and
// are rejected by Send: stage them to host bytes first.
func NewPipeChannel(r io.ReadCloser, w io.WriteCloser) Channel {
	return &pipeChannel{
		enc: gob.NewEncoder(w),
		w:   w,
		dec: gob.NewDecoder(r),
		r:   r,
	}
}

// Send implements Channel.
func (c *pipeChannel) Send(msg *Message) error {
	if msg.Payload.Kind == PayloadDevice {
		return errors.Errorf("pipe channel cannot send a device buffer payload across a process boundary (tag %s, step %d); stage it to host memory first",
			msg.Tag, msg.Step)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := c.enc.Encode(msg); err != nil {
		return c.mapError(err, "send")
	}
	return nil
}

// Recv implements Channel.
func (c *pipeChannel) Recv() (*Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	msg := &Message{}
	if err := c.dec.Decode(msg); err != nil {
		return nil, c.mapError(err, "receive")
	}
	return msg, nil
}

// mapError converts peer-gone I/O errors into ErrChannelClosed.
func (c *pipeChannel) mapError(err error, op string) error {
	if c.closed.Load() ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return errors.WithMessagef(ErrChannelClosed, "%s failed", op)
	}
	return errors.Wrapf(err, "pipe channel %s", op)
}

// Close implements Channel.
func (c *pipeChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	errW := c.w.Close()
	errR := c.r.Close()
	if errW != nil {
		return errors.Wrap(errW, "closing pipe channel writer")
	}
	return errors.Wrap(errR, "closing pipe channel reader")
}
