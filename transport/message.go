// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transport implements the ordered, exactly-once message pipe between
// the aggregation coordinator (parent process) and one worker replica.
//
// Two implementations are provided: a loopback channel for workers running as
// goroutines in the same process (it can hand over device buffer references
// with no copy), and a pipe channel speaking gob over an io.Reader/io.Writer
// pair, used with worker OS processes -- host memory is the handoff point when
// crossing a process boundary.
//
// No wire protocol beyond the process-local pipes is defined: messages are
// opaque flat buffers plus small control tags.
package transport

import (
	"fmt"

	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/datapar/types/tensors"
	"github.com/google/uuid"
)

// Tag identifies the kind of a control message.
type Tag uint8

const (
	// TagInitParams carries the canonical initial parameters and the layout
	// schema from the master to a worker, once, before the first step.
	TagInitParams Tag = iota + 1
	// TagBatch tells a worker to fetch the next batch from its private
	// iterator shard and run forward/backward for the given step.
	TagBatch
	// TagGradient carries a worker's flattened local gradient (and its
	// per-step observations) to the master.
	TagGradient
	// TagAggregate carries the averaged gradient buffer from the master back
	// to every worker.
	TagAggregate
	// TagFailure reports a replica failure (forward/backward raised) to the
	// master instead of a gradient, so the gather barrier fails fast rather
	// than hanging.
	TagFailure
	// TagShutdown tells a worker to exit its loop. Sent at updater teardown.
	TagShutdown
)

// String implements fmt.Stringer.
func (t Tag) String() string {
	switch t {
	case TagInitParams:
		return "INIT_PARAMS"
	case TagBatch:
		return "BATCH"
	case TagGradient:
		return "GRADIENT"
	case TagAggregate:
		return "AGGREGATE"
	case TagFailure:
		return "FAILURE"
	case TagShutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// PayloadKind tags where a message payload lives.
type PayloadKind uint8

const (
	// PayloadNone is a pure control message.
	PayloadNone PayloadKind = iota
	// PayloadHost is a flat buffer in host memory; it can cross process boundaries.
	PayloadHost
	// PayloadDevice is a reference to a device-resident buffer; it is only
	// valid over a loopback channel within one process.
	PayloadDevice
)

// Payload is the tagged {host bytes, device buffer} union carried by messages.
// Transport and copy primitives branch on the explicit Kind tag.
type Payload struct {
	Kind PayloadKind

	// Data holds the flat buffer when Kind == PayloadHost.
	Data []byte

	// Device holds the owning device when Kind == PayloadDevice.
	Device backends.DeviceNum

	// buffer is process-local and never serialized.
	buffer backends.Buffer
}

// HostPayload returns a payload holding a flat buffer in host memory.
func HostPayload(data []byte) Payload {
	return Payload{Kind: PayloadHost, Data: data}
}

// DevicePayload returns a payload referencing a device-resident buffer.
// It can only be sent over a loopback channel.
func DevicePayload(buffer backends.Buffer, device backends.DeviceNum) Payload {
	return Payload{Kind: PayloadDevice, Device: device, buffer: buffer}
}

// Buffer returns the device buffer of a PayloadDevice payload, or nil.
func (p Payload) Buffer() backends.Buffer { return p.buffer }

// Message is the unit of information exchanged per training step.
//
// Messages for a given step must be consumed in order; the channel guarantees
// FIFO, exactly-once delivery.
type Message struct {
	Tag     Tag
	Step    int
	Replica int

	// Session identifies the training run; set by the master in the
	// InitParams handshake and echoed by workers, so stray messages from a
	// previous run are detected instead of silently consumed.
	Session uuid.UUID

	// Device is the device assigned to the receiving replica, carried by
	// InitParams.
	Device backends.DeviceNum

	// Layout is the flat buffer schema, carried by InitParams.
	Layout *tensors.Layout

	Payload Payload

	// Observations are per-step named scalars (loss etc.) relayed from the
	// worker to the master's reporter.
	Observations map[string]float64

	// Error describes a replica failure and Stage names the step-protocol
	// stage where it happened, for TagFailure messages.
	Error string
	Stage string
}
