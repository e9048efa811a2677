// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"testing"
	"time"

	"github.com/gomlx/datapar/types/tensors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagString(t *testing.T) {
	assert.Equal(t, "INIT_PARAMS", TagInitParams.String())
	assert.Equal(t, "SHUTDOWN", TagShutdown.String())
	assert.Equal(t, "Tag(99)", Tag(99).String())
}

func TestLoopbackFIFO(t *testing.T) {
	parent, worker := NewLoopbackPair(16)
	const numMessages = 10
	for step := 0; step < numMessages; step++ {
		require.NoError(t, parent.Send(&Message{Tag: TagBatch, Step: step}))
	}
	// Messages arrive in send order, exactly once.
	for step := 0; step < numMessages; step++ {
		msg, err := worker.Recv()
		require.NoError(t, err)
		assert.Equal(t, TagBatch, msg.Tag)
		assert.Equal(t, step, msg.Step)
	}

	// And the reverse direction is independent.
	require.NoError(t, worker.Send(&Message{Tag: TagGradient, Step: 0}))
	msg, err := parent.Recv()
	require.NoError(t, err)
	assert.Equal(t, TagGradient, msg.Tag)
}

func TestLoopbackBackpressure(t *testing.T) {
	parent, worker := NewLoopbackPair(1)
	require.NoError(t, parent.Send(&Message{Tag: TagBatch, Step: 0}))

	// The queue is full: the next Send must block until the peer drains.
	sent := make(chan struct{})
	go func() {
		_ = parent.Send(&Message{Tag: TagBatch, Step: 1})
		close(sent)
	}()
	select {
	case <-sent:
		t.Fatal("Send should have blocked on a full queue")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := worker.Recv()
	require.NoError(t, err)
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Send should have unblocked after the peer drained the queue")
	}
}

func TestLoopbackClose(t *testing.T) {
	parent, worker := NewLoopbackPair(0)

	// A Recv pending when the channel closes fails with ErrChannelClosed.
	errC := make(chan error, 1)
	go func() {
		_, err := worker.Recv()
		errC <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, parent.Close())
	require.ErrorIs(t, <-errC, ErrChannelClosed)

	// Afterwards both endpoints are dead, and Close is idempotent.
	require.ErrorIs(t, parent.Send(&Message{Tag: TagBatch}), ErrChannelClosed)
	_, err := parent.Recv()
	require.ErrorIs(t, err, ErrChannelClosed)
	require.NoError(t, worker.Close())
}

func TestLoopbackCloseDeliversInFlight(t *testing.T) {
	parent, worker := NewLoopbackPair(4)
	require.NoError(t, parent.Send(&Message{Tag: TagShutdown}))
	require.NoError(t, parent.Close())

	// The shutdown already in flight is still delivered.
	msg, err := worker.Recv()
	require.NoError(t, err)
	assert.Equal(t, TagShutdown, msg.Tag)
	_, err = worker.Recv()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestLoopbackDevicePayload(t *testing.T) {
	parent, worker := NewLoopbackPair(1)
	payload := DevicePayload("opaque-buffer", 3)
	require.NoError(t, parent.Send(&Message{Tag: TagGradient, Payload: payload}))
	msg, err := worker.Recv()
	require.NoError(t, err)
	assert.Equal(t, PayloadDevice, msg.Payload.Kind)
	assert.Equal(t, "opaque-buffer", msg.Payload.Buffer())
}

func newPipePair(t *testing.T) (parent, worker Channel) {
	parentR, workerW := io.Pipe()
	workerR, parentW := io.Pipe()
	parent = NewPipeChannel(parentR, parentW)
	worker = NewPipeChannel(workerR, workerW)
	t.Cleanup(func() {
		_ = parent.Close()
		_ = worker.Close()
	})
	return
}

func TestPipeChannelRoundTrip(t *testing.T) {
	parent, worker := newPipePair(t)

	layout := tensors.LayoutOf(tensors.NewCollection().
		Add("W", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)))
	session := uuid.New()
	want := &Message{
		Tag:          TagInitParams,
		Step:         0,
		Replica:      2,
		Session:      session,
		Layout:       layout,
		Payload:      HostPayload([]byte{1, 0, 128, 63, 0, 0, 0, 64, 0, 0, 64, 64, 0, 0, 128, 64}),
		Observations: map[string]float64{"main/loss": 0.125},
	}

	done := make(chan error, 1)
	go func() { done <- parent.Send(want) }()

	got, err := worker.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, TagInitParams, got.Tag)
	assert.Equal(t, 2, got.Replica)
	assert.Equal(t, session, got.Session)
	assert.True(t, layout.Equal(got.Layout))
	assert.Equal(t, PayloadHost, got.Payload.Kind)
	assert.Equal(t, want.Payload.Data, got.Payload.Data)
	assert.Equal(t, want.Observations, got.Observations)
}

func TestPipeChannelRejectsDevicePayload(t *testing.T) {
	parent, _ := newPipePair(t)
	err := parent.Send(&Message{Tag: TagGradient, Payload: DevicePayload("buf", 0)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrChannelClosed)
}

func TestPipeChannelClosed(t *testing.T) {
	parent, worker := newPipePair(t)

	errC := make(chan error, 1)
	go func() {
		_, err := worker.Recv()
		errC <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, parent.Close())
	require.ErrorIs(t, <-errC, ErrChannelClosed)

	require.ErrorIs(t, parent.Send(&Message{Tag: TagBatch}), ErrChannelClosed)
}
