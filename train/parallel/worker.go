// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/datapar/transport"
	"github.com/gomlx/datapar/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Worker drives one worker replica: it owns a private model copy, a private
// iterator shard and its own optimizer instance, and follows the master's
// orders over a transport channel.
//
// The loop is a strict state machine: receive the initial parameters once,
// then per step fetch a batch, run forward/backward, send the gathered
// gradient, wait for the averaged gradient, scatter it and apply the
// optimizer. Any failure is reported to the master (so the gather barrier
// fails fast instead of hanging) and ends the loop.
type Worker struct {
	Model     Model
	Optimizer Optimizer
	Iterator  Iterator
	Backend   backends.Backend

	// DeviceTransfer makes gradient exchanges carry device buffer references
	// instead of host bytes. Only valid over loopback channels.
	DeviceTransfer bool

	replica int
	device  backends.DeviceNum
	layout  *tensors.Layout
	session uuid.UUID
}

// Run executes the worker loop over the channel until the master orders a
// shutdown (returns nil), the channel closes (returns nil, the master tore
// the run down) or the replica fails (returns a ReplicaFailureError).
func (w *Worker) Run(ch transport.Channel) error {
	stop, err := w.handshake(ch)
	if stop || err != nil {
		return err
	}
	for {
		msg, err := ch.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrChannelClosed) {
				klog.V(1).Infof("worker replica %d: channel closed, exiting", w.replica)
				return nil
			}
			return errors.WithMessagef(err, "worker replica %d", w.replica)
		}
		switch msg.Tag {
		case transport.TagShutdown:
			klog.V(1).Infof("worker replica %d: shutdown", w.replica)
			return nil
		case transport.TagBatch:
			stop, err := w.step(ch, msg)
			if stop || err != nil {
				return err
			}
		default:
			return w.fail(ch, msg.Step, StageProtocol,
				errors.Errorf("unexpected message %s", msg.Tag))
		}
	}
}

// handshake consumes the InitParams message: it learns the replica's identity,
// device, session and layout schema, moves the model to the device and adopts
// the master's canonical initial parameters.
func (w *Worker) handshake(ch transport.Channel) (stop bool, err error) {
	init, err := ch.Recv()
	if err != nil {
		if errors.Is(err, transport.ErrChannelClosed) {
			return true, nil
		}
		return false, errors.WithMessage(err, "worker: waiting for initial parameters")
	}
	if init.Tag == transport.TagShutdown {
		return true, nil
	}
	if init.Tag != transport.TagInitParams {
		return false, errors.Errorf("worker: expected %s, got %s", transport.TagInitParams, init.Tag)
	}
	w.replica = init.Replica
	w.device = init.Device
	w.session = init.Session
	w.layout = init.Layout

	if err = w.Model.Parameters().ToDevice(w.Backend, w.device); err != nil {
		return false, w.fail(ch, 0, StageInit, err)
	}
	if err = w.Model.Gradients().ToDevice(w.Backend, w.device); err != nil {
		return false, w.fail(ch, 0, StageInit, err)
	}
	flat, err := payloadToHost(w.Backend, w.device, w.layout.TotalBytes, init.Payload)
	if err != nil {
		return false, w.fail(ch, 0, StageInit, err)
	}
	if err = ScatterParams(w.Model, flat, w.layout); err != nil {
		return false, w.fail(ch, 0, StageInit, err)
	}
	klog.V(1).Infof("worker replica %d: adopted %s of initial parameters on device %d",
		w.replica, humanize.Bytes(uint64(w.layout.TotalBytes)), w.device)
	return false, nil
}

// step runs one training step in response to a batch order. stop is true when
// the master tore the run down mid-step.
func (w *Worker) step(ch transport.Channel, order *transport.Message) (stop bool, err error) {
	if order.Session != w.session {
		return false, w.fail(ch, order.Step, StageProtocol,
			errors.Errorf("batch order from another session %s", order.Session))
	}
	batch, err := w.Iterator.Next()
	if err != nil {
		return false, w.fail(ch, order.Step, StageFetchBatch, err)
	}
	loss, err := w.Model.Forward(batch)
	if err != nil {
		return false, w.fail(ch, order.Step, StageForward, err)
	}
	flat, _, err := GatherGrads(w.Model)
	if err != nil {
		return false, w.fail(ch, order.Step, StageGather, err)
	}
	payload, err := hostToPayload(w.Backend, w.device, flat, w.DeviceTransfer)
	if err != nil {
		return false, w.fail(ch, order.Step, StageGather, err)
	}
	observations := map[string]float64{"main/loss": loss}
	if observer, ok := w.Model.(Observer); ok {
		for name, value := range observer.Observations() {
			observations[name] = value
		}
	}
	err = ch.Send(&transport.Message{
		Tag:          transport.TagGradient,
		Step:         order.Step,
		Replica:      w.replica,
		Session:      w.session,
		Payload:      payload,
		Observations: observations,
	})
	if err != nil {
		return false, errors.WithMessagef(err, "worker replica %d: sending gradient", w.replica)
	}

	aggregate, err := ch.Recv()
	if err != nil {
		if errors.Is(err, transport.ErrChannelClosed) {
			return true, nil
		}
		return false, errors.WithMessagef(err, "worker replica %d: waiting for aggregate", w.replica)
	}
	switch aggregate.Tag {
	case transport.TagShutdown:
		return true, nil
	case transport.TagAggregate:
		// Proceed.
	default:
		return false, w.fail(ch, order.Step, StageProtocol,
			errors.Errorf("expected %s, got %s", transport.TagAggregate, aggregate.Tag))
	}
	if aggregate.Step != order.Step || aggregate.Session != w.session {
		return false, w.fail(ch, order.Step, StageProtocol,
			errors.Errorf("aggregate for step %d of session %s, expected step %d",
				aggregate.Step, aggregate.Session, order.Step))
	}
	average, err := payloadToHost(w.Backend, w.device, w.layout.TotalBytes, aggregate.Payload)
	if err != nil {
		return false, w.fail(ch, order.Step, StageAwaitAggregate, err)
	}
	if err = ScatterGrads(w.Model, average, w.layout); err != nil {
		return false, w.fail(ch, order.Step, StageScatter, err)
	}
	if err = w.Optimizer.Update(w.Model); err != nil {
		return false, w.fail(ch, order.Step, StageOptimizer, err)
	}
	return false, nil
}

// fail reports the failure to the master, so the gather barrier fails fast
// instead of hanging, and returns it as a ReplicaFailureError.
func (w *Worker) fail(ch transport.Channel, step int, stage Stage, err error) error {
	failure := &ReplicaFailureError{Replica: w.replica, Stage: stage, Err: err}
	klog.Errorf("worker replica %d: %v", w.replica, failure)
	sendErr := ch.Send(&transport.Message{
		Tag:     transport.TagFailure,
		Step:    step,
		Replica: w.replica,
		Session: w.session,
		Stage:   string(stage),
		Error:   err.Error(),
	})
	if sendErr != nil && !errors.Is(sendErr, transport.ErrChannelClosed) {
		klog.Warningf("worker replica %d: could not report failure to master: %v", w.replica, sendErr)
	}
	return failure
}

// RunWorkerProcess serves one worker replica over this process's
// stdin/stdout pipes. Call it from main when transport.IsWorkerProcess
// reports true; it returns when the master orders a shutdown.
func RunWorkerProcess(backend backends.Backend, replica Replica) error {
	return transport.ServeWorker(func(ch transport.Channel) error {
		w := &Worker{
			Model:     replica.Model,
			Optimizer: replica.Optimizer,
			Iterator:  replica.Iterator,
			Backend:   backend,
		}
		return w.Run(ch)
	})
}
