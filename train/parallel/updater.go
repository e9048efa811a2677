// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/datapar/transport"
	"github.com/gomlx/datapar/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type options struct {
	reporter      Reporter
	gatherTimeout time.Duration
	queueLimit    int
}

// Option configures an Updater.
type Option func(*options)

// WithReporter relays every replica's per-step observations ("main/loss" and
// any Observer extras) to r, tagged with the replica index and step.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithGatherTimeout bounds how long the gather barrier waits for any single
// worker's gradient. Zero, the default, waits forever: the barrier is
// all-or-nothing and a hung replica hangs the step rather than training on a
// partial sum. On timeout the run is aborted, never retried.
func WithGatherTimeout(d time.Duration) Option {
	return func(o *options) { o.gatherTimeout = d }
}

// WithQueueLimit overrides the loopback channel outstanding-message limit
// (see transport.DefaultQueueLimit). It has no effect on worker processes,
// whose backpressure comes from the OS pipe buffer.
func WithQueueLimit(n int) Option {
	return func(o *options) { o.queueLimit = n }
}

// Available reports whether synchronous data-parallel training can run on the
// backend: it needs at least one addressable device. Check it before New to
// fall back to single-device training gracefully.
func Available(backend backends.Backend) bool {
	return backend != nil && backend.NumDevices() > 0
}

// Updater is the aggregation coordinator of a synchronous data-parallel run.
// It owns the master replica (device index 0) and one transport channel per
// worker, and drives the per-step protocol from Update.
//
// An Updater is not safe for concurrent use; a training loop calls Update
// from one goroutine and Shutdown when done.
type Updater struct {
	backend backends.Backend
	master  Replica
	device  backends.DeviceNum

	workers []*workerHandle
	opts    options

	session uuid.UUID
	layout  *tensors.Layout

	step        int
	initialized bool
	closed      bool
}

// workerHandle is the master's view of one worker replica.
type workerHandle struct {
	replica int
	device  backends.DeviceNum
	channel transport.Channel
	join    func() error

	// deviceTransfer mirrors Worker.DeviceTransfer: loopback workers exchange
	// gradients as device buffer references.
	deviceTransfer bool
}

func newUpdater(backend backends.Backend, master Replica, devices []backends.DeviceNum, opts []Option) (*Updater, error) {
	if !Available(backend) {
		return nil, errors.WithMessage(backends.ErrNotAvailable,
			"parallel training needs a backend with at least one device")
	}
	if len(devices) == 0 {
		return nil, errors.New("parallel: at least one device is required")
	}
	for _, deviceNum := range devices {
		if deviceNum < 0 || deviceNum >= backend.NumDevices() {
			return nil, errors.Errorf("parallel: device %d out of range, backend %q has %d devices",
				deviceNum, backend.Name(), backend.NumDevices())
		}
	}
	if master.Model == nil || master.Optimizer == nil || master.Iterator == nil {
		return nil, errors.New("parallel: a replica needs a model, an optimizer and an iterator")
	}
	u := &Updater{backend: backend, master: master, device: devices[0]}
	u.opts.queueLimit = transport.DefaultQueueLimit
	for _, opt := range opts {
		opt(&u.opts)
	}
	return u, nil
}

// New creates an updater whose worker replicas run as goroutines in this
// process, one replica per device. replicas[0] is the master and runs on
// devices[0]. Each Replica must hold a private model copy: replicas share no
// tensors, only messages.
func New(backend backends.Backend, replicas []Replica, devices []backends.DeviceNum, opts ...Option) (*Updater, error) {
	if len(replicas) == 0 || len(replicas) != len(devices) {
		return nil, errors.Errorf("parallel.New: %d replicas for %d devices, need exactly one replica per device",
			len(replicas), len(devices))
	}
	u, err := newUpdater(backend, replicas[0], devices, opts)
	if err != nil {
		return nil, err
	}
	for ii, replica := range replicas[1:] {
		if replica.Model == nil || replica.Optimizer == nil || replica.Iterator == nil {
			_ = u.Shutdown()
			return nil, errors.Errorf("parallel.New: replica %d needs a model, an optimizer and an iterator", ii+1)
		}
		worker := &Worker{
			Model:          replica.Model,
			Optimizer:      replica.Optimizer,
			Iterator:       replica.Iterator,
			Backend:        backend,
			DeviceTransfer: true,
		}
		parentCh, workerCh := transport.NewLoopbackPair(u.opts.queueLimit)
		errC := make(chan error, 1)
		go func() { errC <- worker.Run(workerCh) }()
		u.workers = append(u.workers, &workerHandle{
			replica:        ii + 1,
			device:         devices[ii+1],
			channel:        parentCh,
			join:           func() error { return <-errC },
			deviceTransfer: true,
		})
	}
	return u, nil
}

// NewWithWorkerProcesses creates an updater whose worker replicas run as
// child OS processes spawned from binary, one per device beyond the first;
// the master replica runs in this process on devices[0].
//
// binary is typically os.Args[0]: the worker processes re-execute the same
// program, which must divert to RunWorkerProcess when
// transport.IsWorkerProcess reports true.
func NewWithWorkerProcesses(backend backends.Backend, master Replica, devices []backends.DeviceNum,
	binary string, args []string, opts ...Option) (*Updater, error) {
	u, err := newUpdater(backend, master, devices, opts)
	if err != nil {
		return nil, err
	}
	for ii, deviceNum := range devices[1:] {
		process, err := transport.SpawnWorker(ii+1, binary, args...)
		if err != nil {
			_ = u.Shutdown()
			return nil, errors.WithMessagef(err, "parallel: spawning worker replica %d", ii+1)
		}
		u.workers = append(u.workers, &workerHandle{
			replica: ii + 1,
			device:  deviceNum,
			channel: process,
			join:    process.Join,
		})
	}
	return u, nil
}

// NumReplicas returns the total number of replicas, master included.
func (u *Updater) NumReplicas() int { return len(u.workers) + 1 }

// Step returns the number of completed training steps.
func (u *Updater) Step() int { return u.step }

// initialize moves the master model to its device and broadcasts the
// canonical initial parameters, with the layout schema and session id, to
// every worker. Runs once, before the first step.
func (u *Updater) initialize() error {
	if err := u.master.Model.Parameters().ToDevice(u.backend, u.device); err != nil {
		return errors.WithMessage(err, "moving master parameters to device")
	}
	if err := u.master.Model.Gradients().ToDevice(u.backend, u.device); err != nil {
		return errors.WithMessage(err, "moving master gradients to device")
	}
	flat, layout, err := GatherParams(u.master.Model)
	if err != nil {
		return errors.WithMessage(err, "gathering initial parameters")
	}
	u.layout = layout
	u.session = uuid.New()
	for _, w := range u.workers {
		err = w.channel.Send(&transport.Message{
			Tag:     transport.TagInitParams,
			Replica: w.replica,
			Device:  w.device,
			Session: u.session,
			Layout:  layout,
			Payload: transport.HostPayload(flat),
		})
		if err != nil {
			return u.abort(&ReplicaFailureError{Replica: w.replica, Stage: StageInit, Err: err})
		}
	}
	klog.V(1).Infof("session %s: broadcast %s of initial parameters (%d tensors) to %d workers",
		u.session, humanize.Bytes(uint64(layout.TotalBytes)), len(layout.Entries), len(u.workers))
	u.initialized = true
	return nil
}

// Update runs one synchronous training step across all replicas: dispatch
// batch orders, run the master's own forward/backward concurrently with the
// workers', gather every replica's gradient, average, scatter the average
// back and let every replica's optimizer apply it.
//
// The first call also broadcasts the master's initial parameters to all
// workers, so replicas start from identical state.
//
// On any error the whole run is torn down and the error returned; a failed
// updater never retries and accepts no further Update calls.
func (u *Updater) Update() error {
	if u.closed {
		return errors.New("parallel: updater is shut down")
	}
	if !u.initialized {
		if err := u.initialize(); err != nil {
			return err
		}
	}
	step := u.step

	for _, w := range u.workers {
		err := w.channel.Send(&transport.Message{
			Tag:     transport.TagBatch,
			Step:    step,
			Replica: w.replica,
			Session: u.session,
		})
		if err != nil {
			return u.abort(&ReplicaFailureError{Replica: w.replica, Stage: StageProtocol,
				Err: errors.WithMessage(err, "dispatching batch order")})
		}
	}

	// The master's own forward/backward runs while the workers compute theirs.
	batch, err := u.master.Iterator.Next()
	if err != nil {
		return u.abort(&ReplicaFailureError{Replica: 0, Stage: StageFetchBatch, Err: err})
	}
	loss, err := u.master.Model.Forward(batch)
	if err != nil {
		return u.abort(&ReplicaFailureError{Replica: 0, Stage: StageForward, Err: err})
	}
	localFlat, _, err := GatherGrads(u.master.Model)
	if err != nil {
		return u.abort(&ReplicaFailureError{Replica: 0, Stage: StageGather, Err: err})
	}

	// Gather barrier. The sum is accumulated in fixed device-index order,
	// master (device index 0) first, so it is bit-reproducible run to run.
	sum := make([]byte, u.layout.TotalBytes)
	if err = tensors.AccumulateFlat(sum, localFlat, u.layout); err != nil {
		return u.abort(&ReplicaFailureError{Replica: 0, Stage: StageGather, Err: err})
	}
	for _, w := range u.workers {
		msg, err := u.recv(w)
		if err != nil {
			return u.abort(&ReplicaFailureError{Replica: w.replica, Stage: StageAwaitGradient, Err: err})
		}
		if msg.Tag == transport.TagFailure {
			return u.abort(&ReplicaFailureError{Replica: msg.Replica, Stage: Stage(msg.Stage),
				Err: errors.New(msg.Error)})
		}
		if msg.Tag != transport.TagGradient || msg.Step != step || msg.Session != u.session {
			return u.abort(&ReplicaFailureError{Replica: w.replica, Stage: StageProtocol,
				Err: errors.Errorf("expected gradient for step %d, got %s for step %d", step, msg.Tag, msg.Step)})
		}
		flat, err := payloadToHost(u.backend, u.device, u.layout.TotalBytes, msg.Payload)
		if err != nil {
			return u.abort(&ReplicaFailureError{Replica: w.replica, Stage: StageAwaitGradient, Err: err})
		}
		if err = tensors.AccumulateFlat(sum, flat, u.layout); err != nil {
			return u.abort(&ReplicaFailureError{Replica: w.replica, Stage: StageAwaitGradient, Err: err})
		}
		u.report(w.replica, step, msg.Observations)
	}
	if err = tensors.ScaleFlat(sum, u.layout, 1/float64(u.NumReplicas())); err != nil {
		return u.abort(&ReplicaFailureError{Replica: 0, Stage: StageGather, Err: err})
	}

	// Scatter the average and update, workers first, then the master itself.
	for _, w := range u.workers {
		payload, err := hostToPayload(u.backend, u.device, sum, w.deviceTransfer)
		if err != nil {
			return u.abort(&ReplicaFailureError{Replica: w.replica, Stage: StageScatter, Err: err})
		}
		err = w.channel.Send(&transport.Message{
			Tag:     transport.TagAggregate,
			Step:    step,
			Replica: w.replica,
			Session: u.session,
			Payload: payload,
		})
		if err != nil {
			return u.abort(&ReplicaFailureError{Replica: w.replica, Stage: StageScatter,
				Err: errors.WithMessage(err, "sending averaged gradient")})
		}
	}
	if err = ScatterGrads(u.master.Model, sum, u.layout); err != nil {
		return u.abort(&ReplicaFailureError{Replica: 0, Stage: StageScatter, Err: err})
	}
	if err = u.master.Optimizer.Update(u.master.Model); err != nil {
		return u.abort(&ReplicaFailureError{Replica: 0, Stage: StageOptimizer, Err: err})
	}

	observations := map[string]float64{"main/loss": loss}
	if observer, ok := u.master.Model.(Observer); ok {
		for name, value := range observer.Observations() {
			observations[name] = value
		}
	}
	u.report(0, step, observations)

	u.step++
	klog.V(2).Infof("session %s: step %d done across %d replicas, master loss %g",
		u.session, step, u.NumReplicas(), loss)
	return nil
}

// recv waits for the next message from a worker, bounded by the gather
// timeout when one is set.
func (u *Updater) recv(w *workerHandle) (*transport.Message, error) {
	if u.opts.gatherTimeout <= 0 {
		return w.channel.Recv()
	}
	type result struct {
		msg *transport.Message
		err error
	}
	resultC := make(chan result, 1)
	go func() {
		msg, err := w.channel.Recv()
		resultC <- result{msg, err}
	}()
	timer := time.NewTimer(u.opts.gatherTimeout)
	defer timer.Stop()
	select {
	case r := <-resultC:
		return r.msg, r.err
	case <-timer.C:
		return nil, errors.Errorf("no message from worker replica %d after %s", w.replica, u.opts.gatherTimeout)
	}
}

func (u *Updater) report(replica, step int, observations map[string]float64) {
	if u.opts.reporter == nil || len(observations) == 0 {
		return
	}
	u.opts.reporter.Report(replica, step, observations)
}

// abort tears the run down after a fatal step failure and returns the cause.
// Workers are released by closing their channels; joins are asynchronous
// since a failed run may hold a wedged replica.
func (u *Updater) abort(cause error) error {
	klog.Errorf("aborting parallel training run: %v", cause)
	u.closed = true
	for _, w := range u.workers {
		_ = w.channel.Close()
	}
	for _, w := range u.workers {
		w := w
		go func() {
			if err := w.join(); err != nil {
				klog.Warningf("worker replica %d: %v", w.replica, err)
			}
		}()
	}
	return cause
}

// Shutdown orders every worker to exit, waits for them and releases the
// channels. It is idempotent, and a no-op after a failed Update (the abort
// already tore the run down).
func (u *Updater) Shutdown() error {
	if u.closed {
		return nil
	}
	u.closed = true
	for _, w := range u.workers {
		err := w.channel.Send(&transport.Message{Tag: transport.TagShutdown, Session: u.session})
		if err != nil && !errors.Is(err, transport.ErrChannelClosed) {
			klog.Warningf("worker replica %d: sending shutdown: %v", w.replica, err)
		}
	}
	var firstErr error
	for _, w := range u.workers {
		if err := w.join(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "worker replica %d", w.replica)
		}
	}
	for _, w := range u.workers {
		_ = w.channel.Close()
	}
	return firstErr
}
