// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/datapar/transport"
	"github.com/gomlx/datapar/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain diverts to the worker loop when this test binary was re-executed
// as a worker replica (see TestUpdaterWorkerProcesses).
func TestMain(m *testing.M) {
	if transport.IsWorkerProcess() {
		backend, err := backends.NewWithConfig("hostgo:devices=2")
		if err == nil {
			err = RunWorkerProcess(backend, Replica{
				Model:     newTestModel(0),
				Optimizer: sgd{lr: 0.1},
				Iterator:  constIterator(2),
			})
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "worker process: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestBackend(t *testing.T, numDevices int) backends.Backend {
	backend, err := backends.NewWithConfig(fmt.Sprintf("hostgo:devices=%d", numDevices))
	require.NoError(t, err)
	t.Cleanup(backend.Finalize)
	return backend
}

// gradValues reads a model's gradient collection back as one flat float32
// slice, in collection order.
func gradValues(t *testing.T, model *testModel) []float32 {
	var values []float32
	for _, name := range model.Gradients().Names() {
		values = append(values, tensors.CopyFlatData[float32](model.Gradients().Get(name))...)
	}
	require.Len(t, values, testModelSize)
	return values
}

func requireParamsEqual(t *testing.T, a, b *testModel) {
	for _, name := range a.Parameters().Names() {
		require.True(t, a.Parameters().Get(name).Equal(b.Parameters().Get(name)),
			"parameter %q diverged between replicas", name)
	}
}

func TestAvailable(t *testing.T) {
	assert.False(t, Available(nil))
	assert.True(t, Available(newTestBackend(t, 1)))
}

func TestNewValidation(t *testing.T) {
	backend := newTestBackend(t, 2)
	replica := func() Replica {
		return Replica{Model: newTestModel(1), Optimizer: sgd{lr: 0.1}, Iterator: constIterator(1)}
	}

	_, err := New(nil, []Replica{replica()}, []backends.DeviceNum{0})
	require.ErrorIs(t, err, backends.ErrNotAvailable)

	_, err = New(backend, []Replica{replica()}, []backends.DeviceNum{0, 1})
	require.Error(t, err) // one replica for two devices

	_, err = New(backend, []Replica{replica()}, []backends.DeviceNum{5})
	require.Error(t, err) // device out of range

	_, err = New(backend, []Replica{{}}, []backends.DeviceNum{0})
	require.Error(t, err) // empty replica
}

func TestUpdaterAveragesGradients(t *testing.T) {
	backend := newTestBackend(t, 4)

	// Replica i contributes a uniform gradient of i+1; the average is 2.5.
	models := make([]*testModel, 4)
	replicas := make([]Replica, 4)
	devices := make([]backends.DeviceNum, 4)
	for ii := range replicas {
		models[ii] = newTestModel(1)
		replicas[ii] = Replica{
			Model:     models[ii],
			Optimizer: sgd{lr: 0.1},
			Iterator:  constIterator(float32(ii + 1)),
		}
		devices[ii] = backends.DeviceNum(ii)
	}
	updater, err := New(backend, replicas, devices)
	require.NoError(t, err)
	require.NoError(t, updater.Update())
	require.NoError(t, updater.Shutdown())

	for ii, model := range models {
		assert.Equal(t, 1, model.calls, "replica %d forward calls", ii)
		for _, g := range gradValues(t, model) {
			assert.InDelta(t, 2.5, g, 1e-6, "replica %d averaged gradient", ii)
		}
		// p = 1 - 0.1*2.5
		p := tensors.CopyFlatData[float32](model.Parameters().Get("dense/w"))
		assert.InDelta(t, 0.75, p[0], 1e-6, "replica %d parameter", ii)
		requireParamsEqual(t, models[0], model)
	}
}

func TestUpdaterEndToEnd(t *testing.T) {
	backend := newTestBackend(t, 2)

	// Two replicas, ten distinct batches each, one pass over the shards.
	const numSteps = 10
	models := make([]*testModel, 2)
	replicas := make([]Replica, 2)
	for r := range replicas {
		batches := make([][]float32, numSteps)
		for b := range batches {
			batch := make([]float32, testModelSize)
			for k := range batch {
				batch[k] = float32(r*1000+b*10+k) * 0.001
			}
			batches[b] = batch
		}
		models[r] = newTestModel(1)
		replicas[r] = Replica{
			Model:     models[r],
			Optimizer: sgd{lr: 0.01},
			Iterator:  &sliceIterator{batches: batches},
		}
	}
	updater, err := New(backend, replicas, []backends.DeviceNum{0, 1})
	require.NoError(t, err)
	for step := 0; step < numSteps; step++ {
		require.NoError(t, updater.Update(), "step %d", step)
	}
	assert.Equal(t, numSteps, updater.Step())
	require.NoError(t, updater.Shutdown())

	// Each replica ran forward exactly once per step, and since every replica
	// applied the same optimizer rule to the same averaged gradient, the
	// parameters are bit-equal.
	assert.Equal(t, numSteps, models[0].calls)
	assert.Equal(t, numSteps, models[1].calls)
	requireParamsEqual(t, models[0], models[1])
}

func TestUpdaterSingleReplica(t *testing.T) {
	backend := newTestBackend(t, 1)

	model := newTestModel(1)
	updater, err := New(backend,
		[]Replica{{Model: model, Optimizer: sgd{lr: 0.1}, Iterator: constIterator(2)}},
		[]backends.DeviceNum{0})
	require.NoError(t, err)
	assert.Equal(t, 1, updater.NumReplicas())

	// With a single replica the "average" is the replica's own gradient.
	require.NoError(t, updater.Update())
	for _, g := range gradValues(t, model) {
		assert.InDelta(t, 2.0, g, 1e-6)
	}
	p := tensors.CopyFlatData[float32](model.Parameters().Get("dense/b"))
	assert.InDelta(t, 0.8, p[0], 1e-6)
	require.NoError(t, updater.Shutdown())
	require.NoError(t, updater.Shutdown()) // idempotent
}

func TestUpdaterReporterRelay(t *testing.T) {
	backend := newTestBackend(t, 2)
	reporter := &recordingReporter{}

	master := newTestModel(1)
	master.extra = map[string]float64{"main/accuracy": 1}
	worker := newTestModel(1)
	updater, err := New(backend,
		[]Replica{
			{Model: master, Optimizer: sgd{lr: 0.1}, Iterator: constIterator(0)},
			{Model: worker, Optimizer: sgd{lr: 0.1}, Iterator: constIterator(2)},
		},
		[]backends.DeviceNum{0, 1},
		WithReporter(reporter))
	require.NoError(t, err)
	require.NoError(t, updater.Update())
	require.NoError(t, updater.Update())
	require.NoError(t, updater.Shutdown())

	for step := 0; step < 2; step++ {
		masterObs := reporter.find(0, step)
		require.NotNil(t, masterObs, "master observations for step %d", step)
		assert.InDelta(t, 0.0, masterObs["main/loss"], 1e-9)
		assert.InDelta(t, 1.0, masterObs["main/accuracy"], 1e-9)

		workerObs := reporter.find(1, step)
		require.NotNil(t, workerObs, "worker observations for step %d", step)
		assert.InDelta(t, 12.0, workerObs["main/loss"], 1e-9) // 6 values of 2.0
	}
}

func TestUpdaterWorkerFailure(t *testing.T) {
	backend := newTestBackend(t, 2)

	updater, err := New(backend,
		[]Replica{
			{Model: newTestModel(1), Optimizer: sgd{lr: 0.1}, Iterator: constIterator(1)},
			{Model: newTestModel(1), Optimizer: sgd{lr: 0.1}, Iterator: &failingIterator{err: errors.New("shard exhausted")}},
		},
		[]backends.DeviceNum{0, 1})
	require.NoError(t, err)

	err = updater.Update()
	var failure *ReplicaFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Replica)
	assert.Equal(t, StageFetchBatch, failure.Stage)
	assert.Contains(t, failure.Error(), "shard exhausted")

	// The run is dead: no retries, no further steps.
	require.Error(t, updater.Update())
	require.NoError(t, updater.Shutdown())
}

func TestUpdaterShapeDrift(t *testing.T) {
	backend := newTestBackend(t, 2)

	// The worker's model declares a different parameter shape: it must fail
	// while adopting the initial parameters, and the master's first step must
	// surface it as that replica's failure.
	drifted := &testModel{
		params: tensors.NewCollection().
			Add("dense/w", tensors.FromFlatDataAndDimensions(make([]float32, 9), 3, 3)).
			Add("dense/b", tensors.FromFlatDataAndDimensions(make([]float32, 2), 2)),
		grads: tensors.NewCollection().
			Add("dense/w", tensors.FromFlatDataAndDimensions(make([]float32, 9), 3, 3)).
			Add("dense/b", tensors.FromFlatDataAndDimensions(make([]float32, 2), 2)),
	}
	updater, err := New(backend,
		[]Replica{
			{Model: newTestModel(1), Optimizer: sgd{lr: 0.1}, Iterator: constIterator(1)},
			{Model: drifted, Optimizer: sgd{lr: 0.1}, Iterator: constIterator(1)},
		},
		[]backends.DeviceNum{0, 1})
	require.NoError(t, err)

	err = updater.Update()
	var failure *ReplicaFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Replica)
	assert.Equal(t, StageInit, failure.Stage)
	assert.Contains(t, failure.Error(), "shape mismatch")
}

func TestUpdaterGatherTimeout(t *testing.T) {
	backend := newTestBackend(t, 2)

	release := make(chan struct{})
	defer close(release)
	updater, err := New(backend,
		[]Replica{
			{Model: newTestModel(1), Optimizer: sgd{lr: 0.1}, Iterator: constIterator(1)},
			{Model: newTestModel(1), Optimizer: sgd{lr: 0.1}, Iterator: &blockingIterator{release: release}},
		},
		[]backends.DeviceNum{0, 1},
		WithGatherTimeout(100*time.Millisecond))
	require.NoError(t, err)

	err = updater.Update()
	var failure *ReplicaFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Replica)
	assert.Equal(t, StageAwaitGradient, failure.Stage)
}

func TestUpdaterShutdownBeforeFirstStep(t *testing.T) {
	backend := newTestBackend(t, 2)
	updater, err := New(backend,
		[]Replica{
			{Model: newTestModel(1), Optimizer: sgd{lr: 0.1}, Iterator: constIterator(1)},
			{Model: newTestModel(1), Optimizer: sgd{lr: 0.1}, Iterator: constIterator(1)},
		},
		[]backends.DeviceNum{0, 1})
	require.NoError(t, err)
	require.NoError(t, updater.Shutdown())
}

func TestUpdaterWorkerProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	backend := newTestBackend(t, 2)
	reporter := &recordingReporter{}

	// The worker re-executes this test binary; TestMain diverts it into
	// RunWorkerProcess with a constIterator(2) shard (see above).
	master := newTestModel(1)
	updater, err := NewWithWorkerProcesses(backend,
		Replica{Model: master, Optimizer: sgd{lr: 0.1}, Iterator: constIterator(0)},
		[]backends.DeviceNum{0, 1},
		os.Args[0], nil,
		WithReporter(reporter))
	require.NoError(t, err)

	// Master contributes 0, the worker 2: the average is 1 every step.
	require.NoError(t, updater.Update())
	require.NoError(t, updater.Update())
	require.NoError(t, updater.Shutdown())

	p := tensors.CopyFlatData[float32](master.Parameters().Get("dense/w"))
	assert.InDelta(t, 0.8, p[0], 1e-6) // 1 - 0.1*1 - 0.1*1

	workerObs := reporter.find(1, 0)
	require.NotNil(t, workerObs)
	assert.InDelta(t, 12.0, workerObs["main/loss"], 1e-9)
}
