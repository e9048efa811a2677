// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// datapar-train trains a small linear-regression model with synchronous
// data-parallel replicas, one per simulated device, on synthetic data. It
// demonstrates both worker topologies: goroutine replicas in one process
// (the default) and worker OS processes re-executing this binary.
//
// Example:
//
//	datapar-train --backend=hostgo:devices=4 --steps=500
//	datapar-train --backend=hostgo:devices=2,peer=off --processes
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/datapar/backends"
	_ "github.com/gomlx/datapar/backends/hostgo"
	"github.com/gomlx/datapar/train/parallel"
	"github.com/gomlx/datapar/transport"
	"github.com/gomlx/datapar/types/shapes"
	"github.com/gomlx/datapar/types/tensors"
	"github.com/gomlx/datapar/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBackend   = flag.String("backend", "hostgo:devices=2", "Backend configuration, as \"<name>:<config>\".")
	flagSteps     = flag.Int("steps", 200, "Number of training steps.")
	flagBatchSize = flag.Int("batch_size", 32, "Examples per replica per step.")
	flagFeatures  = flag.Int("features", 8, "Number of input features of the synthetic regression.")
	flagLR        = flag.Float64("learning_rate", 0.05, "SGD learning rate.")
	flagProcesses = flag.Bool("processes", false, "Run workers as child OS processes instead of goroutines.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if transport.IsWorkerProcess() {
		if err := runWorker(); err != nil {
			klog.Exitf("worker: %+v", err)
		}
		return
	}
	if err := runMaster(); err != nil {
		klog.Exitf("%+v", err)
	}
}

// runWorker serves one worker replica over stdin/stdout: this binary was
// re-executed by the master with the same flags.
func runWorker() error {
	backend, err := backends.NewWithConfig(*flagBackend)
	if err != nil {
		return err
	}
	defer backend.Finalize()
	replicaIdx, err := strconv.Atoi(os.Getenv(transport.WorkerEnvVar))
	if err != nil {
		return errors.Wrapf(err, "parsing %s", transport.WorkerEnvVar)
	}
	return parallel.RunWorkerProcess(backend, newReplica(replicaIdx))
}

func runMaster() error {
	backend, err := backends.NewWithConfig(*flagBackend)
	if err != nil {
		return err
	}
	defer backend.Finalize()
	if !parallel.Available(backend) {
		return errors.Errorf("backend %q has no devices to train on", backend.Name())
	}
	numReplicas := int(backend.NumDevices())
	devices := xslices.Iota(backends.DeviceNum(0), numReplicas)

	master := newReplica(0)
	fmt.Printf("Training y=w·x+b (%d features, %s of parameters) on %d replicas of %q, batch %d per replica\n",
		*flagFeatures, humanize.Bytes(uint64(master.Model.Parameters().Memory())),
		numReplicas, backend.Name(), *flagBatchSize)

	reporter := &lossReporter{}
	opts := []parallel.Option{parallel.WithReporter(reporter)}
	var updater *parallel.Updater
	if *flagProcesses {
		updater = must.M1(parallel.NewWithWorkerProcesses(backend, master, devices, os.Args[0], os.Args[1:], opts...))
	} else {
		replicas := make([]parallel.Replica, numReplicas)
		replicas[0] = master
		for ii := 1; ii < numReplicas; ii++ {
			replicas[ii] = newReplica(ii)
		}
		updater = must.M1(parallel.New(backend, replicas, devices, opts...))
	}
	defer func() { _ = updater.Shutdown() }()

	bar := progressbar.Default(int64(*flagSteps), "training")
	for step := 0; step < *flagSteps; step++ {
		if err := updater.Update(); err != nil {
			return err
		}
		_ = bar.Add(1)
		bar.Describe(fmt.Sprintf("training (loss=%.4f)", reporter.lastMasterLoss))
	}
	must.M(updater.Shutdown())

	model := master.Model.(*linearModel)
	weights := tensors.CopyFlatData[float32](model.params.Get("w"))
	fmt.Printf("Done: %d steps, final master loss %.6f\n", updater.Step(), reporter.lastMasterLoss)
	fmt.Printf("Learned weights (true value is %g for every feature): %v\n", trueWeight, weights)
	return nil
}

// newReplica builds one replica's private model, optimizer and synthetic data
// shard. The shard seed depends on the replica index so shards differ.
func newReplica(replicaIdx int) parallel.Replica {
	return parallel.Replica{
		Model:     newLinearModel(*flagFeatures),
		Optimizer: &sgd{lr: float32(*flagLR)},
		Iterator:  newSyntheticShard(replicaIdx, *flagFeatures, *flagBatchSize),
	}
}

// trueWeight is the ground-truth value of every weight (and of the bias) of
// the synthetic regression the shards sample from.
const trueWeight = float32(0.5)

// regressionBatch is one mini-batch of the synthetic regression problem.
type regressionBatch struct {
	inputs  [][]float32 // [batchSize][numFeatures]
	targets []float32   // [batchSize]
}

// syntheticShard generates i.i.d. regression examples y = Σ trueWeight*x + b
// with additive noise, from a per-replica seed.
type syntheticShard struct {
	rng         *rand.Rand
	numFeatures int
	batchSize   int
}

func newSyntheticShard(replicaIdx, numFeatures, batchSize int) *syntheticShard {
	return &syntheticShard{
		rng:         rand.New(rand.NewSource(int64(42 + replicaIdx))),
		numFeatures: numFeatures,
		batchSize:   batchSize,
	}
}

func (s *syntheticShard) Next() (parallel.Batch, error) {
	batch := &regressionBatch{
		inputs:  make([][]float32, s.batchSize),
		targets: make([]float32, s.batchSize),
	}
	for ii := range batch.inputs {
		x := make([]float32, s.numFeatures)
		y := trueWeight // The bias term.
		for jj := range x {
			x[jj] = float32(s.rng.NormFloat64())
			y += trueWeight * x[jj]
		}
		batch.inputs[ii] = x
		batch.targets[ii] = y + 0.01*float32(s.rng.NormFloat64())
	}
	return batch, nil
}

// linearModel is y = w·x + b with a mean-squared-error loss; the backward
// pass is analytic.
type linearModel struct {
	params *tensors.Collection
	grads  *tensors.Collection

	numFeatures int
}

func newLinearModel(numFeatures int) *linearModel {
	return &linearModel{
		params: tensors.NewCollection().
			Add("w", tensors.FromShape(shapes.Make(dtypes.Float32, numFeatures))).
			Add("b", tensors.FromShape(shapes.Make(dtypes.Float32, 1))),
		grads: tensors.NewCollection().
			Add("w", tensors.FromShape(shapes.Make(dtypes.Float32, numFeatures))).
			Add("b", tensors.FromShape(shapes.Make(dtypes.Float32, 1))),
		numFeatures: numFeatures,
	}
}

func (m *linearModel) Parameters() *tensors.Collection { return m.params }
func (m *linearModel) Gradients() *tensors.Collection  { return m.grads }

func (m *linearModel) Forward(batch parallel.Batch) (float64, error) {
	data, ok := batch.(*regressionBatch)
	if !ok {
		return 0, errors.Errorf("linearModel.Forward: unexpected batch type %T", batch)
	}
	weights := tensors.CopyFlatData[float32](m.params.Get("w"))
	bias := tensors.CopyFlatData[float32](m.params.Get("b"))[0]

	n := float32(len(data.inputs))
	gradW := make([]float32, m.numFeatures)
	var gradB, loss float32
	for ii, x := range data.inputs {
		pred := bias
		for jj, w := range weights {
			pred += w * x[jj]
		}
		residual := pred - data.targets[ii]
		loss += residual * residual / n
		for jj := range gradW {
			gradW[jj] += 2 * residual * x[jj] / n
		}
		gradB += 2 * residual / n
	}
	err := tensors.MutableFlatData[float32](m.grads.Get("w"), func(flat []float32) {
		copy(flat, gradW)
	})
	if err != nil {
		return 0, err
	}
	err = tensors.MutableFlatData[float32](m.grads.Get("b"), func(flat []float32) {
		flat[0] = gradB
	})
	if err != nil {
		return 0, err
	}
	return float64(loss), nil
}

// sgd is plain gradient descent over all parameters: p -= lr * g.
type sgd struct{ lr float32 }

func (s *sgd) Update(model parallel.Model) error {
	params, grads := model.Parameters(), model.Gradients()
	for _, name := range params.Names() {
		g := tensors.CopyFlatData[float32](grads.Get(name))
		err := tensors.MutableFlatData[float32](params.Get(name), func(flat []float32) {
			for ii := range flat {
				flat[ii] -= s.lr * g[ii]
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// lossReporter keeps the master's latest loss for the progress bar and logs
// every replica's observations at verbosity 1.
type lossReporter struct {
	lastMasterLoss float64
}

func (r *lossReporter) Report(replica, step int, observations map[string]float64) {
	if replica == 0 {
		r.lastMasterLoss = observations["main/loss"]
	}
	klog.V(1).Infof("step %d, replica %d: loss=%.6f", step, replica, observations["main/loss"])
}
