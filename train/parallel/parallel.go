// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package parallel implements synchronous data-parallel training across the
// devices of one machine: a master replica plus N-1 worker replicas, each
// holding a private copy of the model on its own device.
//
// Every step the master orders all workers to process a batch, runs its own
// forward/backward, gathers every replica's flattened gradient, sums them in
// fixed device order, scales the sum by 1/N and scatters the average back.
// After the step every replica applies the same optimizer rule to identical
// parameters and an identical gradient, so parameters stay bit-equal across
// replicas for the whole run.
//
// Workers run either as goroutines in this process (New) or as child OS
// processes re-executed from the same binary (NewWithWorkerProcesses on the
// master side, RunWorkerProcess on the worker side).
//
// There are no retries anywhere: any replica failure, shape drift or channel
// breakage is fatal to the whole training run.
package parallel

import (
	"github.com/gomlx/datapar/types/tensors"
)

// Batch is one opaque mini-batch of examples, produced by an Iterator and
// consumed by a Model. Batches never cross replica boundaries: each replica
// draws from its own private iterator shard.
type Batch any

// Model is one replica's trainable network: its named parameters, the
// matching gradient collection, and a combined forward/backward pass.
//
// All replicas must declare the exact same ordered parameter names, shapes
// and dtypes. Any drift between replicas is caught by layout validation and
// fails the run with a tensors.ShapeMismatchError.
type Model interface {
	// Parameters returns the model's named parameter collection. The updater
	// (or the worker loop) moves it to the replica's device before the first
	// step; it must not be shared with any other replica.
	Parameters() *tensors.Collection

	// Gradients returns the collection accumulating the parameters' gradients,
	// with the same ordered names, shapes and dtypes as Parameters.
	Gradients() *tensors.Collection

	// Forward runs the forward pass on batch and backpropagates into the
	// gradient collection, returning the batch loss. Any error is fatal to
	// the whole run.
	Forward(batch Batch) (loss float64, err error)
}

// Observer is optionally implemented by models that report named observations
// beyond the loss. They are relayed to the updater's Reporter every step,
// alongside "main/loss".
type Observer interface {
	Observations() map[string]float64
}

// Iterator produces the mini-batches of one replica's private data shard.
type Iterator interface {
	// Next returns the next batch. Epoch wraparound is the iterator's
	// business; returning an error aborts the run.
	Next() (Batch, error)
}

// Optimizer applies an update rule to a model's parameters from its gradient
// collection. Each replica runs its own optimizer instance; since every
// instance sees identical parameters and the identical averaged gradient,
// replicas stay in lockstep without exchanging optimizer state.
type Optimizer interface {
	Update(model Model) error
}

// Reporter receives the per-step observations of every replica, relayed
// through the master. Replica 0 is the master itself.
type Reporter interface {
	Report(replica int, step int, observations map[string]float64)
}

// Replica bundles what one replica runs with: its private model copy, its own
// optimizer instance and its private iterator shard.
type Replica struct {
	Model     Model
	Optimizer Optimizer
	Iterator  Iterator
}
