// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import "fmt"

// Stage names a phase of the per-step protocol, for failure reporting.
type Stage string

const (
	StageInit           Stage = "init"
	StageFetchBatch     Stage = "fetch-batch"
	StageForward        Stage = "forward-backward"
	StageGather         Stage = "gather-gradients"
	StageAwaitGradient  Stage = "await-gradient"
	StageAwaitAggregate Stage = "await-aggregate"
	StageScatter        Stage = "scatter-gradients"
	StageOptimizer      Stage = "optimizer-update"
	StageProtocol       Stage = "protocol"
)

// ReplicaFailureError identifies which replica failed a training step and at
// which stage of the step protocol. Replica 0 is the master. Any replica
// failure is fatal to the whole run: the updater tears everything down and
// never retries the step.
type ReplicaFailureError struct {
	Replica int
	Stage   Stage
	Err     error
}

// Error implements the error interface.
func (e *ReplicaFailureError) Error() string {
	return fmt.Sprintf("replica %d failed at stage %q: %v", e.Replica, e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ReplicaFailureError) Unwrap() error { return e.Err }
