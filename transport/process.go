// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"os"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WorkerEnvVar marks a process as a spawned worker replica. The value is the
// worker's replica index (informational; the authoritative assignment comes in
// the InitParams handshake).
const WorkerEnvVar = "DATAPAR_WORKER"

// IsWorkerProcess reports whether this process was spawned as a worker replica
// (see SpawnWorker). Binaries embedding the updater call this early in main
// and divert to ServeWorker when true.
func IsWorkerProcess() bool {
	_, found := os.LookupEnv(WorkerEnvVar)
	return found
}

// Process is a worker replica running as a child OS process, with the pipe
// channel connected to its stdin/stdout.
type Process struct {
	Channel
	cmd *exec.Cmd
}

// SpawnWorker starts the given binary as a worker replica child process. The
// child sees WorkerEnvVar set and must divert to ServeWorker; its stderr is
// inherited so worker logs reach the parent's stderr.
func SpawnWorker(replica int, binary string, args ...string) (*Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), WorkerEnvVar+"="+strconv.Itoa(replica))
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "SpawnWorker(%d): stdin pipe", replica)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "SpawnWorker(%d): stdout pipe", replica)
	}
	if err = cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "SpawnWorker(%d): starting %q", replica, binary)
	}
	klog.V(1).Infof("spawned worker replica %d: %s (pid %d)", replica, binary, cmd.Process.Pid)
	return &Process{
		Channel: NewPipeChannel(stdout, stdin),
		cmd:     cmd,
	}, nil
}

// Join waits for the worker process to exit. Call after sending Shutdown (or
// after a fatal error) so the child is never left behind.
func (p *Process) Join() error {
	err := p.cmd.Wait()
	if err != nil {
		return errors.Wrapf(err, "worker process (pid %d) exited", p.cmd.Process.Pid)
	}
	return nil
}

// ServeWorker runs the given worker loop over a pipe channel connected to this
// process's stdin/stdout. It is meant to be called from main when
// IsWorkerProcess is true; the loop function returns when it receives Shutdown.
func ServeWorker(loop func(Channel) error) error {
	ch := NewPipeChannel(os.Stdin, os.Stdout)
	defer func() { _ = ch.Close() }()
	return loop(ch)
}
