// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostgo implements a pure Go backend that simulates a host with N
// accelerator devices, each with its own isolated memory space.
//
// It is the reference backend used by tests and the demo trainer: buffers
// allocated on different simulated devices never share memory, and the
// peer-access topology is configurable, so both the direct device-to-device and
// the host-staged paths of backends.Copy are exercised.
//
// Configuration string (see backends.NewWithConfig): a comma-separated list of
// `devices=<n>` and `peer=<on|off>`. E.g.: "hostgo:devices=4,peer=off".
// The default is 1 device with peer access enabled.
package hostgo

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gomlx/datapar/backends"
	"github.com/pkg/errors"
)

// BackendName is the name under which this backend registers itself.
const BackendName = "hostgo"

// New creates a hostgo Backend from the given configuration string.
func New(config string) (backends.Backend, error) {
	b := &Backend{numDevices: 1, peerAccess: true}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("hostgo: invalid configuration entry %q in %q", part, config)
		}
		switch key {
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, errors.Errorf("hostgo: invalid number of devices %q in %q", value, config)
			}
			b.numDevices = backends.DeviceNum(n)
		case "peer":
			switch value {
			case "on":
				b.peerAccess = true
			case "off":
				b.peerAccess = false
			default:
				return nil, errors.Errorf("hostgo: invalid peer access value %q in %q (use on/off)", value, config)
			}
		default:
			return nil, errors.Errorf("hostgo: unknown configuration key %q in %q", key, config)
		}
	}
	return b, nil
}

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend simulating numDevices isolated device memories.
type Backend struct {
	numDevices backends.DeviceNum
	peerAccess bool
	finalized  atomic.Bool
}

// Compile-time check:
var _ backends.Backend = (*Backend)(nil)

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("hostgo: pure Go simulated accelerators (%d devices, peer access %v)",
		b.numDevices, b.peerAccess)
}

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() backends.DeviceNum { return b.numDevices }

// SupportsPeerAccess implements backends.Backend. A device always has "peer"
// access to itself; access across distinct devices is configurable.
func (b *Backend) SupportsPeerAccess(src, dst backends.DeviceNum) bool {
	if src == dst {
		return true
	}
	return b.peerAccess
}

// Finalize implements backends.Backend. Any buffer use afterwards fails.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
}

func (b *Backend) checkValid() error {
	if b.finalized.Load() {
		return errors.New("hostgo: backend already finalized")
	}
	return nil
}

func (b *Backend) checkDevice(deviceNum backends.DeviceNum) error {
	if err := b.checkValid(); err != nil {
		return err
	}
	if deviceNum < 0 || deviceNum >= b.numDevices {
		return errors.Errorf("hostgo: invalid deviceNum %d, backend has %d devices", deviceNum, b.numDevices)
	}
	return nil
}
