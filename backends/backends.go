// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface an accelerator backend needs to
// implement to hold replica parameters and gradients on device, and to move
// flat buffers between devices for the data-parallel updater.
//
// A backend exposes a set of devices (accelerators) identified by a DeviceNum,
// buffer allocation/transfer primitives (DataInterface), and a peer-access
// topology used by Copy to decide between a direct device-to-device copy and a
// host-staged one.
//
// Backends are registered at init time (see Register) and selected via the
// DATAPAR_BACKEND environment variable or the DefaultConfig package variable.
package backends

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DeviceNum identifies which device holds a buffer, or where a replica runs.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// ErrNotAvailable is returned when no usable backend/accelerator is present.
// It is always raised at construction time, never mid-run.
var ErrNotAvailable = errors.New("no usable accelerator backend available")

// Backend is the API that needs to be implemented by a datapar backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "hostgo" for the pure Go reference backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this Backend.
	NumDevices() DeviceNum

	// SupportsPeerAccess returns whether a buffer can be copied directly from
	// src to dst without staging through host memory.
	SupportsPeerAccess(src, dst DeviceNum) bool

	// DataInterface is the sub-interface that defines the API to transfer buffers to/from devices.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if the environment variable is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "hostgo") and
// "<backend_configuration>" is backend specific.
const ConfigEnvVar = "DATAPAR_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment DATAPAR_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It returns ErrNotAvailable if no backend was registered: the caller is
// expected to fail fast, never to degrade to a different execution mode
// silently.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "hostgo") and
// "<backend_configuration>" is backend specific (e.g.: for hostgo, the number of
// simulated devices).
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.WithMessage(ErrNotAvailable,
			`no registered backends -- maybe import the default one with import _ "github.com/gomlx/datapar/backends/hostgo"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Wrapf(ErrNotAvailable, "can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
