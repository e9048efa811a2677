// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/datapar/types/tensors"
	"github.com/pkg/errors"
)

// GatherGrads flattens the model's gradient collection into one contiguous
// host buffer, in the collection's deterministic order, and returns it with
// its layout. The model must be device-resident; calling it on a
// host-resident model fails with backends.ErrNotAvailable.
func GatherGrads(model Model) ([]byte, *tensors.Layout, error) {
	return gatherCollection(model.Gradients(), "gradients")
}

// GatherParams is GatherGrads for the model's parameter collection. The
// master uses it once to broadcast the canonical initial parameters.
func GatherParams(model Model) ([]byte, *tensors.Layout, error) {
	return gatherCollection(model.Parameters(), "parameters")
}

// ScatterGrads overwrites the model's gradient collection in place from the
// flat buffer, after validating the collection against the layout schema.
// On a tensors.ShapeMismatchError no gradient is mutated.
func ScatterGrads(model Model, flat []byte, layout *tensors.Layout) error {
	return scatterCollection(model.Gradients(), flat, layout, "gradients")
}

// ScatterParams is ScatterGrads for the model's parameter collection. Workers
// use it once to adopt the master's initial parameters.
func ScatterParams(model Model, flat []byte, layout *tensors.Layout) error {
	return scatterCollection(model.Parameters(), flat, layout, "parameters")
}

func gatherCollection(c *tensors.Collection, what string) ([]byte, *tensors.Layout, error) {
	if err := requireDeviceResident(c, what); err != nil {
		return nil, nil, err
	}
	flat, layout, err := tensors.Flatten(c)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "gathering %s", what)
	}
	return flat, layout, nil
}

func scatterCollection(c *tensors.Collection, flat []byte, layout *tensors.Layout, what string) error {
	if err := requireDeviceResident(c, what); err != nil {
		return err
	}
	return errors.WithMessagef(tensors.Unflatten(flat, layout, c), "scattering %s", what)
}

func requireDeviceResident(c *tensors.Collection, what string) error {
	placement, err := c.DevicePlacement()
	if err != nil {
		return errors.WithMessagef(err, "checking %s placement", what)
	}
	if !placement.OnDevice {
		return errors.WithMessagef(backends.ErrNotAvailable,
			"%s are host-resident, move the model to a device first", what)
	}
	return nil
}
