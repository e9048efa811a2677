// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Collection is an ordered mapping from a stable tensor name to a Tensor --
// typically the parameters or the gradients of a model.
//
// The insertion order is the model's declared parameter order, and it is part
// of the replica-consistency contract: the ordered name sequence, and every
// shape and dtype, must be identical across all replicas at all times -- it is
// what aligns the flatten/unflatten round trip between processes. Layout
// validation (see Layout.Validate) turns any drift into an explicit
// ShapeMismatchError instead of silent corruption.
//
// Collection is not safe for concurrent mutation; in the updater each
// collection is owned and mutated by exactly one replica.
type Collection struct {
	names   []string
	tensors map[string]*Tensor
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{tensors: make(map[string]*Tensor)}
}

// Add appends the named tensor at the end of the collection order.
// It panics if the name was already added, or the tensor is invalid.
func (c *Collection) Add(name string, t *Tensor) *Collection {
	t.AssertValid()
	if _, found := c.tensors[name]; found {
		exceptions.Panicf("Collection.Add(%q): name already present", name)
	}
	c.names = append(c.names, name)
	c.tensors[name] = t
	return c
}

// Get returns the tensor registered under name, or nil if absent.
func (c *Collection) Get(name string) *Tensor {
	return c.tensors[name]
}

// Len returns the number of tensors in the collection.
func (c *Collection) Len() int { return len(c.names) }

// Names returns the ordered name sequence. The returned slice is owned by the
// collection and must not be modified.
func (c *Collection) Names() []string { return c.names }

// Memory returns the total number of bytes held by all tensors, without any
// layout alignment padding.
func (c *Collection) Memory() (total uintptr) {
	for _, name := range c.names {
		total += c.tensors[name].Memory()
	}
	return
}

// ToDevice moves every tensor of the collection to the given device.
func (c *Collection) ToDevice(backend backends.Backend, deviceNum backends.DeviceNum) error {
	for _, name := range c.names {
		if err := c.tensors[name].ToDevice(backend, deviceNum); err != nil {
			return errors.WithMessagef(err, "Collection.ToDevice(%d): tensor %q", deviceNum, name)
		}
	}
	return nil
}

// DevicePlacement returns the common placement of all tensors of the
// collection. It returns an error if the collection is empty or if the tensors
// are split between host and devices -- a replica's parameters and gradients
// always live together.
func (c *Collection) DevicePlacement() (Placement, error) {
	if c.Len() == 0 {
		return Placement{}, errors.New("Collection.DevicePlacement: empty collection")
	}
	placement := c.tensors[c.names[0]].Placement()
	for _, name := range c.names[1:] {
		if p := c.tensors[name].Placement(); p != placement {
			return Placement{}, errors.Errorf(
				"Collection.DevicePlacement: tensor %q is on %s while %q is on %s",
				name, p, c.names[0], placement)
		}
	}
	return placement, nil
}

// Clone returns a deep, host-resident copy of the collection, preserving order.
func (c *Collection) Clone() *Collection {
	clone := NewCollection()
	for _, name := range c.names {
		clone.Add(name, c.tensors[name].Clone())
	}
	return clone
}

// FinalizeAll frees all tensors of the collection.
func (c *Collection) FinalizeAll() {
	for _, name := range c.names {
		c.tensors[name].FinalizeAll()
	}
	c.names = nil
	c.tensors = map[string]*Tensor{}
}
