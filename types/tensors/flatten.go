// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/datapar/types/shapes"
	"github.com/pkg/errors"
)

// LayoutVersion is the current schema version carried by Layout. Bump it when
// the packing rules change; replicas refuse to talk across versions.
const LayoutVersion = 1

// LayoutEntry describes the slice of a flat buffer holding one named tensor.
type LayoutEntry struct {
	Name   string
	Shape  shapes.Shape
	Offset int // byte offset into the flat buffer.
}

// Layout is the explicit, versioned schema describing how a Collection is
// packed into a flat buffer: the ordered (name, shape, offset) sequence plus
// the total buffer size in bytes.
//
// It is derived from the master's collection once at startup, exchanged with
// every worker, and validated before every flatten/unflatten -- so a
// model-definition drift between replicas fails with a ShapeMismatchError
// instead of corrupting parameters silently.
//
// Each entry's offset is aligned to its dtype's element size, so flat buffer
// slices can be reinterpreted as typed slices in place; any padding bytes are
// zero.
type Layout struct {
	Version    int
	Entries    []LayoutEntry
	TotalBytes int
}

// ShapeMismatchError reports a flatten/unflatten contract violation: a
// collection whose ordered names, shapes or dtypes don't match the layout
// schema. It indicates a model-definition drift between replicas and is always
// fatal -- it is never retried, and the target collection is never partially
// mutated.
type ShapeMismatchError struct {
	Name      string
	Want, Got shapes.Shape
	Reason    string
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	var b strings.Builder
	b.WriteString("shape mismatch against layout schema")
	if e.Name != "" {
		fmt.Fprintf(&b, " for tensor %q", e.Name)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Want.Ok() || e.Got.Ok() {
		fmt.Fprintf(&b, " (want %s, got %s)", e.Want, e.Got)
	}
	return b.String()
}

// LayoutOf derives the Layout of the given collection, visiting the tensors in
// the collection's deterministic insertion order -- the model's declared
// parameter order. No tensor is skipped.
func LayoutOf(c *Collection) *Layout {
	layout := &Layout{Version: LayoutVersion}
	offset := 0
	for _, name := range c.Names() {
		t := c.Get(name)
		shape := t.Shape()
		offset = alignUp(offset, int(shape.DType.Memory()))
		layout.Entries = append(layout.Entries, LayoutEntry{
			Name:   name,
			Shape:  shape.Clone(),
			Offset: offset,
		})
		offset += int(shape.Memory())
	}
	layout.TotalBytes = offset
	return layout
}

// Equal compares two layouts entry by entry.
func (l *Layout) Equal(other *Layout) bool {
	if l.Version != other.Version || l.TotalBytes != other.TotalBytes || len(l.Entries) != len(other.Entries) {
		return false
	}
	for ii, e := range l.Entries {
		o := other.Entries[ii]
		if e.Name != o.Name || e.Offset != o.Offset || !e.Shape.Equal(o.Shape) {
			return false
		}
	}
	return true
}

// Validate checks the collection against the layout schema: same number of
// tensors, same ordered name sequence, and for each name the exact same shape
// and dtype. Any difference is returned as a ShapeMismatchError.
func (l *Layout) Validate(c *Collection) error {
	if l.Version != LayoutVersion {
		return &ShapeMismatchError{Reason: fmt.Sprintf("layout schema version %d, this build speaks %d", l.Version, LayoutVersion)}
	}
	names := c.Names()
	if len(names) != len(l.Entries) {
		return &ShapeMismatchError{Reason: fmt.Sprintf("layout has %d tensors, collection has %d", len(l.Entries), len(names))}
	}
	for ii, entry := range l.Entries {
		if names[ii] != entry.Name {
			return &ShapeMismatchError{
				Name:   entry.Name,
				Reason: fmt.Sprintf("tensor order diverged at position %d: layout has %q, collection has %q", ii, entry.Name, names[ii]),
			}
		}
		t := c.Get(entry.Name)
		if t == nil {
			return &ShapeMismatchError{Name: entry.Name, Want: entry.Shape, Reason: "missing from collection"}
		}
		if !t.Shape().Equal(entry.Shape) {
			return &ShapeMismatchError{Name: entry.Name, Want: entry.Shape, Got: t.Shape()}
		}
	}
	return nil
}

// Flatten packs the collection into one contiguous buffer, visiting tensors in
// the collection's deterministic order, and returns the buffer with its Layout.
//
// It has no side effects beyond allocating the returned buffer and layout;
// device-resident tensors are read through their backend.
func Flatten(c *Collection) ([]byte, *Layout, error) {
	layout := LayoutOf(c)
	flat := make([]byte, layout.TotalBytes)
	for _, entry := range layout.Entries {
		t := c.Get(entry.Name)
		if err := t.Bytes(flat[entry.Offset : entry.Offset+int(entry.Shape.Memory())]); err != nil {
			return nil, nil, errors.WithMessagef(err, "Flatten: reading tensor %q", entry.Name)
		}
	}
	return flat, layout, nil
}

// Unflatten copies the slices of the flat buffer back into the matching
// entries of target, in place.
//
// The target collection must match the layout schema exactly (see
// Layout.Validate); on a ShapeMismatchError no entry of target is mutated.
func Unflatten(flat []byte, layout *Layout, target *Collection) error {
	if err := layout.Validate(target); err != nil {
		return err
	}
	if len(flat) != layout.TotalBytes {
		return &ShapeMismatchError{Reason: fmt.Sprintf("flat buffer has %d bytes, layout requires %d", len(flat), layout.TotalBytes)}
	}
	for _, entry := range layout.Entries {
		t := target.Get(entry.Name)
		if err := t.AssignBytes(flat[entry.Offset : entry.Offset+int(entry.Shape.Memory())]); err != nil {
			return errors.WithMessagef(err, "Unflatten: writing tensor %q", entry.Name)
		}
	}
	return nil
}

// alignUp rounds x up to the next multiple of a (a power of two).
func alignUp(x, a int) int {
	return (x + a - 1) &^ (a - 1)
}
