// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

// Elementwise arithmetic over flat transfer buffers, used by the gradient
// aggregation: the coordinator accumulates the workers' buffers in a fixed
// order and scales the sum by 1/replicaCount.
//
// Float16/BFloat16 arithmetic converts through float32, matching what
// accelerators do for half-precision accumulation.

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// AccumulateFlat adds src into dst elementwise (dst += src), interpreting both
// buffers with the given layout. Both must have exactly layout.TotalBytes.
//
// Only floating point dtypes can be accumulated: gradients are floats.
func AccumulateFlat(dst, src []byte, layout *Layout) error {
	if len(dst) != layout.TotalBytes || len(src) != layout.TotalBytes {
		return errors.Errorf("AccumulateFlat: buffers have %d and %d bytes, layout requires %d",
			len(dst), len(src), layout.TotalBytes)
	}
	for _, entry := range layout.Entries {
		if err := accumulateEntry(dst, src, entry); err != nil {
			return err
		}
	}
	return nil
}

// ScaleFlat multiplies every element of the flat buffer by factor, in place.
func ScaleFlat(flat []byte, layout *Layout, factor float64) error {
	if len(flat) != layout.TotalBytes {
		return errors.Errorf("ScaleFlat: buffer has %d bytes, layout requires %d", len(flat), layout.TotalBytes)
	}
	for _, entry := range layout.Entries {
		if err := scaleEntry(flat, entry, factor); err != nil {
			return err
		}
	}
	return nil
}

// entryView reinterprets the entry's slice of the flat buffer as a []T.
// Layout offsets are aligned to the dtype element size, so this is safe.
func entryView[T any](flat []byte, entry LayoutEntry) []T {
	size := entry.Shape.Size()
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&flat[entry.Offset])), size)
}

func accumulateEntry(dst, src []byte, entry LayoutEntry) error {
	switch entry.Shape.DType {
	case dtypes.Float64:
		d, s := entryView[float64](dst, entry), entryView[float64](src, entry)
		for ii := range d {
			d[ii] += s[ii]
		}
	case dtypes.Float32:
		d, s := entryView[float32](dst, entry), entryView[float32](src, entry)
		for ii := range d {
			d[ii] += s[ii]
		}
	case dtypes.Float16:
		d, s := entryView[float16.Float16](dst, entry), entryView[float16.Float16](src, entry)
		for ii := range d {
			d[ii] = float16.Fromfloat32(d[ii].Float32() + s[ii].Float32())
		}
	case dtypes.BFloat16:
		d, s := entryView[bfloat16.BFloat16](dst, entry), entryView[bfloat16.BFloat16](src, entry)
		for ii := range d {
			d[ii] = bfloat16.FromFloat32(d[ii].Float32() + s[ii].Float32())
		}
	default:
		return unsupportedDTypeError("AccumulateFlat", entry)
	}
	return nil
}

func scaleEntry(flat []byte, entry LayoutEntry, factor float64) error {
	switch entry.Shape.DType {
	case dtypes.Float64:
		d := entryView[float64](flat, entry)
		for ii := range d {
			d[ii] *= factor
		}
	case dtypes.Float32:
		d := entryView[float32](flat, entry)
		f := float32(factor)
		for ii := range d {
			d[ii] *= f
		}
	case dtypes.Float16:
		d := entryView[float16.Float16](flat, entry)
		f := float32(factor)
		for ii := range d {
			d[ii] = float16.Fromfloat32(d[ii].Float32() * f)
		}
	case dtypes.BFloat16:
		d := entryView[bfloat16.BFloat16](flat, entry)
		f := float32(factor)
		for ii := range d {
			d[ii] = bfloat16.FromFloat32(d[ii].Float32() * f)
		}
	default:
		return unsupportedDTypeError("ScaleFlat", entry)
	}
	return nil
}

func unsupportedDTypeError(op string, entry LayoutEntry) error {
	return errors.Errorf("%s: tensor %q has dtype %s, gradient aggregation only supports float dtypes",
		op, entry.Name, entry.Shape.DType)
}
