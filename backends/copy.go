// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/gomlx/datapar/types/shapes"
	"github.com/pkg/errors"
)

// SizeMismatchError is returned by Copy when the source and destination buffers
// don't hold the exact same number of bytes (or differ in dtype). It indicates a
// model-definition drift between replicas and is always fatal -- a copy never
// silently truncates.
type SizeMismatchError struct {
	Src, Dst shapes.Shape
}

// Error implements the error interface.
func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("buffer copy size mismatch: src=%s (%d bytes), dst=%s (%d bytes)",
		e.Src, e.Src.Memory(), e.Dst, e.Dst.Memory())
}

// Copy copies the contents of the src buffer into the dst buffer, preserving
// byte-for-byte content and dtype.
//
// When the devices holding src and dst support direct peer access, the copy is
// performed device-to-device. Otherwise it is staged through host memory
// (device->host, host->device).
//
// Both buffers must hold the same dtype and the same number of bytes, otherwise
// Copy fails with a SizeMismatchError before any mutation of dst.
func Copy(backend Backend, dst, src Buffer) error {
	srcShape, err := backend.BufferShape(src)
	if err != nil {
		return errors.WithMessage(err, "Copy: querying src buffer shape")
	}
	dstShape, err := backend.BufferShape(dst)
	if err != nil {
		return errors.WithMessage(err, "Copy: querying dst buffer shape")
	}
	if srcShape.DType != dstShape.DType || srcShape.Memory() != dstShape.Memory() {
		return &SizeMismatchError{Src: srcShape, Dst: dstShape}
	}

	srcDev, err := backend.BufferDeviceNum(src)
	if err != nil {
		return errors.WithMessage(err, "Copy: querying src buffer device")
	}
	dstDev, err := backend.BufferDeviceNum(dst)
	if err != nil {
		return errors.WithMessage(err, "Copy: querying dst buffer device")
	}

	if backend.SupportsPeerAccess(srcDev, dstDev) {
		return backend.BufferCopyPeer(dst, src)
	}

	// Stage through host memory.
	staging := make([]byte, srcShape.Memory())
	if err = backend.BufferToBytes(src, staging); err != nil {
		return errors.WithMessagef(err, "Copy: staging device %d -> host", srcDev)
	}
	if err = backend.BufferAssignBytes(dst, staging); err != nil {
		return errors.WithMessagef(err, "Copy: staging host -> device %d", dstDev)
	}
	return nil
}
