// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/datapar/types/shapes"

// Buffer represents actual data (a flat tensor) stored in a device memory space.
// A Buffer is always associated to a DeviceNum, even if there is only one device.
//
// It is opaque from datapar's perspective; only the backend methods interpret it.
type Buffer any

// DataInterface is the Backend's sub-interface that defines the API to transfer
// buffers to/from devices.
type DataInterface interface {
	// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
	// freed immediately -- as opposed to waiting for a GC.
	//
	// A finalized buffer should never be used again. Preferably, the caller should set its references to it to nil.
	BufferFinalize(buffer Buffer) error

	// BufferShape returns the shape for the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferDeviceNum returns the deviceNum holding the buffer.
	BufferDeviceNum(buffer Buffer) (DeviceNum, error)

	// NewBuffer allocates a zero-initialized buffer of the given shape on the device.
	NewBuffer(deviceNum DeviceNum, shape shapes.Shape) (Buffer, error)

	// BufferFromFlatData transfers data from Go given as a flat slice (of the type corresponding to the shape DType)
	// to the deviceNum, and returns the corresponding Buffer.
	BufferFromFlatData(deviceNum DeviceNum, flat any, shape shapes.Shape) (Buffer, error)

	// BufferToFlatData transfers the flat values of buffer to the Go flat slice.
	// The slice flat must have the exact number of elements required to store the Buffer shape.
	//
	// See also BufferFromFlatData, BufferShape, and shapes.Shape.Size.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferFromBytes transfers raw bytes (host memory) to the device, and returns the corresponding Buffer.
	// len(data) must match shape.Memory().
	BufferFromBytes(deviceNum DeviceNum, data []byte, shape shapes.Shape) (Buffer, error)

	// BufferToBytes transfers the buffer contents (device memory) to data (host memory), byte-for-byte.
	// len(data) must match the buffer shape's Memory().
	BufferToBytes(buffer Buffer, data []byte) error

	// BufferAssignBytes overwrites the contents of an existing buffer with the raw bytes given.
	// len(data) must match the buffer shape's Memory().
	BufferAssignBytes(buffer Buffer, data []byte) error

	// BufferCopyPeer performs a direct device-to-device copy from src into dst,
	// without staging through host memory. It is only valid when
	// SupportsPeerAccess(srcDev, dstDev) is true; behavior is undefined otherwise.
	BufferCopyPeer(dst, src Buffer) error
}
