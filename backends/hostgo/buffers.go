// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostgo

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/datapar/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for the hostgo backend holds a shape, the simulated device that owns
// it, and its flat data.
//
// The flat data is always owned by the buffer: transfers in and out always
// copy, the same way a real accelerator buffer would behave.
type Buffer struct {
	shape     shapes.Shape
	deviceNum backends.DeviceNum
	valid     bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// castBuffer converts the opaque backends.Buffer and checks it is valid.
func (b *Backend) castBuffer(buffer backends.Buffer) (*Buffer, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	buf, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("hostgo: buffer %T is not a hostgo buffer", buffer)
	}
	if buf == nil || !buf.valid {
		return nil, errors.New("hostgo: buffer already finalized (or nil)")
	}
	return buf, nil
}

// bytes returns a view of the buffer's flat data as raw bytes.
func (buf *Buffer) bytes() []byte {
	return flatBytes(buf.flat)
}

// flatBytes returns the memory backing the given flat slice as a byte slice.
func flatBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	flatValuesPtr := element0.Addr().UnsafePointer()
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(flatValuesPtr), sizeBytes)
}

// newFlatForShape allocates a zero flat slice of the Go type corresponding to the shape's DType.
func newFlatForShape(shape shapes.Shape) any {
	size := shape.Size()
	return reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
}

// BufferFinalize implements backends.DataInterface.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	buf.valid = false
	buf.flat = nil
	return nil
}

// BufferShape implements backends.DataInterface.
func (b *Backend) BufferShape(buffer backends.Buffer) (shapes.Shape, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buf.shape, nil
}

// BufferDeviceNum implements backends.DataInterface.
func (b *Backend) BufferDeviceNum(buffer backends.Buffer) (backends.DeviceNum, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return 0, err
	}
	return buf.deviceNum, nil
}

// NewBuffer implements backends.DataInterface.
func (b *Backend) NewBuffer(deviceNum backends.DeviceNum, shape shapes.Shape) (backends.Buffer, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	if !shape.Ok() {
		return nil, errors.New("hostgo: NewBuffer with invalid shape")
	}
	return &Buffer{
		shape:     shape.Clone(),
		deviceNum: deviceNum,
		valid:     true,
		flat:      newFlatForShape(shape),
	}, nil
}

// BufferFromFlatData implements backends.DataInterface.
func (b *Backend) BufferFromFlatData(deviceNum backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	buffer, err := b.NewBuffer(deviceNum, shape)
	if err != nil {
		return nil, err
	}
	buf := buffer.(*Buffer)
	if err = checkFlat(flat, shape); err != nil {
		return nil, err
	}
	reflect.Copy(reflect.ValueOf(buf.flat), reflect.ValueOf(flat))
	return buf, nil
}

// BufferToFlatData implements backends.DataInterface.
func (b *Backend) BufferToFlatData(buffer backends.Buffer, flat any) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	if err = checkFlat(flat, buf.shape); err != nil {
		return err
	}
	reflect.Copy(reflect.ValueOf(flat), reflect.ValueOf(buf.flat))
	return nil
}

// checkFlat verifies flat is a slice matching the shape's dtype and size.
func checkFlat(flat any, shape shapes.Shape) error {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return errors.Errorf("hostgo: flat data must be a slice, got %T", flat)
	}
	if got := dtypes.FromGoType(flatV.Type().Elem()); got != shape.DType {
		return errors.Errorf("hostgo: flat data of type %T is incompatible with shape %s", flat, shape)
	}
	if flatV.Len() != shape.Size() {
		return errors.Errorf("hostgo: flat data has %d elements, shape %s requires %d",
			flatV.Len(), shape, shape.Size())
	}
	return nil
}

// BufferFromBytes implements backends.DataInterface.
func (b *Backend) BufferFromBytes(deviceNum backends.DeviceNum, data []byte, shape shapes.Shape) (backends.Buffer, error) {
	buffer, err := b.NewBuffer(deviceNum, shape)
	if err != nil {
		return nil, err
	}
	if err = b.BufferAssignBytes(buffer, data); err != nil {
		return nil, err
	}
	return buffer, nil
}

// BufferToBytes implements backends.DataInterface.
func (b *Backend) BufferToBytes(buffer backends.Buffer, data []byte) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	if uintptr(len(data)) != buf.shape.Memory() {
		return errors.Errorf("hostgo: destination has %d bytes, buffer shape %s holds %d bytes",
			len(data), buf.shape, buf.shape.Memory())
	}
	copy(data, buf.bytes())
	return nil
}

// BufferAssignBytes implements backends.DataInterface.
func (b *Backend) BufferAssignBytes(buffer backends.Buffer, data []byte) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	if uintptr(len(data)) != buf.shape.Memory() {
		return errors.Errorf("hostgo: source has %d bytes, buffer shape %s holds %d bytes",
			len(data), buf.shape, buf.shape.Memory())
	}
	copy(buf.bytes(), data)
	return nil
}

// BufferCopyPeer implements backends.DataInterface: a direct device-to-device
// copy. The simulation just copies between the two isolated flat slices.
func (b *Backend) BufferCopyPeer(dst, src backends.Buffer) error {
	dstBuf, err := b.castBuffer(dst)
	if err != nil {
		return err
	}
	srcBuf, err := b.castBuffer(src)
	if err != nil {
		return err
	}
	if !b.SupportsPeerAccess(srcBuf.deviceNum, dstBuf.deviceNum) {
		return errors.Errorf("hostgo: no peer access between devices %d and %d", srcBuf.deviceNum, dstBuf.deviceNum)
	}
	if srcBuf.shape.DType != dstBuf.shape.DType || srcBuf.shape.Memory() != dstBuf.shape.Memory() {
		return &backends.SizeMismatchError{Src: srcBuf.shape, Dst: dstBuf.shape}
	}
	copy(dstBuf.bytes(), srcBuf.bytes())
	return nil
}
