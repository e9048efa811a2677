// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a multi-dimensional array that is either
// host-resident (a Go flat slice) or device-resident (an opaque backend
// buffer), and Collection, an ordered set of named tensors -- the unit the
// data-parallel updater flattens into contiguous transfer buffers.
//
// Unlike general-purpose tensor containers, a Tensor here lives in exactly one
// place at a time: the placement is an explicit {host, device(n)} tag, and all
// moves between the two are explicit (Tensor.ToDevice, Tensor.ToHost). This
// keeps ownership across replicas trivial to reason about: each replica owns a
// private copy of every tensor, and nothing is shared by reference.
package tensors

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/datapar/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Placement is the explicit tag of where a Tensor's data lives.
type Placement struct {
	OnDevice bool
	Device   backends.DeviceNum
}

// String implements fmt.Stringer.
func (p Placement) String() string {
	if !p.OnDevice {
		return "host"
	}
	return fmt.Sprintf("device(%d)", p.Device)
}

// Tensor represents a multidimensional array, defined by its shape (a
// dtypes.DType and its axes' dimensions) and its content, stored as a flat (1D)
// array of values either on host or on one device.
type Tensor struct {
	shape shapes.Shape

	// mu protects flat and buffer, but not the shape, which is immutable.
	mu sync.Mutex

	// flat holds the host data as a slice of the dtype's Go type. nil when on device.
	flat any

	// buffer holds the device data. nil when on host.
	buffer    backends.Buffer
	deviceNum backends.DeviceNum
	backend   backends.Backend
}

// FromShape returns a host-resident Tensor with the given shape, initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("tensors.FromShape: invalid shape"))
	}
	size := shape.Size()
	return &Tensor{
		shape: shape.Clone(),
		flat:  reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface(),
	}
}

// FromFlatDataAndDimensions creates a host tensor with the given dimensions,
// filled with the flattened values given in data, which is copied.
// The DType is inferred from the data type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copy(t.flat.([]T), data)
	return t
}

// FromScalar creates a host tensor with the given scalar.
// The DType is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	t := FromShape(shapes.Scalar[T]())
	t.flat.([]T)[0] = value
	return t
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Placement returns where the tensor data currently lives.
func (t *Tensor) Placement() Placement {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer != nil {
		return Placement{OnDevice: true, Device: t.deviceNum}
	}
	return Placement{}
}

// IsOnDevice returns whether the tensor data is device-resident.
func (t *Tensor) IsOnDevice() bool { return t.Placement().OnDevice }

// Buffer returns the backend buffer of a device-resident tensor, or nil for a
// host-resident one. The buffer remains owned by the tensor.
func (t *Tensor) Buffer() backends.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer
}

// IsFinalized returns true if the tensor has already been finalized, and its data freed.
func (t *Tensor) IsFinalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flat == nil && t.buffer == nil
}

// AssertValid panics if the tensor is nil, invalid or finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
	if t.IsFinalized() {
		panic(errors.New("Tensor has no host or on-device data"))
	}
}

// ToDevice moves the tensor data to the given device: the host copy is
// released and the device buffer becomes the only storage.
// It is a no-op if the tensor is already on that device of that backend.
func (t *Tensor) ToDevice(backend backends.Backend, deviceNum backends.DeviceNum) error {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer != nil {
		if t.backend == backend && t.deviceNum == deviceNum {
			return nil
		}
		return errors.Errorf("Tensor(shape=%s).ToDevice: already on device %d, cross-device moves go through backends.Copy",
			t.shape, t.deviceNum)
	}
	buffer, err := backend.BufferFromFlatData(deviceNum, t.flat, t.shape)
	if err != nil {
		return errors.WithMessagef(err, "Tensor(shape=%s).ToDevice(%d)", t.shape, deviceNum)
	}
	t.buffer = buffer
	t.backend = backend
	t.deviceNum = deviceNum
	t.flat = nil
	return nil
}

// ToHost moves the tensor data back to host memory, releasing the device buffer.
// It is a no-op if the tensor is already host-resident.
func (t *Tensor) ToHost() error {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer == nil {
		return nil
	}
	size := t.shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), size, size).Interface()
	if err := t.backend.BufferToFlatData(t.buffer, flat); err != nil {
		return errors.WithMessagef(err, "Tensor(shape=%s).ToHost from device %d", t.shape, t.deviceNum)
	}
	if err := t.backend.BufferFinalize(t.buffer); err != nil {
		return errors.WithMessagef(err, "Tensor(shape=%s).ToHost releasing device buffer", t.shape)
	}
	t.flat = flat
	t.buffer = nil
	t.backend = nil
	return nil
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. For a device-resident tensor, a transient
// host copy is fetched through the backend; mutations to it are lost.
// It locks the Tensor until accessFn returns.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) error {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer == nil {
		accessFn(t.flat)
		return nil
	}
	size := t.shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), size, size).Interface()
	if err := t.backend.BufferToFlatData(t.buffer, flat); err != nil {
		return errors.WithMessagef(err, "Tensor(shape=%s).ConstFlatData from device %d", t.shape, t.deviceNum)
	}
	accessFn(flat)
	return nil
}

// ConstFlatData is the generics version of Tensor.ConstFlatData.
// It panics if T doesn't correspond to the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	return t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with a flat slice pointing at the Tensor data;
// the contents may be changed until accessFn returns. For a device-resident
// tensor this is a read-modify-write cycle through the backend.
// It locks the Tensor until accessFn returns.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) error {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer == nil {
		accessFn(t.flat)
		return nil
	}
	size := t.shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), size, size).Interface()
	if err := t.backend.BufferToFlatData(t.buffer, flat); err != nil {
		return errors.WithMessagef(err, "Tensor(shape=%s).MutableFlatData from device %d", t.shape, t.deviceNum)
	}
	accessFn(flat)
	if err := t.backend.BufferAssignBytes(t.buffer, flatBytes(flat)); err != nil {
		return errors.WithMessagef(err, "Tensor(shape=%s).MutableFlatData writing back to device %d", t.shape, t.deviceNum)
	}
	return nil
}

// MutableFlatData is the generics version of Tensor.MutableFlatData.
// It panics if T doesn't correspond to the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	return t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// CopyFlatData returns a copy of the flat data of the Tensor.
// It panics if the given generic type doesn't match the DType of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	err := ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	if err != nil {
		panic(err)
	}
	return flatCopy
}

// Bytes copies the tensor contents into data, byte-for-byte.
// len(data) must be Tensor.Memory().
func (t *Tensor) Bytes(data []byte) error {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	if uintptr(len(data)) != t.shape.Memory() {
		return errors.Errorf("Tensor(shape=%s).Bytes: destination has %d bytes, tensor holds %d",
			t.shape, len(data), t.shape.Memory())
	}
	if t.buffer != nil {
		return t.backend.BufferToBytes(t.buffer, data)
	}
	copy(data, flatBytes(t.flat))
	return nil
}

// AssignBytes overwrites the tensor contents with data, byte-for-byte.
// len(data) must be Tensor.Memory().
func (t *Tensor) AssignBytes(data []byte) error {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	if uintptr(len(data)) != t.shape.Memory() {
		return errors.Errorf("Tensor(shape=%s).AssignBytes: source has %d bytes, tensor holds %d",
			t.shape, len(data), t.shape.Memory())
	}
	if t.buffer != nil {
		return t.backend.BufferAssignBytes(t.buffer, data)
	}
	copy(flatBytes(t.flat), data)
	return nil
}

// Clone returns a host-resident deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	clone := FromShape(t.shape)
	data := make([]byte, t.shape.Memory())
	if err := t.Bytes(data); err != nil {
		panic(err)
	}
	if err := clone.AssignBytes(data); err != nil {
		panic(err)
	}
	return clone
}

// Equal checks whether t == other, elementwise (bit-exact).
// If the shapes are different it returns false.
func (t *Tensor) Equal(other *Tensor) bool {
	t.AssertValid()
	other.AssertValid()
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	dataT := make([]byte, t.shape.Memory())
	dataOther := make([]byte, other.shape.Memory())
	if err := t.Bytes(dataT); err != nil {
		panic(err)
	}
	if err := other.Bytes(dataOther); err != nil {
		panic(err)
	}
	for ii, b := range dataT {
		if dataOther[ii] != b {
			return false
		}
	}
	return true
}

// FinalizeAll immediately frees all associated data and leaves the Tensor in an
// invalid state. It's the caller's responsibility to ensure the data is not in
// use elsewhere.
func (t *Tensor) FinalizeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffer != nil && t.backend != nil {
		_ = t.backend.BufferFinalize(t.buffer)
	}
	t.buffer = nil
	t.backend = nil
	t.flat = nil
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
