// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"github.com/gomlx/datapar/backends"
	"github.com/gomlx/datapar/transport"
	"github.com/gomlx/datapar/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// flatShape is the shape under which flat byte buffers move through device
// memory.
func flatShape(numBytes int) shapes.Shape {
	return shapes.Make(dtypes.Uint8, numBytes)
}

// payloadToHost extracts a payload's flat bytes on the receiving replica.
//
// A device payload is first copied onto this replica's device with
// backends.Copy (device-to-device when peer access allows, staged through
// host otherwise) and then read out; ownership of the sent buffer ends here,
// it is finalized after the copy.
func payloadToHost(backend backends.Backend, deviceNum backends.DeviceNum,
	numBytes int, payload transport.Payload) ([]byte, error) {
	switch payload.Kind {
	case transport.PayloadHost:
		if len(payload.Data) != numBytes {
			return nil, errors.Errorf("flat buffer payload has %d bytes, layout requires %d",
				len(payload.Data), numBytes)
		}
		return payload.Data, nil

	case transport.PayloadDevice:
		src := payload.Buffer()
		dst, err := backend.NewBuffer(deviceNum, flatShape(numBytes))
		if err != nil {
			return nil, errors.WithMessage(err, "allocating staging buffer")
		}
		if err = backends.Copy(backend, dst, src); err != nil {
			return nil, errors.WithMessagef(err, "copying flat buffer from device %d", payload.Device)
		}
		flat := make([]byte, numBytes)
		if err = backend.BufferToBytes(dst, flat); err != nil {
			return nil, errors.WithMessage(err, "reading staged flat buffer")
		}
		_ = backend.BufferFinalize(dst)
		_ = backend.BufferFinalize(src)
		return flat, nil
	}
	return nil, errors.New("message carries no flat buffer payload")
}

// hostToPayload wraps flat bytes for sending: as a reference to a fresh
// buffer on this replica's device when the channel can carry one (loopback),
// as plain host bytes otherwise.
func hostToPayload(backend backends.Backend, deviceNum backends.DeviceNum,
	flat []byte, deviceTransfer bool) (transport.Payload, error) {
	if !deviceTransfer {
		return transport.HostPayload(flat), nil
	}
	buffer, err := backend.BufferFromBytes(deviceNum, flat, flatShape(len(flat)))
	if err != nil {
		return transport.Payload{}, errors.WithMessagef(err, "uploading flat buffer to device %d", deviceNum)
	}
	return transport.DevicePayload(buffer, deviceNum), nil
}
