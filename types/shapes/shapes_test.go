// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 3, 2)
	assert.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, uintptr(24), s.Memory())
	assert.Equal(t, "(Float32)[3 2]", s.String())
	assert.Equal(t, 2, s.Dim(-1))
	assert.Equal(t, 3, s.Dim(0))

	scalar := Scalar[float64]()
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())

	assert.False(t, Invalid().Ok())
	require.Panics(t, func() { Make(dtypes.Float32, 3, 0) })
	require.Panics(t, func() { s.Dim(2) })
}

func TestEqual(t *testing.T) {
	s := Make(dtypes.Float32, 3, 2)
	assert.True(t, s.Equal(Make(dtypes.Float32, 3, 2)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 3, 2)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 2, 3)))
	assert.True(t, s.EqualDimensions(Make(dtypes.Int32, 3, 2)))

	s2 := s.Clone()
	s2.Dimensions[0] = 7
	assert.Equal(t, 3, s.Dimensions[0])
}

func TestCheck(t *testing.T) {
	s := Make(dtypes.Float16, 2, 2)
	require.NoError(t, s.Check(dtypes.Float16, 2, 2))
	require.Error(t, s.Check(dtypes.Float32, 2, 2))
	require.Error(t, s.Check(dtypes.Float16, 2, 3))
}

func TestGobSerialization(t *testing.T) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	want := Make(dtypes.Int64, 5, 1, 3)
	require.NoError(t, want.GobSerialize(enc))

	dec := gob.NewDecoder(&buf)
	got, err := GobDeserialize(dec)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}
