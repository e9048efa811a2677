// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	count := 17
	in := make([]int, count)
	for ii := 0; ii < count; ii++ {
		in[ii] = ii
	}
	out := Map(in, func(v int) int32 { return int32(v + 1) })
	for ii := 0; ii < count; ii++ {
		assert.Equalf(t, int32(ii+1), out[ii], "element %d doesn't match", ii)
	}
}

func TestCopyAndFill(t *testing.T) {
	slice := Iota(float32(0), 5)
	clone := Copy(slice)
	FillSlice(slice, 7)
	assert.Equal(t, []float32{0, 1, 2, 3, 4}, clone)
	assert.Equal(t, []float32{7, 7, 7, 7, 7}, slice)
}

func TestAtAndLast(t *testing.T) {
	slice := []int{0, 1, 2, 3, 4, 5}
	assert.Equal(t, 5, At(slice, -1))
	assert.Equal(t, 4, At(slice, -2))
	assert.Equal(t, 5, Last(slice))
	assert.Equal(t, 15, Sum(slice))
}
