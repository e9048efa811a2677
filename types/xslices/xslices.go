// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Copy creates a new slice with a copy of the contents of the given one.
func Copy[T any](slice []T) []T {
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// FillSlice fills the whole slice with the given value.
func FillSlice[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// At returns the element at the given position. If pos is negative, it counts
// from the end of the slice -- so At(slice, -1) is the last element.
func At[T any](slice []T, pos int) T {
	if pos < 0 {
		pos = len(slice) + pos
	}
	return slice[pos]
}

// Last returns the last element of the slice.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Sum returns the sum of all elements of the slice.
func Sum[T constraints.Integer | constraints.Float](slice []T) (sum T) {
	for _, v := range slice {
		sum += v
	}
	return
}

// Iota returns a slice of the given size with the sequence [start, start+1, ...].
func Iota[T constraints.Integer | constraints.Float](start T, size int) (slice []T) {
	slice = make([]T, size)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}
