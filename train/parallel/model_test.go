// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"sync"

	"github.com/gomlx/datapar/types/shapes"
	"github.com/gomlx/datapar/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	_ "github.com/gomlx/datapar/backends/hostgo"
)

// testModelSize is the total number of float32 values across the test model's
// two parameters.
const testModelSize = 6

// testModel is a stand-in network whose "backpropagation" copies the batch
// values straight into the gradient collection, so the expected averaged
// gradient has a closed form. The loss is the sum of the batch values.
type testModel struct {
	params *tensors.Collection
	grads  *tensors.Collection

	calls int
	extra map[string]float64
}

func newTestModel(init float32) *testModel {
	w := make([]float32, 4)
	b := make([]float32, 2)
	for ii := range w {
		w[ii] = init
	}
	for ii := range b {
		b[ii] = init
	}
	return &testModel{
		params: tensors.NewCollection().
			Add("dense/w", tensors.FromFlatDataAndDimensions(w, 2, 2)).
			Add("dense/b", tensors.FromFlatDataAndDimensions(b, 2)),
		grads: tensors.NewCollection().
			Add("dense/w", tensors.FromShape(shapes.Make(dtypes.Float32, 2, 2))).
			Add("dense/b", tensors.FromShape(shapes.Make(dtypes.Float32, 2))),
	}
}

func (m *testModel) Parameters() *tensors.Collection { return m.params }
func (m *testModel) Gradients() *tensors.Collection  { return m.grads }

func (m *testModel) Forward(batch Batch) (float64, error) {
	m.calls++
	values, ok := batch.([]float32)
	if !ok || len(values) != testModelSize {
		return 0, errors.Errorf("testModel.Forward: want a batch of %d float32 values, got %v", testModelSize, batch)
	}
	err := tensors.MutableFlatData[float32](m.grads.Get("dense/w"), func(flat []float32) {
		copy(flat, values[:4])
	})
	if err != nil {
		return 0, err
	}
	err = tensors.MutableFlatData[float32](m.grads.Get("dense/b"), func(flat []float32) {
		copy(flat, values[4:])
	})
	if err != nil {
		return 0, err
	}
	var loss float64
	for _, v := range values {
		loss += float64(v)
	}
	return loss, nil
}

func (m *testModel) Observations() map[string]float64 { return m.extra }

// uniformBatch returns a batch whose every value is v.
func uniformBatch(v float32) []float32 {
	values := make([]float32, testModelSize)
	for ii := range values {
		values[ii] = v
	}
	return values
}

// sliceIterator cycles over a fixed set of batches.
type sliceIterator struct {
	batches [][]float32
	next    int
}

func (it *sliceIterator) Next() (Batch, error) {
	batch := it.batches[it.next%len(it.batches)]
	it.next++
	return batch, nil
}

func constIterator(v float32) *sliceIterator {
	return &sliceIterator{batches: [][]float32{uniformBatch(v)}}
}

// failingIterator fails on first use.
type failingIterator struct{ err error }

func (it *failingIterator) Next() (Batch, error) { return nil, it.err }

// blockingIterator hangs until released, simulating a wedged replica.
type blockingIterator struct{ release chan struct{} }

func (it *blockingIterator) Next() (Batch, error) {
	<-it.release
	return nil, errors.New("released")
}

// sgd is plain gradient descent: p -= lr * g.
type sgd struct{ lr float32 }

func (s sgd) Update(model Model) error {
	params, grads := model.Parameters(), model.Gradients()
	for _, name := range params.Names() {
		g := tensors.CopyFlatData[float32](grads.Get(name))
		err := tensors.MutableFlatData[float32](params.Get(name), func(flat []float32) {
			for ii := range flat {
				flat[ii] -= s.lr * g[ii]
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type reportEntry struct {
	replica, step int
	observations  map[string]float64
}

// recordingReporter captures every relayed observation.
type recordingReporter struct {
	mu      sync.Mutex
	entries []reportEntry
}

func (r *recordingReporter) Report(replica, step int, observations map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, reportEntry{replica: replica, step: step, observations: observations})
}

// find returns the observations reported by the given replica at the given
// step, or nil.
func (r *recordingReporter) find(replica, step int) map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.replica == replica && e.step == step {
			return e.observations
		}
	}
	return nil
}
