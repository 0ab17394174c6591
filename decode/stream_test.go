// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"math/rand"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/seq2seq/attention"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBatch, testTime = 3, 8
	testEncDim          = 12
	testDecDim          = 16
	testAttnDim         = 24
	testOutDim          = 6
)

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	switch len(dims) {
	case 2:
		rows := make([][]float32, dims[0])
		for i := range rows {
			rows[i] = make([]float32, dims[1])
			for j := range rows[i] {
				rows[i][j] = rng.Float32()*2 - 1
			}
		}
		return tensors.FromValue(rows)
	case 3:
		batch := make([][][]float32, dims[0])
		for b := range batch {
			batch[b] = make([][]float32, dims[1])
			for t := range batch[b] {
				row := make([]float32, dims[2])
				for d := range row {
					row[d] = rng.Float32()*2 - 1
				}
				batch[b][t] = row
			}
		}
		return tensors.FromValue(batch)
	}
	panic("randomTensor supports rank 2 and 3 only")
}

func TestStreamReusesPrimedState(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	rng := rand.New(rand.NewSource(3))

	cell := attention.NewContentAttention(testEncDim, testDecDim, testAttnDim, testOutDim)
	stream := NewStream(backend, ctx, cell)

	encA := randomTensor(rng, testBatch, testTime, testEncDim)
	encB := randomTensor(rng, testBatch, testTime, testEncDim)
	encLen := tensors.FromValue([]int32{8, 5, 2})
	decState := randomTensor(rng, testBatch, testDecDim)

	outA, weightsA, err := stream.Step(encA, encLen, decState)
	require.NoError(t, err)
	require.Equal(t, []int{testBatch, testOutDim}, outA.Shape().Dimensions)
	require.Equal(t, []int{testBatch, testTime}, weightsA.Shape().Dimensions)

	// Without a Reset the stream keeps attending over the primed states:
	// feeding different encoder states changes nothing.
	outB, _, err := stream.Step(encB, encLen, decState)
	require.NoError(t, err)
	assert.Equal(t, outA.Value(), outB.Value())

	// After a Reset the new encoder states take effect.
	stream.Reset()
	require.Nil(t, stream.state)
	outC, _, err := stream.Step(encB, encLen, decState)
	require.NoError(t, err)
	assert.NotEqual(t, outA.Value(), outC.Value())
}

func TestStreamLocationHistory(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	rng := rand.New(rand.NewSource(3))

	cell := attention.NewLocationAwareAttention(testEncDim, testDecDim, testAttnDim, testOutDim, 8, 7)
	stream := NewStream(backend, ctx, cell)

	encStates := randomTensor(rng, testBatch, testTime, testEncDim)
	encLen := tensors.FromValue([]int32{8, 5, 2})
	decState := randomTensor(rng, testBatch, testDecDim)

	_, weights1, err := stream.Step(encStates, encLen, decState)
	require.NoError(t, err)
	// The second step sees the first's weights in its state.
	_, weights2, err := stream.Step(encStates, encLen, decState)
	require.NoError(t, err)

	for _, weights := range []*tensors.Tensor{weights1, weights2} {
		rows := weights.Value().([][]float32)
		for b, row := range rows {
			var sum float64
			for _, w := range row {
				sum += float64(w)
			}
			assert.InDeltaf(t, 1.0, sum, 1e-4, "step weights for batch %d", b)
		}
	}
}

func TestStreamRejectsDegenerateLengths(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	rng := rand.New(rand.NewSource(3))

	cell := attention.NewKeyValueAttention(testEncDim, testDecDim, testAttnDim, testOutDim)
	stream := NewStream(backend, ctx, cell)

	encStates := randomTensor(rng, testBatch, testTime, testEncDim)
	decState := randomTensor(rng, testBatch, testDecDim)

	// Zero-length sequence.
	_, _, err := stream.Step(encStates, tensors.FromValue([]int32{8, 0, 2}), decState)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateInput))

	// Length beyond the padded time axis.
	_, _, err = stream.Step(encStates, tensors.FromValue([]int64{8, 9, 2}), decState)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateInput))

	// Lengths must be integer.
	_, _, err = stream.Step(encStates, tensors.FromValue([]float32{8, 5, 2}), decState)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDegenerateInput))

	// Valid lengths still work after the failures.
	_, weights, err := stream.Step(encStates, tensors.FromValue([]int32{8, 5, 2}), decState)
	require.NoError(t, err)
	require.Equal(t, []int{testBatch, 1, testTime}, weights.Shape().Dimensions)
}
