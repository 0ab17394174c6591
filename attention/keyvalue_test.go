// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestKeyValueAttention(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	rng := rand.New(rand.NewSource(13))

	const (
		batch, time     = 4, 10
		encDim, decDim  = 20, 25
		attnDim, outDim = 30, 5
	)
	cell := NewKeyValueAttention(encDim, decDim, attnDim, outDim)
	exec := context.MustNewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			state := cell.Prime(ctx, inputs[0], inputs[1])
			contextVec, weights, _ := cell.Step(ctx, state, inputs[2])
			return []*graph.Node{contextVec, weights}
		})

	lengths := []int32{10, 7, 10, 3}
	results := exec.MustExec(
		randomBatch(rng, batch, time, encDim), lengths, randomRows(rng, batch, decDim))
	contextVec, weights := results[0], results[1]

	require.Equal(t, []int{batch, outDim}, contextVec.Shape().Dimensions)
	require.Equal(t, []int{batch, 1, time}, weights.Shape().Dimensions)

	flat := weights.Value().([][][]float32)
	rows := make([][]float32, batch)
	for b := range rows {
		rows[b] = flat[b][0]
	}
	assertDistributions(t, rows, lengths)
}

func TestKeyValueAttentionValidation(t *testing.T) {
	require.Panics(t, func() { NewKeyValueAttention(20, 25, 0, 5) })

	backend := graphtest.BuildTestBackend()
	g := graph.NewGraph(backend, "validation")
	ctx := context.New()
	cell := NewKeyValueAttention(20, 25, 30, 5)
	state := make([]*graph.Node, 2) // wrong arity, must come from Prime
	require.Panics(t, func() {
		decState := graph.Zeros(g, shapes.Make(dtypes.Float32, 4, 25))
		cell.Step(ctx, state, decState)
	})
}
