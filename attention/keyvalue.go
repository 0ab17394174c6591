// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// KeyValueAttention is a single-head scaled dot-product attention cell: the
// encoder states are projected once into keys and values, and each decoder
// step projects the decoder state into a query, scores it against the keys
// (scaled by 1/sqrt(AttnDim)) and returns the weighted sum of the values.
type KeyValueAttention struct {
	EncDim, DecDim, AttnDim, OutputDim int
}

// NewKeyValueAttention configures a key/value attention cell. Keys and
// queries are projected to AttnDim, values to OutputDim.
func NewKeyValueAttention(encDim, decDim, attnDim, outputDim int) *KeyValueAttention {
	if encDim <= 0 || decDim <= 0 || attnDim <= 0 || outputDim <= 0 {
		Panicf("attention.NewKeyValueAttention: dimensions must be positive, got enc=%d, dec=%d, attn=%d, output=%d",
			encDim, decDim, attnDim, outputDim)
	}
	return &KeyValueAttention{EncDim: encDim, DecDim: decDim, AttnDim: attnDim, OutputDim: outputDim}
}

// Prime projects a new source sequence into keys [batch, time, AttnDim] and
// values [batch, time, OutputDim], and builds the validity mask.
func (k *KeyValueAttention) Prime(ctx *context.Context, encStates, encLen *graph.Node) []*graph.Node {
	checkEncoderInputs(encStates, encLen, k.EncDim)
	keys := layers.Dense(ctx.In("key_proj"), encStates, true, k.AttnDim)
	values := layers.Dense(ctx.In("value_proj"), encStates, true, k.OutputDim)
	mask := SequenceMask(encLen, encStates.Shape().Dim(1))
	return []*graph.Node{keys, values, mask}
}

// Step runs one decoder timestep: decState is [batch, DecDim]. It returns the
// context vector [batch, OutputDim], the attention weights [batch, 1, time]
// and the (unchanged) state for the next Step.
func (k *KeyValueAttention) Step(ctx *context.Context, state []*graph.Node, decState *graph.Node) (contextVec, weights *graph.Node, next []*graph.Node) {
	if len(state) != 3 {
		Panicf("attention: KeyValueAttention.Step given state with %d entries, want 3 (from Prime)", len(state))
	}
	keys, values, mask := state[0], state[1], state[2]
	if decState.Rank() != 2 || decState.Shape().Dim(-1) != k.DecDim {
		Panicf("attention: decoder state must be [batch, %d], got shape %s", k.DecDim, decState.Shape())
	}

	query := layers.Dense(ctx.In("query_proj"), decState, true, k.AttnDim)
	scores := graph.Einsum("btd,bd->bt", keys, query)
	scores = graph.MulScalar(scores, 1.0/math.Sqrt(float64(k.AttnDim)))

	flat := MaskedSoftmax(scores, mask, -1)
	contextVec = graph.Einsum("bt,btf->bf", flat, values)
	weights = graph.InsertAxes(flat, 1) // [batch, 1, time]
	return contextVec, weights, state
}
