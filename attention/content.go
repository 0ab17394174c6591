// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// ContentAttention is a content-based (additive, Bahdanau-style) attention
// cell: at each decoder step it scores every encoder state against the
// current decoder state through a shared tanh MLP, normalizes the scores over
// the valid source positions and returns the expectation of the encoder
// states under that distribution, projected to OutputDim.
//
// Source-side work that doesn't depend on the decoder state (the encoder
// projection and the validity mask) is computed once in Prime and carried in
// the state slice threaded through Step.
type ContentAttention struct {
	EncDim, DecDim, AttnDim, OutputDim int

	// Scaling sharpens (>1) or smooths (<1) the score distribution.
	Scaling float64
}

// NewContentAttention configures a content-based attention cell. All
// dimensions must be positive.
func NewContentAttention(encDim, decDim, attnDim, outputDim int) *ContentAttention {
	if encDim <= 0 || decDim <= 0 || attnDim <= 0 || outputDim <= 0 {
		Panicf("attention.NewContentAttention: dimensions must be positive, got enc=%d, dec=%d, attn=%d, output=%d",
			encDim, decDim, attnDim, outputDim)
	}
	return &ContentAttention{EncDim: encDim, DecDim: decDim, AttnDim: attnDim, OutputDim: outputDim, Scaling: 1.0}
}

// WithScaling sets the multiplier applied to the raw scores before the
// softmax. It returns the cell to allow chaining.
func (c *ContentAttention) WithScaling(scaling float64) *ContentAttention {
	c.Scaling = scaling
	return c
}

// checkEncoderInputs validates the [batch, time, encDim] encoder states
// against the [batch] lengths.
func checkEncoderInputs(encStates, encLen *graph.Node, encDim int) {
	if encStates.Rank() != 3 || encStates.Shape().Dim(-1) != encDim {
		Panicf("attention: encoder states must be [batch, time, %d], got shape %s", encDim, encStates.Shape())
	}
	if encLen.Rank() != 1 || encLen.Shape().Dim(0) != encStates.Shape().Dim(0) {
		Panicf("attention: encoder lengths must be [batch=%d], got shape %s", encStates.Shape().Dim(0), encLen.Shape())
	}
}

// Prime computes the per-utterance state for a new source sequence:
// the projected encoder states, the raw encoder states and the validity
// mask derived from encLen. encStates is [batch, time, EncDim] and encLen
// is [batch] integer lengths in frames.
//
// The returned slice is opaque to the caller and must be passed to Step.
func (c *ContentAttention) Prime(ctx *context.Context, encStates, encLen *graph.Node) []*graph.Node {
	checkEncoderInputs(encStates, encLen, c.EncDim)
	projected := layers.Dense(ctx.In("enc_proj"), encStates, true, c.AttnDim)
	mask := SequenceMask(encLen, encStates.Shape().Dim(1))
	return []*graph.Node{projected, encStates, mask}
}

// Step runs one decoder timestep: decState is [batch, DecDim]. It returns the
// attended context vector [batch, OutputDim], the attention weights
// [batch, time] and the state to pass to the next Step.
func (c *ContentAttention) Step(ctx *context.Context, state []*graph.Node, decState *graph.Node) (contextVec, weights *graph.Node, next []*graph.Node) {
	if len(state) != 3 {
		Panicf("attention: ContentAttention.Step given state with %d entries, want 3 (from Prime)", len(state))
	}
	projected, encStates, mask := state[0], state[1], state[2]
	if decState.Rank() != 2 || decState.Shape().Dim(-1) != c.DecDim {
		Panicf("attention: decoder state must be [batch, %d], got shape %s", c.DecDim, decState.Shape())
	}

	decProj := layers.Dense(ctx.In("dec_proj"), decState, true, c.AttnDim)
	combined := graph.Tanh(graph.Add(projected, graph.InsertAxes(decProj, 1)))
	scores := layers.Dense(ctx.In("score"), combined, false, 1) // [batch, time, 1]
	scores = graph.Squeeze(scores, -1)
	if c.Scaling != 1.0 {
		scores = graph.MulScalar(scores, c.Scaling)
	}

	weights = MaskedSoftmax(scores, mask, -1)
	contextVec = graph.Einsum("bt,btf->bf", weights, encStates)
	contextVec = layers.Dense(ctx.In("out_proj"), contextVec, true, c.OutputDim)
	return contextVec, weights, state
}
