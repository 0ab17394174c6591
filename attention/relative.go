// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// RelPosConfig is the configuration builder for relative-position multi-head
// attention, returned by RelPosMultiHeadAttention. Set options and call
// Done or DoneWithCoefficients to build the graph.
type RelPosConfig struct {
	ctx                  *context.Context
	query, key, value    *graph.Node
	relPos               *graph.Node
	numHeads, headDim    int
	embedDim             int
	dropoutRate          float64
	projectionBias       bool
	sharedContentBias    *context.Variable
	sharedPositionalBias *context.Variable
	keyPaddingMask       *graph.Node
	attentionMask        *graph.Node
}

// RelPosMultiHeadAttention builds multi-head attention with relative
// positional encoding in the style of Transformer-XL (Dai et al., 2019):
// attention scores decompose into a content term and a position term, the
// latter computed from embeddings of the relative distance between query and
// key positions and realigned per query by a shift along the key axis.
//
// Inputs are sequence-major: query is [queryLen, batch, embedDim], key and
// value are [keyLen, batch, embedDim] and relPos is [posLen, embedDim]
// holding the relative-position embeddings ordered from the largest distance
// down; posLen must be at least keyLen.
//
// headDim may be 0, in which case it is derived as embedDim/numHeads; the
// division must then be exact. The query, key and positional projections have
// no bias; the value and output projections have a bias unless
// WithProjectionBias(false).
//
// It returns a configuration builder: chain options and finish with Done
// (output only) or DoneWithCoefficients (output plus attention matrix).
func RelPosMultiHeadAttention(ctx *context.Context, query, key, value, relPos *graph.Node, numHeads, headDim int) *RelPosConfig {
	if query.Rank() != 3 || key.Rank() != 3 || value.Rank() != 3 {
		Panicf("attention.RelPosMultiHeadAttention: query, key and value must be rank-3 [len, batch, embed], got %s, %s and %s",
			query.Shape(), key.Shape(), value.Shape())
	}
	embedDim := query.Shape().Dim(-1)
	if key.Shape().Dim(-1) != embedDim || value.Shape().Dim(-1) != embedDim {
		Panicf("attention.RelPosMultiHeadAttention: query, key and value must share the embedding dimension, got %s, %s and %s",
			query.Shape(), key.Shape(), value.Shape())
	}
	batch := query.Shape().Dim(1)
	if key.Shape().Dim(1) != batch || value.Shape().Dim(1) != batch {
		Panicf("attention.RelPosMultiHeadAttention: query, key and value must share the batch dimension, got %s, %s and %s",
			query.Shape(), key.Shape(), value.Shape())
	}
	if key.Shape().Dim(0) != value.Shape().Dim(0) {
		Panicf("attention.RelPosMultiHeadAttention: key and value must share the sequence length, got %s and %s",
			key.Shape(), value.Shape())
	}
	if relPos.Rank() != 2 || relPos.Shape().Dim(-1) != embedDim {
		Panicf("attention.RelPosMultiHeadAttention: relPos must be [posLen, %d], got %s", embedDim, relPos.Shape())
	}
	if relPos.Shape().Dim(0) < key.Shape().Dim(0) {
		Panicf("attention.RelPosMultiHeadAttention: relPos must cover at least keyLen=%d positions, got %s",
			key.Shape().Dim(0), relPos.Shape())
	}
	if numHeads <= 0 {
		Panicf("attention.RelPosMultiHeadAttention: numHeads must be positive, got %d", numHeads)
	}
	if headDim == 0 {
		if embedDim%numHeads != 0 {
			Panicf("attention.RelPosMultiHeadAttention: embedDim=%d is not divisible by numHeads=%d and no explicit headDim given",
				embedDim, numHeads)
		}
		headDim = embedDim / numHeads
	} else if headDim < 0 {
		Panicf("attention.RelPosMultiHeadAttention: headDim must be non-negative, got %d", headDim)
	}
	return &RelPosConfig{
		ctx:   ctx.In("rel_pos_attention"),
		query: query, key: key, value: value, relPos: relPos,
		numHeads: numHeads, headDim: headDim, embedDim: embedDim,
		projectionBias: true,
	}
}

// WithDropout sets the dropout rate applied to the attention coefficients.
// Only active while training. Default is 0 (no dropout).
func (c *RelPosConfig) WithDropout(rate float64) *RelPosConfig {
	if rate < 0 || rate >= 1 {
		Panicf("attention.RelPosMultiHeadAttention: dropout rate must be in [0, 1), got %g", rate)
	}
	c.dropoutRate = rate
	return c
}

// WithProjectionBias controls whether the value and output projections carry
// a bias term. Default is true. The query, key and positional projections
// never do.
func (c *RelPosConfig) WithProjectionBias(useBias bool) *RelPosConfig {
	c.projectionBias = useBias
	return c
}

// WithSharedBiases supplies externally owned content and positional bias
// variables (each shaped [numHeads, headDim]), typically shared across the
// layers of a deep network. When not set, each attention owns its biases.
func (c *RelPosConfig) WithSharedBiases(contentBias, positionalBias *context.Variable) *RelPosConfig {
	c.sharedContentBias = contentBias
	c.sharedPositionalBias = positionalBias
	return c
}

// WithKeyPaddingMask sets a [batch, keyLen] boolean mask; keys where it is
// true are ignored (receive zero attention). Note the inverted polarity
// relative to SequenceMask: this marks padding, not validity.
func (c *RelPosConfig) WithKeyPaddingMask(mask *graph.Node) *RelPosConfig {
	if mask.Rank() != 2 || mask.Shape().Dim(0) != c.key.Shape().Dim(1) || mask.Shape().Dim(1) != c.key.Shape().Dim(0) {
		Panicf("attention.RelPosMultiHeadAttention: key padding mask must be [batch=%d, keyLen=%d], got %s",
			c.key.Shape().Dim(1), c.key.Shape().Dim(0), mask.Shape())
	}
	c.keyPaddingMask = mask
	return c
}

// WithAttentionMask sets a boolean mask over (query, key) position pairs,
// shaped [queryLen, keyLen] or [batch, queryLen, keyLen]; pairs where it is
// true are disallowed (receive zero attention). Use it for causal masking.
func (c *RelPosConfig) WithAttentionMask(mask *graph.Node) *RelPosConfig {
	qLen, kLen := c.query.Shape().Dim(0), c.key.Shape().Dim(0)
	valid := (mask.Rank() == 2 && mask.Shape().Dim(0) == qLen && mask.Shape().Dim(1) == kLen) ||
		(mask.Rank() == 3 && mask.Shape().Dim(0) == c.query.Shape().Dim(1) &&
			mask.Shape().Dim(1) == qLen && mask.Shape().Dim(2) == kLen)
	if !valid {
		Panicf("attention.RelPosMultiHeadAttention: attention mask must be [queryLen=%d, keyLen=%d] or [batch, queryLen, keyLen], got %s",
			qLen, kLen, mask.Shape())
	}
	c.attentionMask = mask
	return c
}

// relShift realigns the position-term scores: x is
// [queryLen, posLen, batch, heads] indexed by absolute position within the
// relative-embedding table, and the result is indexed by key position, so
// that result[i, j, ...] scores key j at its distance from query i. The
// realignment is the usual pad-reshape-trim trick from Transformer-XL, which
// carries over directly because Reshape is row-major.
func relShift(x *graph.Node, keyLen int) *graph.Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	qLen, posLen, batch, heads := dims[0], dims[1], dims[2], dims[3]
	pad := graph.Zeros(g, shapes.Make(x.DType(), qLen, 1, batch, heads))
	padded := graph.Concatenate([]*graph.Node{pad, x}, 1)
	padded = graph.Reshape(padded, posLen+1, qLen, batch, heads)
	shifted := graph.Slice(padded, graph.AxisRange(1), graph.AxisRange(), graph.AxisRange(), graph.AxisRange())
	shifted = graph.Reshape(shifted, qLen, posLen, batch, heads)
	return graph.Slice(shifted, graph.AxisRange(), graph.AxisRange(0, keyLen), graph.AxisRange(), graph.AxisRange())
}

// Done builds the attention and returns its output, shaped
// [queryLen, batch, embedDim].
func (c *RelPosConfig) Done() *graph.Node {
	output, _ := c.DoneWithCoefficients()
	return output
}

// DoneWithCoefficients builds the attention and returns both the output
// [queryLen, batch, embedDim] and the attention coefficients
// [queryLen, keyLen, batch, numHeads], which sum to one over the key axis on
// rows that have at least one allowed key.
func (c *RelPosConfig) DoneWithCoefficients() (output, coefficients *graph.Node) {
	ctx := c.ctx
	dtype := c.query.DType()
	kLen := c.key.Shape().Dim(0)

	q := layers.Dense(ctx.In("query"), c.query, false, c.numHeads, c.headDim) // [q, b, n, d]
	k := layers.Dense(ctx.In("key"), c.key, false, c.numHeads, c.headDim)     // [k, b, n, d]
	v := layers.Dense(ctx.In("value"), c.value, c.projectionBias, c.numHeads, c.headDim)
	p := layers.Dense(ctx.In("pos"), c.relPos, false, c.numHeads, c.headDim) // [pos, n, d]

	contentBias, positionalBias := c.sharedContentBias, c.sharedPositionalBias
	if contentBias == nil {
		contentBias = ctx.In("biases").VariableWithShape("content", shapes.Make(dtype, c.numHeads, c.headDim))
	}
	if positionalBias == nil {
		positionalBias = ctx.In("biases").VariableWithShape("positional", shapes.Make(dtype, c.numHeads, c.headDim))
	}
	g := c.query.Graph()
	u := graph.InsertAxes(contentBias.ValueGraph(g), 0, 0)    // [1, 1, n, d]
	w := graph.InsertAxes(positionalBias.ValueGraph(g), 0, 0) // [1, 1, n, d]

	content := graph.Einsum("ibnd,jbnd->ijbn", graph.Add(q, u), k)  // [q, k, b, n]
	position := graph.Einsum("ibnd,jnd->ijbn", graph.Add(q, w), p)  // [q, pos, b, n]
	position = relShift(position, kLen)                             // [q, k, b, n]

	scores := graph.Add(content, position)
	scores = graph.MulScalar(scores, 1.0/math.Sqrt(float64(c.headDim)))

	// Softmax over the key axis; disallowed keys are filled before and
	// zeroed after.
	coefficients = MaskedSoftmax(scores, c.allowedMask(scores), 1)
	if c.dropoutRate > 0 {
		coefficients = layers.DropoutStatic(ctx, coefficients, c.dropoutRate)
	}

	output = graph.Einsum("ijbn,jbnd->ibnd", coefficients, v) // [q, b, n, d]
	output = graph.Reshape(output, output.Shape().Dim(0), output.Shape().Dim(1), c.numHeads*c.headDim)
	output = layers.Dense(ctx.In("output"), output, c.projectionBias, c.embedDim)
	return output, coefficients
}

// allowedMask merges the key-padding and attention masks (both of which mark
// the positions to drop) into a single "allowed" mask broadcast to the score
// dimensions [q, k, b, n], or nil if neither is set.
func (c *RelPosConfig) allowedMask(scores *graph.Node) *graph.Node {
	var disallowed *graph.Node
	if c.keyPaddingMask != nil {
		// [batch, keyLen] -> [1, k, b, 1].
		keyMask := graph.InsertAxes(graph.Transpose(c.keyPaddingMask, 0, 1), 0, -1)
		disallowed = graph.BroadcastToDims(keyMask, scores.Shape().Dimensions...)
	}
	if c.attentionMask != nil {
		attnMask := c.attentionMask
		if attnMask.Rank() == 2 {
			attnMask = graph.InsertAxes(attnMask, -1, -1) // [q, k, 1, 1]
		} else {
			// [batch, q, k] -> [q, k, b, 1].
			attnMask = graph.InsertAxes(graph.TransposeAllAxes(attnMask, 1, 2, 0), -1)
		}
		attnMask = graph.BroadcastToDims(attnMask, scores.Shape().Dimensions...)
		if disallowed == nil {
			disallowed = attnMask
		} else {
			disallowed = graph.LogicalOr(disallowed, attnMask)
		}
	}
	if disallowed == nil {
		return nil
	}
	return graph.LogicalNot(disallowed)
}
