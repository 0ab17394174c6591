// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements the attention mechanisms used to align a
// variable-length source sequence (encoder states) with decoder queries in
// sequence-to-sequence models: content-based (additive) attention,
// location-aware attention, single-head key/value attention and
// Transformer-XL style relative-position multi-head attention.
//
// The first three are streaming cells driven once per decoder timestep; their
// per-sequence state (cached source-side projections, validity mask and, for
// the location-aware variant, the previous attention distribution) is an
// explicit []*graph.Node threaded through Prime and Step, keeping the cells
// themselves stateless. Package decode provides the Reset/Step driver that
// materializes this state across graph executions.
package attention

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Fill values written over masked score positions before a softmax.
// Reduced-precision dtypes get a smaller magnitude so the fill doesn't
// overflow to -Inf (float16 caps out at ~6.5e4). These are pragmatic
// numeric-stability constants, exposed so callers can tune them.
var (
	// FillValue is used for float32 and wider dtypes.
	FillValue = -1e30

	// FillValueReducedPrecision is used for float16 and bfloat16.
	FillValueReducedPrecision = -65000.0
)

// maskFill returns the softmax fill value for logits of the given dtype.
func maskFill(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16:
		return FillValueReducedPrecision
	default:
		return FillValue
	}
}

// SequenceMask returns the boolean validity mask for a batch of sequences
// padded to maxLen: mask[b, t] is true iff t < lengths[b].
//
// lengths must be rank-1, shaped [batch], with an integer dtype holding
// counts (not fractions). The result is shaped [batch, maxLen].
func SequenceMask(lengths *graph.Node, maxLen int) *graph.Node {
	g := lengths.Graph()
	if lengths.Rank() != 1 {
		Panicf("attention.SequenceMask: lengths must be rank-1 [batch], got shape %s", lengths.Shape())
	}
	positions := graph.Iota(g, shapes.Make(dtypes.Int32, 1, maxLen), 1)
	limits := graph.InsertAxes(graph.ConvertDType(lengths, dtypes.Int32), -1)
	return graph.LessThan(positions, limits)
}

// MaskedSoftmax computes a softmax over the given axis that assigns zero
// probability to positions where mask is false. Masked positions are filled
// with a large negative, dtype-dependent value (see FillValue and
// FillValueReducedPrecision) before the softmax, and forced to exactly zero
// after it.
//
// mask must be boolean and broadcastable (same rank, axes of size 1 allowed)
// to logits. A nil mask falls back to a plain softmax.
//
// A row that is entirely masked has no valid distribution: the result on such
// rows is undefined (the caller must guarantee at least one valid position
// per row, see package decode for where this is enforced).
func MaskedSoftmax(logits, mask *graph.Node, axis int) *graph.Node {
	if !logits.DType().IsFloat() {
		Panicf("attention.MaskedSoftmax: logits must be float, got dtype %s", logits.DType())
	}
	if mask == nil {
		return graph.Softmax(logits, axis)
	}
	if mask.DType() != dtypes.Bool {
		Panicf("attention.MaskedSoftmax: mask must be boolean, got dtype %s", mask.DType())
	}
	if mask.Rank() != logits.Rank() {
		Panicf("attention.MaskedSoftmax: mask rank %d incompatible with logits rank %d (shapes %s vs %s)",
			mask.Rank(), logits.Rank(), mask.Shape(), logits.Shape())
	}
	mask = graph.BroadcastToDims(mask, logits.Shape().Dimensions...)
	filled := graph.Where(mask, logits, graph.ConstAs(logits, maskFill(logits.DType())))
	result := graph.Softmax(filled, axis)
	return graph.Where(mask, result, graph.ZerosLike(result))
}
