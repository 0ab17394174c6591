// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// LocationAwareAttention extends ContentAttention with a location term: the
// attention distribution from the previous decoder step is convolved along
// the time axis and fed into the scoring MLP, letting the cell prefer
// positions near where it attended last (Chorowski et al., 2015).
//
// The previous distribution travels in the state slice. Prime initializes it
// to uniform over the valid positions of each sequence; Step replaces it with
// the freshly computed weights, detached from the gradient so training does
// not backpropagate through the attention history.
type LocationAwareAttention struct {
	EncDim, DecDim, AttnDim, OutputDim int
	ConvChannels, KernelSize           int
	Scaling                            float64
}

// NewLocationAwareAttention configures a location-aware attention cell.
// kernelSize is the full width of the convolution over the previous
// attention weights and must be odd so the convolution preserves the time
// dimension.
func NewLocationAwareAttention(encDim, decDim, attnDim, outputDim, convChannels, kernelSize int) *LocationAwareAttention {
	if encDim <= 0 || decDim <= 0 || attnDim <= 0 || outputDim <= 0 || convChannels <= 0 {
		Panicf("attention.NewLocationAwareAttention: dimensions must be positive, got enc=%d, dec=%d, attn=%d, output=%d, channels=%d",
			encDim, decDim, attnDim, outputDim, convChannels)
	}
	if kernelSize <= 0 || kernelSize%2 == 0 {
		Panicf("attention.NewLocationAwareAttention: kernel size must be odd and positive, got %d", kernelSize)
	}
	return &LocationAwareAttention{
		EncDim: encDim, DecDim: decDim, AttnDim: attnDim, OutputDim: outputDim,
		ConvChannels: convChannels, KernelSize: kernelSize,
		Scaling: 1.0,
	}
}

// WithScaling sets the multiplier applied to the raw scores before the
// softmax. It returns the cell to allow chaining.
func (l *LocationAwareAttention) WithScaling(scaling float64) *LocationAwareAttention {
	l.Scaling = scaling
	return l
}

// Prime computes the state for a new source sequence. On top of the
// content-based state it adds the initial "previous attention": a uniform
// distribution over the valid positions of each sequence, zero on padding.
func (l *LocationAwareAttention) Prime(ctx *context.Context, encStates, encLen *graph.Node) []*graph.Node {
	checkEncoderInputs(encStates, encLen, l.EncDim)
	dtype := encStates.DType()
	projected := layers.Dense(ctx.In("enc_proj"), encStates, true, l.AttnDim)
	mask := SequenceMask(encLen, encStates.Shape().Dim(1))
	lengths := graph.InsertAxes(graph.ConvertDType(encLen, dtype), -1) // [batch, 1]
	prevAttn := graph.Div(graph.ConvertDType(mask, dtype), lengths)    // [batch, time]
	return []*graph.Node{projected, encStates, mask, prevAttn}
}

// locationFeatures convolves the previous attention weights [batch, time]
// into [batch, time, AttnDim] location features.
func (l *LocationAwareAttention) locationFeatures(ctx *context.Context, prevAttn *graph.Node) *graph.Node {
	g := prevAttn.Graph()
	dtype := prevAttn.DType()
	kernelVar := ctx.In("loc_conv").VariableWithShape("weights",
		shapes.Make(dtype, l.KernelSize, 1, l.ConvChannels))
	kernel := kernelVar.ValueGraph(g)
	convolved := graph.Convolve(graph.InsertAxes(prevAttn, -1), kernel).Strides(1).PadSame().Done()
	return layers.Dense(ctx.In("loc_proj"), convolved, true, l.AttnDim)
}

// Step runs one decoder timestep, see ContentAttention.Step for shapes. The
// returned state carries this step's attention weights (detached) as the next
// step's location input.
func (l *LocationAwareAttention) Step(ctx *context.Context, state []*graph.Node, decState *graph.Node) (contextVec, weights *graph.Node, next []*graph.Node) {
	if len(state) != 4 {
		Panicf("attention: LocationAwareAttention.Step given state with %d entries, want 4 (from Prime)", len(state))
	}
	projected, encStates, mask, prevAttn := state[0], state[1], state[2], state[3]
	if decState.Rank() != 2 || decState.Shape().Dim(-1) != l.DecDim {
		Panicf("attention: decoder state must be [batch, %d], got shape %s", l.DecDim, decState.Shape())
	}

	decProj := layers.Dense(ctx.In("dec_proj"), decState, true, l.AttnDim)
	locProj := l.locationFeatures(ctx, prevAttn)
	combined := graph.Tanh(graph.Add(graph.Add(projected, graph.InsertAxes(decProj, 1)), locProj))
	scores := layers.Dense(ctx.In("score"), combined, false, 1)
	scores = graph.Squeeze(scores, -1)
	if l.Scaling != 1.0 {
		scores = graph.MulScalar(scores, l.Scaling)
	}

	weights = MaskedSoftmax(scores, mask, -1)
	contextVec = graph.Einsum("bt,btf->bf", weights, encStates)
	contextVec = layers.Dense(ctx.In("out_proj"), contextVec, true, l.OutputDim)

	next = []*graph.Node{projected, encStates, mask, graph.StopGradient(weights)}
	return contextVec, weights, next
}
