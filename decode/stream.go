// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decode drives attention cells step by step during decoding.
//
// A Stream compiles a cell's Prime and Step graph functions once and
// materializes the cell state as tensors between executions: the first Step
// after construction (or after Reset) primes the state from the encoder
// states, and every Step after that reuses it. Switch to a new utterance with
// Reset.
package decode

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Attention is an attention cell that can be driven by a Stream: Prime builds
// the per-utterance state from the encoder states and their lengths, and Step
// consumes the state with one decoder state, returning the attended context
// vector, the attention weights and the state for the next step.
//
// ContentAttention, LocationAwareAttention and KeyValueAttention from package
// attention implement it.
type Attention interface {
	Prime(ctx *context.Context, encStates, encLen *graph.Node) []*graph.Node
	Step(ctx *context.Context, state []*graph.Node, decState *graph.Node) (contextVec, weights *graph.Node, next []*graph.Node)
}

// ErrDegenerateInput reports encoder lengths a Stream cannot attend over,
// such as a zero-length sequence or a length beyond the padded time axis.
// Test with errors.Is.
var ErrDegenerateInput = errors.New("degenerate encoder input")

// Stream drives an attention cell across decoder timesteps.
//
// It is not safe for concurrent use.
type Stream struct {
	primeExec *context.Exec
	stepExec  *context.Exec

	// state is nil until the first Step (or after Reset) and holds the
	// cell's materialized state tensors afterwards.
	state []*tensors.Tensor
}

// NewStream compiles the cell's prime and step graphs against the given
// context and returns a ready Stream. The context holds the cell's
// parameters; it is switched to unchecked variable reuse because both graphs
// share them.
func NewStream(backend backends.Backend, ctx *context.Context, cell Attention) *Stream {
	ctx = ctx.Checked(false)
	return &Stream{
		primeExec: must.M1(context.NewExec(backend, ctx,
			func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
				return cell.Prime(ctx, inputs[0], inputs[1])
			})),
		stepExec: must.M1(context.NewExec(backend, ctx,
			func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
				contextVec, weights, next := cell.Step(ctx, inputs[:len(inputs)-1], inputs[len(inputs)-1])
				return append([]*graph.Node{contextVec, weights}, next...)
			})),
	}
}

// Reset drops the materialized state: the next Step primes it again from the
// encoder states it is given. Call it between utterances.
func (s *Stream) Reset() {
	s.state = nil
}

// Step runs one decoder timestep. encStates is [batch, time, encDim], encLen
// is [batch] int32 or int64 lengths and decState is [batch, decDim]. The
// encoder inputs are only read on the first Step after construction or Reset;
// later steps reuse the primed state and ignore them.
//
// It returns the attended context vector and the attention weights for this
// step. Degenerate lengths (non-positive, or larger than the time axis) fail
// with an error wrapping ErrDegenerateInput.
func (s *Stream) Step(encStates, encLen, decState *tensors.Tensor) (contextVec, weights *tensors.Tensor, err error) {
	if s.state == nil {
		if err = checkLengths(encStates, encLen); err != nil {
			return nil, nil, err
		}
		klog.V(2).Infof("decode.Stream: priming attention state from encoder states shaped %s", encStates.Shape())
		err = exceptions.TryCatch[error](func() {
			s.state = s.primeExec.MustExec(encStates, encLen)
		})
		if err != nil {
			return nil, nil, errors.WithMessage(err, "decode.Stream: priming attention state")
		}
	}

	args := make([]any, 0, len(s.state)+1)
	for _, t := range s.state {
		args = append(args, t)
	}
	args = append(args, decState)
	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		results = s.stepExec.MustExec(args...)
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "decode.Stream: attention step")
	}
	contextVec, weights = results[0], results[1]
	s.state = results[2:]
	return contextVec, weights, nil
}

// checkLengths validates the encoder lengths on the host before any graph
// runs: every sequence must have at least one valid frame and fit in the
// padded time axis.
func checkLengths(encStates, encLen *tensors.Tensor) error {
	if encStates.Rank() != 3 {
		return errors.Errorf("decode.Stream: encoder states must be rank-3 [batch, time, dim], got shape %s", encStates.Shape())
	}
	if encLen.Rank() != 1 || encLen.Shape().Dim(0) != encStates.Shape().Dim(0) {
		return errors.Errorf("decode.Stream: encoder lengths must be [batch=%d], got shape %s",
			encStates.Shape().Dim(0), encLen.Shape())
	}
	maxLen := int64(encStates.Shape().Dim(1))
	var lengths []int64
	switch values := encLen.Value().(type) {
	case []int32:
		lengths = make([]int64, len(values))
		for i, v := range values {
			lengths[i] = int64(v)
		}
	case []int64:
		lengths = values
	default:
		return errors.Errorf("decode.Stream: encoder lengths must be int32 or int64, got dtype %s", encLen.DType())
	}
	for i, length := range lengths {
		if length <= 0 {
			return errors.Wrapf(ErrDegenerateInput, "sequence %d has length %d", i, length)
		}
		if length > maxLen {
			return errors.Wrapf(ErrDegenerateInput, "sequence %d has length %d, beyond the padded time axis %d", i, length, maxLen)
		}
	}
	return nil
}
