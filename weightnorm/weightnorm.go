// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package weightnorm implements linear transformations whose weight tensor is
// factored into a normalized direction and a scalar magnitude, as described in
// "Weight Normalization: A Simple Reparameterization to Accelerate Training of
// Deep Neural Networks" (Salimans & Kingma, https://arxiv.org/abs/1602.07868).
//
// The factorization used here normalizes over the whole weight tensor (a single
// scalar magnitude), which is the flavor used by the ReGAT graph attention
// layers this package supports. It is purely an optimizer-stability
// reparameterization: the forward computation is an ordinary linear transform.
//
// The factorization can be turned off per scope with the context parameter
// ParamDisabled, in which case the weight is parameterized directly -- the
// transforms in this package then behave like a plain layers.Dense.
package weightnorm

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// ParamDisabled is a context parameter that, if set to true, disables the
// magnitude/direction factorization: the weight becomes a single directly
// trained variable. Default is false (bool).
const ParamDisabled = "weightnorm_disabled"

// effectiveWeight creates (or reuses) the weight variables in ctx and returns
// the effective weight node: scale * direction / ||direction||.
//
// The direction variable ("weights_v") uses the context's initializer; the
// scalar magnitude ("weights_g") is initialized to 1 so that the effective
// weight starts as the normalized direction.
func effectiveWeight(ctx *context.Context, g *Graph, shape shapes.Shape) *Node {
	if context.GetParamOr(ctx, ParamDisabled, false) {
		return ctx.VariableWithShape("weights", shape).ValueGraph(g)
	}
	direction := ctx.VariableWithShape("weights_v", shape).ValueGraph(g)
	scale := ctx.WithInitializer(initializers.One).
		VariableWithShape("weights_g", shapes.Make(shape.DType)).ValueGraph(g)
	norm := Sqrt(ReduceAllSum(Square(direction)))
	return Mul(direction, Div(scale, norm))
}

// addBias creates a "biases" variable shaped like the last axis of x and adds
// it, broadcasting over all leading axes.
func addBias(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	outputDim := x.Shape().Dimensions[x.Rank()-1]
	biasVar := ctx.VariableWithShape("biases", shapes.Make(x.DType(), outputDim))
	bias := biasVar.ValueGraph(g)
	expandedShape := x.Shape().Clone()
	for ii := range expandedShape.Dimensions[:x.Rank()-1] {
		expandedShape.Dimensions[ii] = 1
	}
	return Add(x, ReshapeWithShape(bias, expandedShape))
}

// Dense applies a weight-normalized linear transformation to the last axis of
// input, mapping it to outputDim. Input must be rank >= 2, shaped
// `[<batch dimensions...>, inputDim]`, and the output is shaped
// `[<batch dimensions...>, outputDim]`.
func Dense(ctx *context.Context, input *Node, useBias bool, outputDim int) *Node {
	g := input.Graph()
	if input.Rank() < 2 {
		Panicf("weightnorm.Dense: input must be rank at least 2, got input.shape=%s", input.Shape())
	}
	if outputDim <= 0 {
		Panicf("weightnorm.Dense: outputDim must be > 0, got %d", outputDim)
	}
	inputDim := input.Shape().Dimensions[input.Rank()-1]
	weights := effectiveWeight(ctx, g, shapes.Make(input.DType(), inputDim, outputDim))
	output := DotGeneral(input, []int{-1}, nil, weights, []int{0}, nil)
	if useBias {
		output = addBias(ctx, output)
	}
	return output
}

// GroupedDense applies a weight-normalized grouped linear transformation.
//
// Input must be shaped `[<batch dimensions...>, numGroups, groupInputDim]`:
// each of the numGroups groups is mapped independently from its groupInputDim
// inputs to outputDim/numGroups outputs -- there is no weight sharing nor
// mixing across groups. The per-group outputs are concatenated, so the result
// is shaped `[<batch dimensions...>, outputDim]`.
//
// This is the linear-algebra equivalent of a 1x1 grouped convolution over
// numGroups*groupInputDim channels, expressed directly as a batched matrix
// multiplication.
func GroupedDense(ctx *context.Context, input *Node, useBias bool, numGroups, outputDim int) *Node {
	g := input.Graph()
	if input.Rank() < 3 {
		Panicf("weightnorm.GroupedDense: input must be rank at least 3 ([<batch...>, numGroups, groupInputDim]), got input.shape=%s",
			input.Shape())
	}
	if numGroups <= 0 || outputDim <= 0 || outputDim%numGroups != 0 {
		Panicf("weightnorm.GroupedDense: outputDim (%d) must be positive and divisible by numGroups (%d)",
			outputDim, numGroups)
	}
	dims := input.Shape().Dimensions
	if dims[input.Rank()-2] != numGroups {
		Panicf("weightnorm.GroupedDense: input.shape=%s doesn't match numGroups=%d on axis %d",
			input.Shape(), numGroups, input.Rank()-2)
	}
	groupInputDim := dims[input.Rank()-1]
	groupOutputDim := outputDim / numGroups

	weights := effectiveWeight(ctx, g,
		shapes.Make(input.DType(), numGroups, groupInputDim, groupOutputDim))

	// Flatten batch axes, contract each group against its own weight slice, and
	// merge the (numGroups, groupOutputDim) axes into the output axis.
	flat := Reshape(input, -1, numGroups, groupInputDim)
	flat = Einsum("bgi,gio->bgo", flat, weights)
	outputDims := make([]int, 0, input.Rank()-1)
	outputDims = append(outputDims, dims[:input.Rank()-2]...)
	outputDims = append(outputDims, outputDim)
	output := Reshape(flat, outputDims...)
	if useBias {
		output = addBias(ctx, output)
	}
	return output
}
