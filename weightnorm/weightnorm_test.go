// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weightnorm

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDense(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// With initializer One, the direction is all ones, the magnitude is 1 and
	// biases are 1: every effective weight is 1/sqrt(inputDim*outputDim).
	ctx := context.New().WithInitializer(initializers.One)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Dense(ctx.In("dense"), x, true, 2)
	})
	got := exec.Call([][]float32{{1, 2, 3, 4}})[0].Value().([][]float32)
	want := 10.0/math.Sqrt(4*2) + 1.0
	for o, v := range got[0] {
		assert.InDeltaf(t, want, float64(v), 1e-6, "output %d", o)
	}

	// Repeated calls share the variables and stay put.
	again := exec.Call([][]float32{{1, 2, 3, 4}})[0].Value().([][]float32)
	require.Equal(t, got, again)
}

func TestDenseDisabledFactorization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(initializers.One)
	ctx.SetParam(ParamDisabled, true)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Dense(ctx.In("dense"), x, true, 3)
	})

	// Direct parameterization: weights are plain ones, so output = sum(x) + 1.
	got := exec.Call([][]float32{{1, 2, 3, 4}})[0].Value().([][]float32)
	for o, v := range got[0] {
		assert.InDeltaf(t, 11.0, float64(v), 1e-6, "output %d", o)
	}
}

func TestGroupedDense(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(initializers.One)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return GroupedDense(ctx.In("grouped"), x, true, 2, 4)
	})

	// 2 groups of 3 inputs and 2 outputs each; effective weights are
	// 1/sqrt(2*3*2). Group 1's inputs are all zero: its outputs must be exactly
	// the bias, proving there is no cross-group leakage.
	x := [][][]float32{{{1, 2, 3}, {0, 0, 0}}}
	got := exec.Call(x)[0].Value().([][]float32)
	require.Equal(t, 4, len(got[0]))
	group0 := 6.0/math.Sqrt(2*3*2) + 1.0
	assert.InDelta(t, group0, float64(got[0][0]), 1e-6)
	assert.InDelta(t, group0, float64(got[0][1]), 1e-6)
	assert.InDelta(t, 1.0, float64(got[0][2]), 1e-6)
	assert.InDelta(t, 1.0, float64(got[0][3]), 1e-6)
}

func TestGroupedDenseHigherRank(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "rank4")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 5, 4, 8))
	output := GroupedDense(ctx, x, true, 4, 16)
	assert.EqualValues(t, []int{2, 5, 16}, output.Shape().Dimensions)
}

func TestValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "validation")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 4))

	require.Panics(t, func() { Dense(ctx.In("a"), x, true, 0) })
	// Groups axis mismatch.
	require.Panics(t, func() { GroupedDense(ctx.In("b"), x, true, 2, 4) })
	// Output not divisible by groups.
	require.Panics(t, func() { GroupedDense(ctx.In("c"), x, true, 3, 4) })
	// Rank too low for grouping.
	flat := IotaFull(g, shapes.Make(dtypes.Float32, 3, 4))
	require.Panics(t, func() { GroupedDense(ctx.In("d"), flat, true, 3, 6) })
}
