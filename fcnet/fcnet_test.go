// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fcnet

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleLayer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// With initializer One the effective weights are 1/sqrt(2*2)=0.5 and biases 1.
	ctx := context.New().WithInitializer(initializers.One)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return New(ctx.In("proj"), x, 2).Activation(activations.TypeRelu).Done()
	})

	got := exec.Call([][]float32{{1, 2}, {-10, 0}})[0].Value().([][]float32)
	// Row 0: 3*0.5+1 = 2.5, unchanged by ReLU. Row 1: -10*0.5+1 = -4, rectified to 0.
	assert.InDelta(t, 2.5, float64(got[0][0]), 1e-6)
	assert.InDelta(t, 2.5, float64(got[0][1]), 1e-6)
	assert.InDelta(t, 0.0, float64(got[1][0]), 1e-6)
	assert.InDelta(t, 0.0, float64(got[1][1]), 1e-6)
}

func TestStackShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "stack")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 3, 7, 5))
	output := New(ctx, x, 16, 4).Activation(activations.TypeRelu).Dropout(0.2).Done()
	assert.EqualValues(t, []int{3, 7, 4}, output.Shape().Dimensions)
}

func TestDropoutInactiveDuringInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(initializers.ParamInitialSeed, int64(17))
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.1))
	withDropout := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return New(ctx.In("proj"), x, 4).Dropout(0.9).Done()
	})
	withoutDropout := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		return New(ctx.In("proj"), x, 4).Done()
	})

	x := [][]float32{{1, 2, 3}}
	first := withDropout.Call(x)[0].Value().([][]float32)
	second := withDropout.Call(x)[0].Value().([][]float32)
	require.Equal(t, first, second, "dropout must be a no-op outside of training")

	// Same variables, no dropout: identical output.
	plain := withoutDropout.Call(x)[0].Value().([][]float32)
	require.Equal(t, first, plain)
}

func TestValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "validation")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 3, 5))

	require.Panics(t, func() { New(ctx, x) })
	require.Panics(t, func() { New(ctx, x, 4, 0) })
	require.Panics(t, func() { New(ctx, x, 4).Dropout(1.0) })
	scalarish := IotaFull(g, shapes.Make(dtypes.Float32, 5))
	require.Panics(t, func() { New(ctx, scalarish, 4) })
}
