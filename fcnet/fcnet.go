// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fcnet implements the small fully-connected stacks used as projection
// sub-networks by the ReGAT graph attention layers.
//
// Each layer applies, in order: dropout (inactive during inference), a
// weight-normalized linear transformation (see the weightnorm package) and an
// optional activation. It is a deliberately thin cousin of gomlx's
// ml/layers/fnn, with the layer recipe of ReGAT's FCNet.
//
// Example: a two-layer projection with ReLU in between and 20% dropout:
//
//	proj := fcnet.New(ctx.In("proj"), x, hiddenDim, outputDim).
//		Activation(activations.TypeRelu).
//		Dropout(0.2).
//		Done()
package fcnet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"

	"github.com/gomlx/regat/weightnorm"
)

// Config is created with New and configured with its methods. Call Done to add
// the stack to the graph and get the output node.
type Config struct {
	ctx        *context.Context
	input      *Node
	layerDims  []int
	activation activations.Type
	dropout    float64
	useBias    bool
}

// New creates the configuration for a fully-connected stack applied to input,
// with one layer per element of layerDims: layer i maps the previous width to
// layerDims[i].
//
// The input is expected shaped `[<batch dimensions...>, featureDim]` and the
// output will be `[<batch dimensions...>, layerDims[len(layerDims)-1]]`.
//
// Defaults: no activation, no dropout, bias enabled.
func New(ctx *context.Context, input *Node, layerDims ...int) *Config {
	if input.Rank() < 2 {
		Panicf("fcnet: input must be rank at least 2, got input.shape=%s", input.Shape())
	}
	if len(layerDims) == 0 {
		Panicf("fcnet: at least one layer dimension must be given")
	}
	for _, dim := range layerDims {
		if dim <= 0 {
			Panicf("fcnet: layer dimensions must be > 0, got %v", layerDims)
		}
	}
	return &Config{
		ctx:        ctx,
		input:      input,
		layerDims:  layerDims,
		activation: activations.TypeNone,
		useBias:    true,
	}
}

// Activation sets the activation applied after each layer's linear transform.
// Default is activations.TypeNone, meaning a purely linear stack.
func (c *Config) Activation(activation activations.Type) *Config {
	c.activation = activation
	return c
}

// Dropout sets the dropout rate applied to each layer's input. It only has an
// effect while the context is marked as training; during inference the stack
// is deterministic. Set to 0 to disable. Default is 0.
func (c *Config) Dropout(rate float64) *Config {
	if rate < 0 || rate >= 1 {
		Panicf("fcnet: invalid dropout rate %g -- must be in [0, 1)", rate)
	}
	c.dropout = rate
	return c
}

// UseBias sets whether each linear transform gets a bias term. Default is true.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// Done adds the configured stack to the graph and returns its output.
func (c *Config) Done() *Node {
	x := c.input
	for ii, width := range c.layerDims {
		layerCtx := c.ctx.Inf("layer_%d", ii)
		if c.dropout > 0 {
			x = layers.DropoutStatic(layerCtx, x, c.dropout)
		}
		x = weightnorm.Dense(layerCtx, x, c.useBias, width)
		x = activations.Apply(c.activation, x)
	}
	return x
}
