// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements the relation-aware multi-head self-attention
// layer over region proposals from "Relation-aware Graph Attention Network for
// Visual Question Answering" (Li et al., https://arxiv.org/abs/1903.12314).
//
// For each region of interest (RoI), the layer aggregates features from a
// bounded neighborhood of leading regions, with the per-head scaled dot-product
// scores optionally fused with a learned geometric relation gate (implicit
// relations) and optionally masked and biased by an explicit relation graph
// (explicit relations).
//
// Create the layer with GraphSelfAttention, configure it with the builder
// methods, and call Done (or DoneWithCoefficients) to add it to the graph:
//
//	updated := attention.GraphSelfAttention(ctx, roiFeatures).
//		NumHeads(16).
//		NeighborhoodSize(20).
//		WithRelationMask(adjacency, labelBiases).
//		Done()
package attention

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/regat/fcnet"
	"github.com/gomlx/regat/weightnorm"
)

const (
	// ParamNeighborhoodSize is the context parameter with the default number of
	// leading regions that serve as attention targets. Default is 20 (int).
	ParamNeighborhoodSize = "regat_neighborhood_size"

	// ParamNumHeads is the context parameter with the default number of
	// attention heads. Default is 16 (int).
	ParamNumHeads = "regat_num_heads"

	// ParamContentDropout is the context parameter with the default dropout
	// rate of the query and key projections. Default is 0.2 (float64).
	ParamContentDropout = "regat_content_dropout"

	// ParamPositionalDropout is the context parameter with the default dropout
	// rate of the positional-gate projection. Default is 0.5 (float64).
	ParamPositionalDropout = "regat_positional_dropout"
)

const (
	// positionalGateFloor is the minimum value of the positional gate before it
	// is taken to log-domain: gates at or below zero are clamped, not an error.
	positionalGateFloor = 1e-6

	// maskedScore is the sentinel assigned to masked-out edges. It is large
	// enough (in magnitude) that after softmax those edges get ~0 weight no
	// matter what the content, positional, or bias terms were.
	maskedScore = -9e15
)

// variant is the layer configuration: which optional relation signals are
// wired in. Keeping it explicit lets each stage stay free of optional-input
// checks.
type variant int

const (
	variantPlain      variant = iota // content-only attention
	variantPositional                // + implicit (geometric) relations
	variantMasked                    // + explicit relation mask and label biases
	variantFull                      // both of the above
)

func (v variant) String() string {
	switch v {
	case variantPlain:
		return "plain"
	case variantPositional:
		return "positional"
	case variantMasked:
		return "masked"
	case variantFull:
		return "positional+masked"
	}
	return "invalid"
}

// Builder is a helper to build the graph self-attention computation. Create it
// with GraphSelfAttention, set the desired parameters, and call Done.
type Builder struct {
	ctx         *context.Context
	g           *Graph
	roiFeatures *Node

	numHeads         int
	neighborhoodSize int
	outputDim        int

	positionEmbedding *Node
	posEmbDim         int

	adjacency, labelBiases *Node

	contentDropout, positionalDropout float64

	// Set by validate() at Done time.
	batchSize, numROIs, featDim, effectiveNongt int
}

// GraphSelfAttention creates a Builder for the relation-aware graph
// self-attention layer over roiFeatures, which must be shaped
// `[batchSize, numROIs, featDim]`.
//
// Without further configuration the layer computes plain multi-head
// dot-product attention of every region over the leading NeighborhoodSize
// regions. Use WithPositionEmbedding and/or WithRelationMask to enable the
// implicit and explicit relation signals.
//
// Configuration defaults can also be set as context parameters, see the
// Param... constants in this package.
func GraphSelfAttention(ctx *context.Context, roiFeatures *Node) *Builder {
	shape := roiFeatures.Shape()
	if shape.Rank() != 3 {
		Panicf("GraphSelfAttention: roiFeatures must be rank-3 ([batchSize, numROIs, featDim]), got shape=%s", shape)
	}
	if !shape.DType.IsFloat() {
		Panicf("GraphSelfAttention: roiFeatures must be of a float dtype, got shape=%s", shape)
	}
	return &Builder{
		ctx:               ctx.In("GraphSelfAttention"),
		g:                 roiFeatures.Graph(),
		roiFeatures:       roiFeatures,
		numHeads:          context.GetParamOr(ctx, ParamNumHeads, 16),
		neighborhoodSize:  context.GetParamOr(ctx, ParamNeighborhoodSize, 20),
		outputDim:         shape.Dimensions[2],
		contentDropout:    context.GetParamOr(ctx, ParamContentDropout, 0.2),
		positionalDropout: context.GetParamOr(ctx, ParamPositionalDropout, 0.5),
	}
}

// NumHeads sets the number of attention heads. featDim must be divisible by
// it. Default is 16, or the context parameter ParamNumHeads.
func (b *Builder) NumHeads(numHeads int) *Builder {
	if numHeads <= 0 {
		Panicf("GraphSelfAttention: numHeads must be > 0, got %d", numHeads)
	}
	b.numHeads = numHeads
	return b
}

// NeighborhoodSize caps how many of the leading regions participate as
// attention targets (keys/values) for every query region. The effective value
// at graph-building time is min(neighborhoodSize, numROIs). Default is 20, or
// the context parameter ParamNeighborhoodSize.
func (b *Builder) NeighborhoodSize(size int) *Builder {
	if size <= 0 {
		Panicf("GraphSelfAttention: neighborhood size must be > 0, got %d", size)
	}
	b.neighborhoodSize = size
	return b
}

// OutputDim sets the width of the final mixed output features. It must be
// divisible by the number of heads. Default is featDim.
func (b *Builder) OutputDim(outputDim int) *Builder {
	if outputDim <= 0 {
		Panicf("GraphSelfAttention: outputDim must be > 0, got %d", outputDim)
	}
	b.outputDim = outputDim
	return b
}

// ProjectionDropout sets the dropout rates used inside the internal
// feed-forward projections: content applies to the query/key projections and
// positional to the positional-gate projection. They only take effect while
// the context is marked as training. Defaults are (0.2, 0.5), or the context
// parameters ParamContentDropout and ParamPositionalDropout.
//
// Note for anyone porting ReGAT checkpoints: the original ReGAT release
// applies its first dropout rate to the positional-gate projection as well and
// never uses the second one, whereas here each projection has its own rate.
func (b *Builder) ProjectionDropout(content, positional float64) *Builder {
	if content < 0 || content >= 1 || positional < 0 || positional >= 1 {
		Panicf("GraphSelfAttention: dropout rates must be in [0, 1), got (%g, %g)", content, positional)
	}
	b.contentDropout = content
	b.positionalDropout = positional
	return b
}

// WithPositionEmbedding enables the implicit-relation configuration: a learned
// per-head gate derived from the geometric relation embedding is fused (in log
// domain) with the content scores.
//
// positionEmbedding must be shaped
// `[batchSize, numROIs, effectiveNeighborhood, posEmbDim]` and posEmbDim must
// be > 0 -- passing an embedding to a layer configured for explicit relations
// only (posEmbDim <= 0) is an error.
func (b *Builder) WithPositionEmbedding(positionEmbedding *Node, posEmbDim int) *Builder {
	if posEmbDim <= 0 {
		Panicf("GraphSelfAttention: position embedding supplied, but posEmbDim=%d <= 0 disables the positional path", posEmbDim)
	}
	shape := positionEmbedding.Shape()
	if shape.Rank() != 4 {
		Panicf("GraphSelfAttention: positionEmbedding must be rank-4 ([batchSize, numROIs, neighborhood, posEmbDim]), got shape=%s", shape)
	}
	if shape.Dimensions[3] != posEmbDim {
		Panicf("GraphSelfAttention: positionEmbedding last dimension is %d, expected posEmbDim=%d", shape.Dimensions[3], posEmbDim)
	}
	b.positionEmbedding = positionEmbedding
	b.posEmbDim = posEmbDim
	return b
}

// WithRelationMask enables the explicit-relation configuration: scores of
// (region, neighbor) pairs with adjacency <= 0 are replaced by a large
// negative sentinel, and labelBiases is added afterwards -- so biases only
// perturb the edges that passed the mask, never resurrect a masked one.
//
// adjacency and labelBiases must both be provided, shaped
// `[batchSize, numROIs, effectiveNeighborhood]`. adjacency may be boolean or
// numeric (entries > 0 mean "edge present"); labelBiases must have the same
// dtype as the region features and is broadcast across heads.
func (b *Builder) WithRelationMask(adjacency, labelBiases *Node) *Builder {
	if adjacency == nil || labelBiases == nil {
		Panicf("GraphSelfAttention: adjacency and labelBiases must both be provided")
	}
	if adjacency.Rank() != 3 {
		Panicf("GraphSelfAttention: adjacency must be rank-3 ([batchSize, numROIs, neighborhood]), got shape=%s", adjacency.Shape())
	}
	if labelBiases.Rank() != 3 {
		Panicf("GraphSelfAttention: labelBiases must be rank-3 ([batchSize, numROIs, neighborhood]), got shape=%s", labelBiases.Shape())
	}
	if labelBiases.DType() != b.roiFeatures.DType() {
		Panicf("GraphSelfAttention: labelBiases dtype (%s) must match roiFeatures dtype (%s)",
			labelBiases.DType(), b.roiFeatures.DType())
	}
	b.adjacency = adjacency
	b.labelBiases = labelBiases
	return b
}

func (b *Builder) variant() variant {
	switch {
	case b.positionEmbedding != nil && b.adjacency != nil:
		return variantFull
	case b.positionEmbedding != nil:
		return variantPositional
	case b.adjacency != nil:
		return variantMasked
	}
	return variantPlain
}

// validate checks the settled configuration against the input shapes and fills
// in the derived dimensions, including the effective neighborhood size.
func (b *Builder) validate() {
	dims := b.roiFeatures.Shape().Dimensions
	b.batchSize, b.numROIs, b.featDim = dims[0], dims[1], dims[2]
	if b.featDim%b.numHeads != 0 {
		Panicf("GraphSelfAttention: featDim (%d) must be divisible by numHeads (%d)", b.featDim, b.numHeads)
	}
	if b.outputDim%b.numHeads != 0 {
		Panicf("GraphSelfAttention: outputDim (%d) must be divisible by numHeads (%d)", b.outputDim, b.numHeads)
	}
	b.effectiveNongt = min(b.neighborhoodSize, b.numROIs)

	if b.adjacency != nil {
		want := []int{b.batchSize, b.numROIs, b.effectiveNongt}
		b.assertDims("adjacency", b.adjacency, want)
		b.assertDims("labelBiases", b.labelBiases, want)
	}
	if b.positionEmbedding != nil {
		want := []int{b.batchSize, b.numROIs, b.effectiveNongt, b.posEmbDim}
		b.assertDims("positionEmbedding", b.positionEmbedding, want)
	}
}

func (b *Builder) assertDims(name string, node *Node, want []int) {
	got := node.Shape().Dimensions
	if len(got) != len(want) {
		Panicf("GraphSelfAttention: %s must be rank-%d, got shape=%s", name, len(want), node.Shape())
	}
	for axis, dim := range want {
		if got[axis] != dim {
			Panicf("GraphSelfAttention: %s shape=%s doesn't match expected dimensions %v (with effective neighborhood %d)",
				name, node.Shape(), want, b.effectiveNongt)
		}
	}
}

// contentScores projects regions to per-head query/key space and returns the
// scaled dot-product scores shaped `[batchSize, numROIs, numHeads, nongt]`.
func (b *Builder) contentScores(neighbors *Node) *Node {
	headDim := b.featDim / b.numHeads
	query := fcnet.New(b.ctx.In("query"), b.roiFeatures, b.featDim).
		Dropout(b.contentDropout).Done()
	key := fcnet.New(b.ctx.In("key"), neighbors, b.featDim).
		Dropout(b.contentDropout).Done()
	query = Reshape(query, b.batchSize, b.numROIs, b.numHeads, headDim)
	key = Reshape(key, b.batchSize, b.effectiveNongt, b.numHeads, headDim)
	scores := Einsum("bqhd,bkhd->bqhk", query, key)
	return MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))
}

// fusePositionalGate projects the geometric relation embedding to one gate per
// head, rectifies and floors it, and adds its log to the content scores --
// after softmax this is equivalent to multiplying the attention weight by the
// (non-negative) gate.
func (b *Builder) fusePositionalGate(scores *Node) *Node {
	posEmb := b.positionEmbedding
	if posEmb.DType() != b.roiFeatures.DType() {
		posEmb = ConvertDType(posEmb, b.roiFeatures.DType())
	}
	flat := Reshape(posEmb, b.batchSize, b.numROIs*b.effectiveNongt, b.posEmbDim)
	gate := fcnet.New(b.ctx.In("position"), flat, b.numHeads).
		Dropout(b.positionalDropout).
		Activation(activations.TypeRelu).
		Done()
	gate = Reshape(gate, b.batchSize, b.numROIs, b.effectiveNongt, b.numHeads)
	gate = Transpose(gate, 2, 3) // -> [batch, rois, heads, nongt]
	gate = MaxScalar(gate, positionalGateFloor)
	return Add(scores, Log(gate))
}

// applyRelationMask replaces scores of absent edges with the maskedScore
// sentinel and then adds the per-edge label biases, broadcast across heads.
// The order matters: the bias is added after masking, so it never rescues a
// masked edge.
func (b *Builder) applyRelationMask(scores *Node) *Node {
	edges := b.adjacency
	if edges.DType() != dtypes.Bool {
		edges = GreaterThan(edges, ZerosLike(edges))
	}
	edges = InsertAxes(edges, 2) // -> [batch, rois, 1, nongt]
	edges = BroadcastToDims(edges, b.batchSize, b.numROIs, b.numHeads, b.effectiveNongt)
	sentinel := FillScalar(b.g, scores.Shape(), maskedScore)
	masked := Where(edges, scores, sentinel)
	biases := InsertAxes(b.labelBiases, 2)
	biases = BroadcastToDims(biases, b.batchSize, b.numROIs, b.numHeads, b.effectiveNongt)
	return Add(masked, biases)
}

// aggregate computes the per-head weighted sums of the raw neighbor features
// and mixes the heads back into a single feature vector per region through a
// grouped weight-normalized projection (one group per head, so no cross-head
// channel mixing happens before the learned per-group combination).
func (b *Builder) aggregate(coefficients, neighbors *Node) *Node {
	attended := Einsum("bqhk,bkf->bqhf", coefficients, neighbors)
	return weightnorm.GroupedDense(b.ctx.In("linear_out"), attended, true, b.numHeads, b.outputDim)
}

// DoneWithCoefficients builds the configured attention computation and returns
// both the updated features, shaped `[batchSize, numROIs, outputDim]`, and the
// attention coefficients, shaped `[batchSize, numROIs, numHeads, nongt]`,
// where nongt = min(NeighborhoodSize, numROIs).
func (b *Builder) DoneWithCoefficients() (output, coefficients *Node) {
	b.validate()
	if klog.V(2).Enabled() {
		klog.Infof("GraphSelfAttention (%s): variant=%s batch=%d rois=%d featDim=%d heads=%d nongt=%d outputDim=%d\n",
			b.ctx.Scope(), b.variant(), b.batchSize, b.numROIs, b.featDim, b.numHeads, b.effectiveNongt, b.outputDim)
	}

	// Values are the raw (unprojected) features of the neighbor pool.
	neighbors := Slice(b.roiFeatures, AxisRange(), AxisRange(0, b.effectiveNongt), AxisRange())

	scores := b.contentScores(neighbors)
	switch b.variant() {
	case variantPositional:
		scores = b.fusePositionalGate(scores)
	case variantMasked:
		scores = b.applyRelationMask(scores)
	case variantFull:
		scores = b.fusePositionalGate(scores)
		scores = b.applyRelationMask(scores)
	case variantPlain:
		// Content scores only.
	}

	coefficients = Softmax(scores, -1)
	output = b.aggregate(coefficients, neighbors)
	return
}

// Done builds the configured attention computation and returns the updated
// features, shaped `[batchSize, numROIs, outputDim]`. Use DoneWithCoefficients
// if the attention coefficients are also needed.
func (b *Builder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}
