// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostgo

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

type opType int

const (
	opInvalid opType = iota
	opParameter
	opConstant
	opIota
	opIdentity
	opAdd
	opMul
	opNeg
	opEqual
	opGreaterOrEqual
	opConvertDType
	opTranspose
	opBroadcastInDim
	opReshape
	opReduceSum
	opTuple
	opGetTupleElement
	opCall
	opCreateToken
)

var opTypeNames = [...]string{
	"invalid", "parameter", "constant", "iota", "identity", "add", "mul", "neg",
	"equal", "greater_or_equal", "convert_dtype", "transpose", "broadcast_in_dim",
	"reshape", "reduce_sum", "tuple", "get_tuple_element", "call", "create_token",
}

func (t opType) String() string { return opTypeNames[t] }

// Node is one operation of a computation graph under construction. It is the
// value behind the opaque backends.Op for this backend.
type Node struct {
	builder *Builder
	id      int
	opType  opType
	shape   shapes.Shape
	inputs  []*Node

	// Per-op payloads; only the ones relevant to opType are set.
	literal   *tensors.Local // opConstant
	paramName string         // opParameter
	paramIdx  int            // opParameter
	ints      []int          // axes, permutation, dimensions or tuple index
	sub       *Computation   // opCall
}

// Builder builds a hostgo computation graph. Nodes are appended in
// creation order, which is also a valid evaluation order.
type Builder struct {
	backend *Backend
	name    string
	nodes   []*Node
	params  []*Node
	built   bool
}

// Compile-time check.
var _ backends.Builder = (*Builder)(nil)

func newBuilder(backend *Backend, name string) *Builder {
	return &Builder{backend: backend, name: name}
}

// Name of the computation being built.
func (b *Builder) Name() string { return b.name }

func (b *Builder) checkValid() error {
	if err := b.backend.checkValid(); err != nil {
		return err
	}
	if b.built {
		return errors.Errorf("builder %q was already built and can no longer be used", b.name)
	}
	return nil
}

// castNode converts an opaque backends.Op to a node of this builder.
func (b *Builder) castNode(op backends.Op) (*Node, error) {
	node, ok := op.(*Node)
	if !ok {
		return nil, errors.Errorf("op of type %T is not a %s backend op", op, BackendName)
	}
	if node.builder != b {
		return nil, errors.Errorf("op %s was created by builder %q, not by %q", node.opType, node.builder.name, b.name)
	}
	return node, nil
}

func (b *Builder) castNodes(ops ...backends.Op) ([]*Node, error) {
	nodes := make([]*Node, len(ops))
	for i, op := range ops {
		var err error
		nodes[i], err = b.castNode(op)
		if err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func (b *Builder) newNode(opType opType, shape shapes.Shape, inputs ...*Node) *Node {
	node := &Node{builder: b, id: len(b.nodes), opType: opType, shape: shape, inputs: inputs}
	b.nodes = append(b.nodes, node)
	return node
}

// OpShape returns the shape of the op.
func (b *Builder) OpShape(op backends.Op) (shapes.Shape, error) {
	node, err := b.castNode(op)
	if err != nil {
		return shapes.Invalid(), err
	}
	return node.shape, nil
}

// Parameter creates a named input parameter.
func (b *Builder) Parameter(name string, shape shapes.Shape) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape for parameter %q", name)
	}
	node := b.newNode(opParameter, shape)
	node.paramName = name
	node.paramIdx = len(b.params)
	b.params = append(b.params, node)
	return node, nil
}

// Constant creates a constant node from flat data and dimensions.
func (b *Builder) Constant(flat any, dims ...int) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("Constant expects a flat slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatV.Type().Elem())
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("Constant: unsupported element type %T", flat)
	}
	shape := shapes.Make(dtype, dims...)
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("Constant: flat data has %d elements, shape %s requires %d",
			flatV.Len(), shape, shape.Size())
	}
	literal := tensors.FromShape(shape)
	reflect.Copy(reflect.ValueOf(literal.Flat()), flatV)
	node := b.newNode(opConstant, literal.Shape())
	node.literal = literal
	return node, nil
}

// Iota creates a constant counting up from 0 along iotaAxis.
func (b *Builder) Iota(shape shapes.Shape, iotaAxis int) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if iotaAxis < 0 || iotaAxis >= shape.Rank() {
		return nil, errors.Errorf("Iota axis %d out of range for shape %s", iotaAxis, shape)
	}
	node := b.newNode(opIota, shape)
	node.ints = []int{iotaAxis}
	return node, nil
}

// Identity returns an alias of x.
func (b *Builder) Identity(x backends.Op) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	input, err := b.castNode(x)
	if err != nil {
		return nil, err
	}
	return b.newNode(opIdentity, input.shape, input), nil
}

// binaryShape resolves the output shape of an element-wise binary op: both
// operand shapes equal, or either one a scalar.
func binaryShape(name string, lhs, rhs *Node) (shapes.Shape, error) {
	if lhs.shape.DType != rhs.shape.DType {
		return shapes.Invalid(), errors.Errorf("%s: mismatched dtypes %s and %s", name, lhs.shape.DType, rhs.shape.DType)
	}
	switch {
	case lhs.shape.Equal(rhs.shape):
		return lhs.shape, nil
	case lhs.shape.IsScalar():
		return rhs.shape, nil
	case rhs.shape.IsScalar():
		return lhs.shape, nil
	}
	return shapes.Invalid(), errors.Errorf("%s: incompatible shapes %s and %s", name, lhs.shape, rhs.shape)
}

func (b *Builder) binaryOp(name string, op opType, lhs, rhs backends.Op, toBool bool) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	inputs, err := b.castNodes(lhs, rhs)
	if err != nil {
		return nil, err
	}
	shape, err := binaryShape(name, inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	if toBool {
		shape = shapes.Make(dtypes.Bool, shape.Dimensions...)
	}
	return b.newNode(op, shape, inputs...), nil
}

// Add returns the element-wise sum of lhs and rhs.
func (b *Builder) Add(lhs, rhs backends.Op) (backends.Op, error) {
	return b.binaryOp("Add", opAdd, lhs, rhs, false)
}

// Mul returns the element-wise product of lhs and rhs.
func (b *Builder) Mul(lhs, rhs backends.Op) (backends.Op, error) {
	return b.binaryOp("Mul", opMul, lhs, rhs, false)
}

// Equal performs an element-wise equality check, returning Bool.
func (b *Builder) Equal(lhs, rhs backends.Op) (backends.Op, error) {
	return b.binaryOp("Equal", opEqual, lhs, rhs, true)
}

// GreaterOrEqual performs an element-wise >= check, returning Bool.
func (b *Builder) GreaterOrEqual(lhs, rhs backends.Op) (backends.Op, error) {
	return b.binaryOp("GreaterOrEqual", opGreaterOrEqual, lhs, rhs, true)
}

// Neg returns the element-wise negation of x.
func (b *Builder) Neg(x backends.Op) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	input, err := b.castNode(x)
	if err != nil {
		return nil, err
	}
	return b.newNode(opNeg, input.shape, input), nil
}

// ConvertDType converts x to the given dtype.
func (b *Builder) ConvertDType(x backends.Op, dtype dtypes.DType) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	input, err := b.castNode(x)
	if err != nil {
		return nil, err
	}
	if input.shape.IsTuple() {
		return nil, errors.Errorf("ConvertDType: cannot convert tuple shape %s", input.shape)
	}
	return b.newNode(opConvertDType, shapes.Make(dtype, input.shape.Dimensions...), input), nil
}

// Transpose axes of x according to the permutation.
func (b *Builder) Transpose(x backends.Op, permutation ...int) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	input, err := b.castNode(x)
	if err != nil {
		return nil, err
	}
	rank := input.shape.Rank()
	if len(permutation) != rank {
		return nil, errors.Errorf("Transpose: permutation %v doesn't match rank %d", permutation, rank)
	}
	seen := make([]bool, rank)
	newDims := make([]int, rank)
	for i, p := range permutation {
		if p < 0 || p >= rank || seen[p] {
			return nil, errors.Errorf("Transpose: %v is not a permutation of the %d axes", permutation, rank)
		}
		seen[p] = true
		newDims[i] = input.shape.Dimensions[p]
	}
	node := b.newNode(opTranspose, shapes.Make(input.shape.DType, newDims...), input)
	node.ints = permutation
	return node, nil
}

// BroadcastInDim broadcasts x into outputShape, mapping the i-th input axis
// to output axis broadcastAxes[i].
func (b *Builder) BroadcastInDim(x backends.Op, outputShape shapes.Shape, broadcastAxes []int) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	input, err := b.castNode(x)
	if err != nil {
		return nil, err
	}
	if len(broadcastAxes) != input.shape.Rank() {
		return nil, errors.Errorf("BroadcastInDim: %d broadcast axes for input of rank %d",
			len(broadcastAxes), input.shape.Rank())
	}
	for i, axis := range broadcastAxes {
		if axis < 0 || axis >= outputShape.Rank() {
			return nil, errors.Errorf("BroadcastInDim: axis %d out of range for output shape %s", axis, outputShape)
		}
		inDim := input.shape.Dimensions[i]
		if inDim != outputShape.Dimensions[axis] && inDim != 1 {
			return nil, errors.Errorf("BroadcastInDim: input axis %d (dim %d) incompatible with output axis %d (dim %d)",
				i, inDim, axis, outputShape.Dimensions[axis])
		}
	}
	node := b.newNode(opBroadcastInDim, outputShape.Clone(), input)
	node.ints = broadcastAxes
	return node, nil
}

// Reshape x to the given dimensions, keeping the total size.
func (b *Builder) Reshape(x backends.Op, dimensions ...int) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	input, err := b.castNode(x)
	if err != nil {
		return nil, err
	}
	newShape := shapes.Make(input.shape.DType, dimensions...)
	if newShape.Size() != input.shape.Size() {
		return nil, errors.Errorf("Reshape: cannot reshape %s to %v", input.shape, dimensions)
	}
	return b.newNode(opReshape, newShape, input), nil
}

// ReduceSum sums x over the given axes, or over all axes if none given.
func (b *Builder) ReduceSum(x backends.Op, axes ...int) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	input, err := b.castNode(x)
	if err != nil {
		return nil, err
	}
	rank := input.shape.Rank()
	if len(axes) == 0 {
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = i
		}
	}
	reduced := make([]bool, rank)
	for _, axis := range axes {
		if axis < 0 || axis >= rank {
			return nil, errors.Errorf("ReduceSum: axis %d out of range for shape %s", axis, input.shape)
		}
		reduced[axis] = true
	}
	var outDims []int
	for axis, dim := range input.shape.Dimensions {
		if !reduced[axis] {
			outDims = append(outDims, dim)
		}
	}
	node := b.newNode(opReduceSum, shapes.Make(input.shape.DType, outDims...), input)
	node.ints = axes
	return node, nil
}

// Tuple builds a tuple of the given ops. Tuple() is the unit value.
func (b *Builder) Tuple(elements ...backends.Op) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	inputs, err := b.castNodes(elements...)
	if err != nil {
		return nil, err
	}
	elementShapes := make([]shapes.Shape, len(inputs))
	for i, input := range inputs {
		elementShapes[i] = input.shape
	}
	return b.newNode(opTuple, shapes.MakeTuple(elementShapes...), inputs...), nil
}

// GetTupleElement extracts the index-th element of a tuple.
func (b *Builder) GetTupleElement(x backends.Op, index int) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	input, err := b.castNode(x)
	if err != nil {
		return nil, err
	}
	if !input.shape.IsTuple() {
		return nil, errors.Errorf("GetTupleElement: op has shape %s, not a tuple", input.shape)
	}
	if index < 0 || index >= input.shape.TupleSize() {
		return nil, errors.Errorf("GetTupleElement: index %d out of range for tuple %s", index, input.shape)
	}
	node := b.newNode(opGetTupleElement, input.shape.TupleShapes[index], input)
	node.ints = []int{index}
	return node, nil
}

// Call splices a built sub-computation into this graph. The result is a
// tuple of the computation's outputs.
func (b *Builder) Call(computation backends.Computation, args ...backends.Op) (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	sub, ok := computation.(*Computation)
	if !ok {
		return nil, errors.Errorf("computation of type %T is not a %s backend computation", computation, BackendName)
	}
	if sub.backend != b.backend {
		return nil, errors.Errorf("computation %q belongs to a different %s backend instance", sub.name, BackendName)
	}
	inputs, err := b.castNodes(args...)
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(sub.params) {
		return nil, errors.Errorf("Call(%q): got %d arguments, computation expects %d",
			sub.name, len(inputs), len(sub.params))
	}
	for i, input := range inputs {
		if !input.shape.Equal(sub.params[i].shape) {
			return nil, errors.Errorf("Call(%q): argument #%d has shape %s, computation expects %s",
				sub.name, i, input.shape, sub.params[i].shape)
		}
	}
	outputShapes := make([]shapes.Shape, len(sub.outputs))
	for i, output := range sub.outputs {
		outputShapes[i] = output.shape
	}
	node := b.newNode(opCall, shapes.MakeTuple(outputShapes...), inputs...)
	node.sub = sub
	return node, nil
}

// CreateToken creates a token value: a zero-information ordering marker,
// represented as the empty tuple.
func (b *Builder) CreateToken() (backends.Op, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	return b.newNode(opCreateToken, shapes.MakeTuple()), nil
}

// Build freezes the builder into a Computation with the given outputs.
func (b *Builder) Build(outputs ...backends.Op) (backends.Computation, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("Build(%q): computation needs at least one output", b.name)
	}
	outputNodes, err := b.castNodes(outputs...)
	if err != nil {
		return nil, err
	}
	b.built = true
	return &Computation{
		backend: b.backend,
		name:    b.name,
		nodes:   b.nodes,
		params:  b.params,
		outputs: outputNodes,
	}, nil
}

func (n *Node) String() string {
	var inputs []string
	for _, input := range n.inputs {
		inputs = append(inputs, fmt.Sprintf("%%%d", input.id))
	}
	desc := fmt.Sprintf("%%%d = %s[%s](%s)", n.id, n.opType, n.shape, strings.Join(inputs, ", "))
	switch n.opType {
	case opParameter:
		desc += fmt.Sprintf(" name=%q", n.paramName)
	case opConstant:
		desc += fmt.Sprintf(" value=%s", n.literal)
	case opCall:
		desc += fmt.Sprintf(" computation=%q", n.sub.name)
	}
	if len(n.ints) > 0 {
		desc += fmt.Sprintf(" ints=%v", n.ints)
	}
	return desc
}
