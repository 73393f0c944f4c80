// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostgo

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

// Computation is a frozen hostgo graph, ready to be compiled or spliced into
// another graph with Builder.Call.
type Computation struct {
	backend *Backend
	name    string
	nodes   []*Node
	params  []*Node
	outputs []*Node
}

// Compile-time check.
var _ backends.Computation = (*Computation)(nil)

// Name of the computation.
func (c *Computation) Name() string { return c.name }

// Text renders the graph for debugging: one line per node, in evaluation
// order.
func (c *Computation) Text() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "computation %q:\n", c.name)
	for _, node := range c.nodes {
		_, _ = fmt.Fprintf(&sb, "  %s\n", node)
	}
	outputs := make([]string, len(c.outputs))
	for i, output := range c.outputs {
		outputs[i] = fmt.Sprintf("%%%d", output.id)
	}
	_, _ = fmt.Fprintf(&sb, "  return %s\n", strings.Join(outputs, ", "))
	return sb.String()
}

// Compile the computation. For hostgo there is no real compilation step: it
// validates the replica/device assignment and wraps the graph in an
// Executable that interprets it.
func (c *Computation) Compile(options backends.CompileOptions) (backends.Executable, error) {
	if err := c.backend.checkValid(); err != nil {
		return nil, err
	}
	numReplicas := options.NumReplicas
	if numReplicas == 0 {
		numReplicas = 1
	}
	if numReplicas < 1 || numReplicas > c.backend.numDevices {
		return nil, errors.Errorf("compiling %q for %d replicas, but %s backend only has %d device(s)",
			c.name, numReplicas, BackendName, c.backend.numDevices)
	}
	devices := options.DeviceAssignment
	if len(devices) == 0 {
		devices = make([]backends.DeviceNum, numReplicas)
		for i := range devices {
			devices[i] = backends.DeviceNum(i)
		}
	}
	if len(devices) != numReplicas {
		return nil, errors.Errorf("compiling %q: device assignment %v doesn't match %d replicas",
			c.name, devices, numReplicas)
	}
	for _, deviceNum := range devices {
		if err := c.backend.checkDevice(deviceNum); err != nil {
			return nil, err
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("hostgo: compiled %q for %d replica(s) on devices %v:\n%s", c.name, numReplicas, devices, c.Text())
	}
	return &Executable{comp: c, devices: devices}, nil
}

// Executable interprets a hostgo Computation node by node.
type Executable struct {
	comp      *Computation
	devices   []backends.DeviceNum
	finalized bool
}

// Compile-time check.
var _ backends.Executable = (*Executable)(nil)

// Finalize the executable; it becomes invalid.
func (e *Executable) Finalize() {
	e.finalized = true
}

func (e *Executable) checkValid() error {
	if err := e.comp.backend.checkValid(); err != nil {
		return err
	}
	if e.finalized {
		return errors.Errorf("executable %q was already finalized", e.comp.name)
	}
	return nil
}

// Inputs returns the parameter names and shapes, in declaration order.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	names = make([]string, len(e.comp.params))
	inputShapes = make([]shapes.Shape, len(e.comp.params))
	for i, param := range e.comp.params {
		names[i] = param.paramName
		inputShapes[i] = param.shape
	}
	return
}

// Outputs returns the output shapes, in the order given to Build.
func (e *Executable) Outputs() (outputShapes []shapes.Shape) {
	outputShapes = make([]shapes.Shape, len(e.comp.outputs))
	for i, output := range e.comp.outputs {
		outputShapes[i] = output.shape
	}
	return
}

// LocalDevices returns the devices of the compiled replicas.
func (e *Executable) LocalDevices() []backends.DeviceNum {
	devices := make([]backends.DeviceNum, len(e.devices))
	copy(devices, e.devices)
	return devices
}

// Execute the single-replica executable.
func (e *Executable) Execute(inputs ...backends.Buffer) ([]backends.Buffer, error) {
	if err := e.checkValid(); err != nil {
		return nil, err
	}
	if len(e.devices) != 1 {
		return nil, errors.Errorf("executable %q was compiled for %d replicas: use ExecutePerReplica",
			e.comp.name, len(e.devices))
	}
	return e.executeOn(e.devices[0], inputs)
}

// ExecutePerReplica executes the replicated executable, one input set per
// replica. Replicas run sequentially, each on its assigned device.
func (e *Executable) ExecutePerReplica(inputs [][]backends.Buffer) ([][]backends.Buffer, error) {
	if err := e.checkValid(); err != nil {
		return nil, err
	}
	if len(inputs) != len(e.devices) {
		return nil, errors.Errorf("executable %q has %d replicas, got %d input sets",
			e.comp.name, len(e.devices), len(inputs))
	}
	outputs := make([][]backends.Buffer, len(inputs))
	for replica, replicaInputs := range inputs {
		var err error
		outputs[replica], err = e.executeOn(e.devices[replica], replicaInputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "replica %d of %q", replica, e.comp.name)
		}
	}
	return outputs, nil
}

// nodeValue is the runtime value of a node: a *tensors.Local for arrays, or a
// tupleValue for tuple-shaped nodes (the empty tupleValue for unit/token).
type nodeValue any

type tupleValue []nodeValue

func (e *Executable) executeOn(deviceNum backends.DeviceNum, inputs []backends.Buffer) ([]backends.Buffer, error) {
	comp := e.comp
	backend := comp.backend
	if len(inputs) != len(comp.params) {
		return nil, errors.Errorf("executable %q expects %d inputs, got %d",
			comp.name, len(comp.params), len(inputs))
	}
	args := make([]nodeValue, len(inputs))
	for i, input := range inputs {
		buf, err := backend.castBuffer(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d of %q", i, comp.name)
		}
		if !buf.shape.Equal(comp.params[i].shape) {
			return nil, errors.Errorf("input #%d of %q has shape %s, expected %s",
				i, comp.name, buf.shape, comp.params[i].shape)
		}
		if buf.deviceNum != deviceNum {
			return nil, errors.Errorf("input #%d of %q lives on device %d, executable runs on device %d",
				i, comp.name, buf.deviceNum, deviceNum)
		}
		args[i] = buf.value()
	}

	var results []nodeValue
	err := exceptions.TryCatch[error](func() {
		results = evaluate(comp, args)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "executing %q", comp.name)
	}
	outputs := make([]backends.Buffer, len(results))
	for i, result := range results {
		outputs[i] = backend.bufferFromValue(result, deviceNum)
	}
	return outputs, nil
}

// value converts the buffer contents to a nodeValue tree.
func (buf *Buffer) value() nodeValue {
	if buf.data != nil {
		return buf.data
	}
	tuple := make(tupleValue, len(buf.elements))
	for i, element := range buf.elements {
		tuple[i] = element.value()
	}
	return tuple
}

// bufferFromValue wraps a nodeValue tree into a fresh buffer on deviceNum.
// Tensors are cloned: node values may alias constants or inputs.
func (b *Backend) bufferFromValue(value nodeValue, deviceNum backends.DeviceNum) *Buffer {
	if data, ok := value.(*tensors.Local); ok {
		return b.newArrayBuffer(data.Clone(), deviceNum)
	}
	tuple := value.(tupleValue)
	elements := make([]*Buffer, len(tuple))
	for i, element := range tuple {
		elements[i] = b.bufferFromValue(element, deviceNum)
	}
	return b.newTupleBuffer(elements, deviceNum)
}

// evaluate interprets the computation graph in node order. The kernels panic
// (with exceptions) on errors; callers catch at the Execute boundary.
func evaluate(comp *Computation, args []nodeValue) []nodeValue {
	values := make([]nodeValue, len(comp.nodes))
	tensorOf := func(node *Node) *tensors.Local {
		return values[node.id].(*tensors.Local)
	}
	for _, node := range comp.nodes {
		switch node.opType {
		case opParameter:
			values[node.id] = args[node.paramIdx]
		case opConstant:
			values[node.id] = node.literal
		case opIota:
			values[node.id] = tensors.Iota(node.shape, node.ints[0])
		case opIdentity:
			values[node.id] = values[node.inputs[0].id]
		case opAdd:
			values[node.id] = tensors.Add(tensorOf(node.inputs[0]), tensorOf(node.inputs[1]))
		case opMul:
			values[node.id] = tensors.Mul(tensorOf(node.inputs[0]), tensorOf(node.inputs[1]))
		case opNeg:
			values[node.id] = tensors.Neg(tensorOf(node.inputs[0]))
		case opEqual:
			values[node.id] = tensors.Equal(tensorOf(node.inputs[0]), tensorOf(node.inputs[1]))
		case opGreaterOrEqual:
			values[node.id] = tensors.GreaterOrEqual(tensorOf(node.inputs[0]), tensorOf(node.inputs[1]))
		case opConvertDType:
			values[node.id] = tensors.ConvertDType(tensorOf(node.inputs[0]), node.shape.DType)
		case opTranspose:
			values[node.id] = tensors.Transpose(tensorOf(node.inputs[0]), node.ints)
		case opBroadcastInDim:
			values[node.id] = tensors.BroadcastInDim(tensorOf(node.inputs[0]), node.shape, node.ints)
		case opReshape:
			values[node.id] = tensors.Reshape(tensorOf(node.inputs[0]), node.shape.Dimensions)
		case opReduceSum:
			values[node.id] = tensors.ReduceSum(tensorOf(node.inputs[0]), node.ints)
		case opTuple:
			tuple := make(tupleValue, len(node.inputs))
			for i, input := range node.inputs {
				tuple[i] = values[input.id]
			}
			values[node.id] = tuple
		case opGetTupleElement:
			values[node.id] = values[node.inputs[0].id].(tupleValue)[node.ints[0]]
		case opCall:
			subArgs := make([]nodeValue, len(node.inputs))
			for i, input := range node.inputs {
				subArgs[i] = values[input.id]
			}
			subResults := evaluate(node.sub, subArgs)
			values[node.id] = tupleValue(subResults)
		case opCreateToken:
			values[node.id] = tupleValue{}
		default:
			exceptions.Panicf("hostgo: cannot evaluate op %s", node.opType)
		}
	}
	results := make([]nodeValue, len(comp.outputs))
	for i, output := range comp.outputs {
		results[i] = values[output.id]
	}
	return results
}
