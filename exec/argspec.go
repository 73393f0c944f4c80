// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"fmt"
	"strings"

	"github.com/gomlx/lazexec/ir"
	"github.com/gomlx/lazexec/lazy"
	"github.com/gomlx/lazexec/types/shapes"
)

// ArgSpec is the structural signature of one concrete argument, used as part
// of the compilation-cache and dispatch key.
type ArgSpec struct {
	// AVal is the abstract classification of the argument.
	AVal ir.AbstractValue

	// Lazy is how the argument's logical value derives from its physical
	// buffer, or how to synthesize it without one. Nil when the argument is
	// not a deferred device value (e.g. a host tensor or scalar).
	Lazy *lazy.Expr

	// TransferShape is the physical shape transferred to the device for this
	// argument. It is invalid exactly when no transfer happens: the argument
	// is a device constant fully described by Lazy, or a token.
	TransferShape shapes.Shape
}

// NeedsTransfer reports whether executing with this argument requires a
// device buffer (and hence a staged parameter in the compiled graph).
func (s *ArgSpec) NeedsTransfer() bool { return s.TransferShape.Ok() }

// Key returns a canonical string for the spec: structurally equal specs have
// equal keys.
func (s *ArgSpec) Key() string {
	lazyKey := "-"
	if s.Lazy != nil {
		lazyKey = s.Lazy.Key()
	}
	transferKey := "-"
	if s.TransferShape.Ok() {
		transferKey = s.TransferShape.String()
	}
	return fmt.Sprintf("%s/%s/%s", s.AVal, lazyKey, transferKey)
}

// argSpecsKey builds the signature fragment for a full argument list.
func argSpecsKey(specs []*ArgSpec) string {
	parts := make([]string, len(specs))
	for i, spec := range specs {
		parts[i] = spec.Key()
	}
	return strings.Join(parts, ";")
}

// specsToShapedAVals extracts the abstract values of the specs, raised to
// shaped (concrete contents dropped): the form consumed by abstract
// evaluation and lowering rules.
func specsToShapedAVals(specs []*ArgSpec) []ir.AbstractValue {
	avals := make([]ir.AbstractValue, len(specs))
	for i, spec := range specs {
		avals[i] = ir.RaiseToShaped(spec.AVal)
	}
	return avals
}
