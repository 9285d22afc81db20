package ivm

import (
	"fmt"
	"time"
)

// TransferMode selects how a value crosses a boundary.
type TransferMode int

const (
	// TransferDefault admits only primitives and existing handles
	// (*Reference, *ExternalCopy, *Copy, *Callback).
	TransferDefault TransferMode = iota
	// TransferCopy deep-copies the value.
	TransferCopy
	// TransferExternalCopy snapshots the value into an ExternalCopy.
	TransferExternalCopy
	// TransferReference leaves the value where it is and passes a
	// Reference to it.
	TransferReference
)

func (m TransferMode) String() string {
	switch m {
	case TransferDefault:
		return "default"
	case TransferCopy:
		return "copy"
	case TransferExternalCopy:
		return "external"
	case TransferReference:
		return "reference"
	}
	return fmt.Sprintf("TransferMode(%d)", int(m))
}

func parseTransferMode(s string) (TransferMode, error) {
	switch s {
	case "", "default":
		return TransferDefault, nil
	case "copy":
		return TransferCopy, nil
	case "external":
		return TransferExternalCopy, nil
	case "reference":
		return TransferReference, nil
	}
	return TransferDefault, fmt.Errorf("unknown transfer mode %q", s)
}

// TransferOptions classifies a value crossing a boundary. Promise means the
// value may be a promise whose settled value is transferred instead.
type TransferOptions struct {
	Mode    TransferMode
	Promise bool
}

// RunOptions configures Script.Run.
type RunOptions struct {
	Result  TransferOptions
	Timeout time.Duration
}

// EvaluateOptions configures Module.Evaluate.
type EvaluateOptions struct {
	Timeout time.Duration
}

// GetOptions configures Reference.Get.
type GetOptions struct {
	Result  TransferOptions
	Timeout time.Duration
}

// SetOptions configures Reference.Set.
type SetOptions struct {
	Value   TransferOptions
	Timeout time.Duration
}

// ApplyOptions configures Reference.Apply and its variants.
type ApplyOptions struct {
	Arguments TransferOptions
	Result    TransferOptions
	Timeout   time.Duration
}

// jsTransfer is the wire form of TransferOptions used by the prelude.
type jsTransfer struct {
	Mode    string `json:"mode"`
	Promise bool   `json:"promise"`
}

func (t jsTransfer) options() (TransferOptions, error) {
	mode, err := parseTransferMode(t.Mode)
	return TransferOptions{Mode: mode, Promise: t.Promise}, err
}
