package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InstructionKind is the closed set of browser actions a test case may contain.
type InstructionKind string

const (
	KindNavigate      InstructionKind = "navigate"
	KindClick         InstructionKind = "click"
	KindType          InstructionKind = "type"
	KindPress         InstructionKind = "press"
	KindHover         InstructionKind = "hover"
	KindSelect        InstructionKind = "select"
	KindWait          InstructionKind = "wait"
	KindAssertText    InstructionKind = "assert_text"
	KindAssertVisible InstructionKind = "assert_visible"
	KindScreenshot    InstructionKind = "screenshot"
)

// instructionFields lists which fields each kind requires.
var instructionFields = map[InstructionKind]struct {
	target bool
	value  bool
}{
	KindNavigate:      {value: true},
	KindClick:         {target: true},
	KindType:          {target: true, value: true},
	KindPress:         {value: true},
	KindHover:         {target: true},
	KindSelect:        {target: true, value: true},
	KindWait:          {},
	KindAssertText:    {value: true},
	KindAssertVisible: {target: true},
	KindScreenshot:    {},
}

// Kinds returns every supported instruction kind.
func Kinds() []InstructionKind {
	return []InstructionKind{
		KindNavigate, KindClick, KindType, KindPress, KindHover,
		KindSelect, KindWait, KindAssertText, KindAssertVisible, KindScreenshot,
	}
}

// Instruction is one step of a test case.
//
// Target is the element reference (selector or accessibility ref), Value is the
// kind-specific payload: URL for navigate, text for type/assert_text/wait, key
// for press, option for select.
type Instruction struct {
	Kind        InstructionKind `json:"type"`
	Target      string          `json:"target,omitempty"`
	Value       string          `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	TimeoutMs   int             `json:"timeoutMs,omitempty"`
}

// NewInstruction builds an instruction and validates it for its kind.
func NewInstruction(kind InstructionKind, target, value string) (Instruction, error) {
	in := Instruction{Kind: kind, Target: target, Value: value}
	if err := in.Validate(); err != nil {
		return Instruction{}, err
	}
	return in, nil
}

// Validate checks the kind is supported and its required fields are present.
func (in Instruction) Validate() error {
	req, ok := instructionFields[in.Kind]
	if !ok {
		return NewValidationError("instruction.type", fmt.Sprintf("unsupported action kind %q", in.Kind))
	}
	if req.target && strings.TrimSpace(in.Target) == "" {
		return NewValidationError("instruction.target", fmt.Sprintf("%s requires a target", in.Kind))
	}
	if req.value && strings.TrimSpace(in.Value) == "" {
		return NewValidationError("instruction.value", fmt.Sprintf("%s requires a value", in.Kind))
	}
	if in.Kind == KindWait && in.Value == "" && in.TimeoutMs <= 0 {
		return NewValidationError("instruction.value", "wait requires text or timeoutMs")
	}
	if in.TimeoutMs < 0 {
		return NewValidationError("instruction.timeoutMs", "timeout must not be negative")
	}
	return nil
}

// UnmarshalJSON decodes and validates, so unknown kinds never reach dispatch.
func (in *Instruction) UnmarshalJSON(data []byte) error {
	type raw Instruction
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	decoded := Instruction(r)
	if err := decoded.Validate(); err != nil {
		return err
	}
	*in = decoded
	return nil
}

// String renders a short human description for logs and metadata.
func (in Instruction) String() string {
	if in.Description != "" {
		return fmt.Sprintf("%s: %s", in.Kind, in.Description)
	}
	switch {
	case in.Target != "" && in.Value != "":
		return fmt.Sprintf("%s %s = %q", in.Kind, in.Target, in.Value)
	case in.Target != "":
		return fmt.Sprintf("%s %s", in.Kind, in.Target)
	case in.Value != "":
		return fmt.Sprintf("%s %q", in.Kind, in.Value)
	}
	return string(in.Kind)
}
