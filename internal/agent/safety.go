package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SafetyValidator is the safety layer spec.md §7 requires in front of every
// tool call: it validates a tool call's arguments against the tool's own
// JSON Schema before execution and rejects calls that don't conform,
// failing the turn rather than letting malformed or adversarial arguments
// reach a tool body.
//
// Compiled schemas are cached by tool name, since a given Tool's Schema()
// is immutable for the process lifetime and recompiling it on every call
// would be wasted work.
type SafetyValidator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewSafetyValidator creates an empty, ready-to-use SafetyValidator.
func NewSafetyValidator() *SafetyValidator {
	return &SafetyValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// Validate checks params against tool's JSON Schema, compiling and caching
// the schema on first use. A tool with an empty or unparseable schema is
// treated as schema-less and always passes, since there is nothing to
// validate against.
func (v *SafetyValidator) Validate(tool Tool, params json.RawMessage) error {
	if tool == nil {
		return fmt.Errorf("%w: no tool to validate against", ErrSafetyBlocked)
	}

	schema, err := v.compile(tool)
	if err != nil {
		return fmt.Errorf("%w: compile schema for %s: %v", ErrSafetyBlocked, tool.Name(), err)
	}
	if schema == nil {
		return nil
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("%w: %s: arguments are not valid JSON: %v", ErrSafetyBlocked, tool.Name(), err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSafetyBlocked, tool.Name(), err)
	}
	return nil
}

func (v *SafetyValidator) compile(tool Tool) (*jsonschema.Schema, error) {
	name := tool.Name()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.schemas[name]; ok {
		return cached, nil
	}

	raw := tool.Schema()
	if len(raw) == 0 {
		v.schemas[name] = nil
		return nil, nil
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	v.schemas[name] = compiled
	return compiled, nil
}
