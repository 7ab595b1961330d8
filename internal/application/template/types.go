// Package template provides a template engine for resolving variables in node configurations.
//
// The template engine supports the following syntax:
//   - {{env.varName}} - Access process and cycle variables
//   - {{input.fieldName}} - Access output from parent node
//   - {{entity.nodeId}} - Access a completed node's accumulated output
//   - {{entity.nodeId.field}} - Access a specific field of that output
//
// Variable resolution follows a specific precedence:
//  1. Execution variables (highest priority, override process vars)
//  2. Process variables
//  3. Input variables (from parent node output)
//
// The engine supports both strict and non-strict modes:
//   - Strict mode: Missing variables cause execution to fail with an error
//   - Non-strict mode: Missing variables are replaced with empty string or kept as placeholder
package template

import (
	"errors"
	"fmt"
)

// VariableContext holds all variables available for template resolution.
// Variables are resolved with the following precedence:
//  1. ExecutionVars (runtime variables, highest priority)
//  2. ProcessVars (process-level variables)
//  3. InputVars (parent node output, lowest priority)
type VariableContext struct {
	// ProcessVars contains process-level variables from the graph definition
	ProcessVars map[string]interface{}

	// ExecutionVars contains per-cycle variables that override process variables
	ExecutionVars map[string]interface{}

	// InputVars contains variables from parent node outputs
	InputVars map[string]interface{}

	// EntityVars contains accumulated entity state indexed by node id:
	// each entry is the output document of a completed node.
	EntityVars map[string]interface{}
}

// NewVariableContext creates a new variable context with the given variables.
func NewVariableContext() *VariableContext {
	return &VariableContext{
		ProcessVars:   make(map[string]interface{}),
		ExecutionVars: make(map[string]interface{}),
		InputVars:     make(map[string]interface{}),
		EntityVars:    make(map[string]interface{}),
	}
}

// GetEnvVariable retrieves an environment variable with proper precedence.
// Cycle variables override process variables.
func (c *VariableContext) GetEnvVariable(name string) (interface{}, bool) {
	// Check execution vars first (highest priority)
	if val, ok := c.ExecutionVars[name]; ok {
		return val, true
	}

	// Check process vars
	if val, ok := c.ProcessVars[name]; ok {
		return val, true
	}

	return nil, false
}

// GetInputVariable retrieves an input variable from parent node output.
func (c *VariableContext) GetInputVariable(name string) (interface{}, bool) {
	val, ok := c.InputVars[name]
	return val, ok
}

// GetEntityVariable retrieves one node's accumulated output by node id.
func (c *VariableContext) GetEntityVariable(nodeID string) (interface{}, bool) {
	if c.EntityVars == nil {
		return nil, false
	}
	val, ok := c.EntityVars[nodeID]
	return val, ok
}

// TemplateOptions configures template resolution behavior.
type TemplateOptions struct {
	// StrictMode determines error handling for missing variables
	// When true, missing variables cause an error
	// When false, missing variables are handled gracefully
	StrictMode bool

	// PlaceholderOnMissing keeps the original placeholder when variable is missing
	// Only applies when StrictMode is false
	// If false, replaces with empty string instead
	PlaceholderOnMissing bool
}

// DefaultOptions returns the default template options.
func DefaultOptions() TemplateOptions {
	return TemplateOptions{
		StrictMode:           false,
		PlaceholderOnMissing: false,
	}
}

// TemplateError represents an error that occurred during template resolution.
type TemplateError struct {
	Template string
	Variable string
	Path     string
	Err      error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("template error in '%s': failed to resolve '{{%s.%s}}': %v",
			e.Template, e.Variable, e.Path, e.Err)
	}
	return fmt.Sprintf("template error in '%s': failed to resolve '{{%s}}': %v",
		e.Template, e.Variable, e.Err)
}

// Unwrap returns the underlying error.
func (e *TemplateError) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrVariableNotFound  = errors.New("variable not found")
	ErrInvalidPath       = errors.New("invalid path")
	ErrInvalidTemplate   = errors.New("invalid template syntax")
	ErrTypeNotSupported  = errors.New("type not supported for path traversal")
	ErrArrayIndexInvalid = errors.New("invalid array index")
	ErrArrayOutOfBounds  = errors.New("array index out of bounds")
)
