package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/getkin/kin-openapi/openapi3"
)

// ToolHandler executes a tool whose arguments already passed schema validation.
//
// A returned error never reaches the client as a protocol error: it is projected onto an
// error-flagged CallToolResult. Return an *Error to control the reported kind, message and hint.
type ToolHandler func(ctx context.Context, params CallToolParams) (CallToolResult, error)

// ToolDescriptor is the static definition of one tool.
type ToolDescriptor struct {
	Name        string
	Description string
	// InputSchema must be an object schema. Its properties, required list and bounds are
	// enforced before Handler runs.
	InputSchema *openapi3.Schema
	Handler     ToolHandler
}

// ToolTable is the immutable name to descriptor mapping the gateway dispatches tools/call through.
type ToolTable struct {
	tools map[string]ToolDescriptor
	// public is the tools/list view, rendered once.
	public []Tool
}

// NewToolTable builds a table from descriptors. Names must be unique and every descriptor needs
// an object input schema and a handler.
func NewToolTable(descriptors ...ToolDescriptor) (ToolTable, error) {
	t := ToolTable{
		tools:  make(map[string]ToolDescriptor, len(descriptors)),
		public: make([]Tool, 0, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.Name == "" {
			return ToolTable{}, errors.New("tool descriptor without a name")
		}
		if _, ok := t.tools[d.Name]; ok {
			return ToolTable{}, fmt.Errorf("duplicate tool %q", d.Name)
		}
		if d.Handler == nil {
			return ToolTable{}, fmt.Errorf("tool %q has no handler", d.Name)
		}
		if d.InputSchema == nil || !d.InputSchema.Type.Is(openapi3.TypeObject) {
			return ToolTable{}, fmt.Errorf("tool %q input schema must be an object", d.Name)
		}
		schemaBs, err := json.Marshal(d.InputSchema)
		if err != nil {
			return ToolTable{}, fmt.Errorf("failed to marshal input schema of %q: %w", d.Name, err)
		}
		t.tools[d.Name] = d
		t.public = append(t.public, Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schemaBs,
		})
	}
	slices.SortFunc(t.public, func(a, b Tool) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return t, nil
}

// MustToolTable is like NewToolTable but panics on an invalid definition.
func MustToolTable(descriptors ...ToolDescriptor) ToolTable {
	t, err := NewToolTable(descriptors...)
	if err != nil {
		panic(err)
	}
	return t
}

// List returns the public view of the table: name, description and input schema.
func (t ToolTable) List() []Tool {
	return slices.Clone(t.public)
}

// Lookup resolves a tool by name.
func (t ToolTable) Lookup(name string) (ToolDescriptor, bool) {
	d, ok := t.tools[name]
	return d, ok
}

// Len returns the number of tools.
func (t ToolTable) Len() int {
	return len(t.tools)
}

// Validate checks raw arguments against the descriptor's input schema. Violations are
// InvalidArguments errors naming the offending field.
func (d ToolDescriptor) Validate(args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}

	var value any
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return &Error{Kind: KindInvalidArguments, Message: "arguments are not valid JSON", Err: err}
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return &Error{Kind: KindInvalidArguments, Message: "arguments must be a JSON object"}
	}

	err := d.InputSchema.VisitJSON(obj)
	if err == nil {
		return nil
	}

	var schemaErr *openapi3.SchemaError
	if !errors.As(err, &schemaErr) {
		return &Error{Kind: KindInvalidArguments, Message: "arguments do not match the input schema", Err: err}
	}

	field := ""
	if path := schemaErr.JSONPointer(); len(path) > 0 {
		field = path[0]
	}
	reason := schemaErr.Reason
	if reason == "" {
		reason = fmt.Sprintf("violates %q", schemaErr.SchemaField)
	}
	if field == "" {
		return &Error{Kind: KindInvalidArguments, Message: reason, Err: err}
	}
	e := InvalidArgument(field, reason)
	e.Err = err
	return e
}
