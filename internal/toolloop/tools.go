package toolloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/symbolkernel/kernel/internal/llm"
)

// Scope is the authorization context a tool executes under. It is fixed
// at executor construction time; every call is checked against it.
type Scope struct {
	SessionID string
	UserID    string
	IsAdmin   bool
}

// Handler executes one tool call under the given scope.
type Handler func(ctx context.Context, scope Scope, args json.RawMessage) (any, error)

// Tool is one named operation the model may invoke.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage

	// Mutates marks tools that write state; they are refused when the
	// owning session is closed (closed sessions serve reads only).
	Mutates bool

	// AdminOnly marks tools refused for non-admin callers regardless of
	// surface.
	AdminOnly bool

	Handler Handler
}

// Definition renders the tool for the LLM adapter.
func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: t.Name, Description: t.Description, Schema: t.Schema}
}

// SchemaFor reflects a JSON schema from an argument struct, inlined with
// no $ref indirection so every LLM backend accepts it.
func SchemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("toolloop: reflect schema: %v", err))
	}
	return data
}
