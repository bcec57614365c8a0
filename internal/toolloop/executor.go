package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	jsschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/symbolkernel/kernel/internal/llm"
	"github.com/symbolkernel/kernel/internal/observability"
)

// WriteGuard reports whether the scoped session currently accepts
// mutations. Closed sessions serve reads only.
type WriteGuard func(ctx context.Context) (bool, error)

type compiledTool struct {
	tool   *Tool
	schema *jsschema.Schema
}

// Executor dispatches tool calls under a fixed authorization scope. One
// executor is built per turn; it is not shared across sessions.
type Executor struct {
	tools      map[string]*compiledTool
	order      []string
	scope      Scope
	writeGuard WriteGuard
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewExecutor builds an executor for one turn. writeGuard may be nil
// (all writes allowed), used by surfaces that pre-check session state.
func NewExecutor(tools []*Tool, scope Scope, writeGuard WriteGuard, logger *slog.Logger, metrics *observability.Metrics) (*Executor, error) {
	e := &Executor{
		tools:      make(map[string]*compiledTool, len(tools)),
		scope:      scope,
		writeGuard: writeGuard,
		logger:     observability.OrDefault(logger),
		metrics:    metrics,
	}
	for _, t := range tools {
		compiled, err := compileSchema(t)
		if err != nil {
			return nil, err
		}
		e.tools[t.Name] = &compiledTool{tool: t, schema: compiled}
		e.order = append(e.order, t.Name)
	}
	sort.Strings(e.order)
	return e, nil
}

func compileSchema(t *Tool) (*jsschema.Schema, error) {
	if len(t.Schema) == 0 {
		return nil, nil
	}
	compiler := jsschema.NewCompiler()
	if err := compiler.AddResource(t.Name+".json", strings.NewReader(string(t.Schema))); err != nil {
		return nil, fmt.Errorf("toolloop: schema for %s: %w", t.Name, err)
	}
	schema, err := compiler.Compile(t.Name + ".json")
	if err != nil {
		return nil, fmt.Errorf("toolloop: compile schema for %s: %w", t.Name, err)
	}
	return schema, nil
}

// Scope returns the authorization scope this executor runs under.
func (e *Executor) Scope() Scope { return e.scope }

// Definitions renders every tool for the LLM request, in name order.
func (e *Executor) Definitions() []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.tools[name].tool.Definition())
	}
	return out
}

// Lookup returns a tool by name.
func (e *Executor) Lookup(name string) (*Tool, bool) {
	ct, ok := e.tools[name]
	if !ok {
		return nil, false
	}
	return ct.tool, true
}

// errorPayload is the structured shape tool failures are reported in;
// the model observes it as the tool result and the loop continues.
type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Execute runs one tool call and renders the result (or a structured
// error payload) as the JSON string handed back to the model. The bool
// reports whether the result is an error.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	start := time.Now()
	content, isErr := e.execute(ctx, name, args)
	if e.metrics != nil {
		e.metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return content, isErr
}

func (e *Executor) execute(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	ct, ok := e.tools[name]
	if !ok {
		return e.fail(name, NewToolError(name, ErrToolNotFound).WithType(ToolErrorNotFound))
	}
	tool := ct.tool

	if tool.AdminOnly && !e.scope.IsAdmin {
		return e.fail(name, (&ToolError{
			Type:     ToolErrorPermission,
			ToolName: name,
			Message:  name + " requires admin privileges",
		}))
	}
	if tool.Mutates && e.writeGuard != nil {
		allowed, err := e.writeGuard(ctx)
		if err != nil {
			return e.fail(name, NewToolError(name, err))
		}
		if !allowed {
			return e.fail(name, (&ToolError{
				Type:     ToolErrorPermission,
				ToolName: name,
				Message:  "session is closed; write tools are unavailable",
			}))
		}
	}

	if ct.schema != nil {
		var decoded any
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return e.fail(name, NewToolError(name, err).WithType(ToolErrorInvalidInput))
		}
		if err := ct.schema.Validate(decoded); err != nil {
			return e.fail(name, NewToolError(name, err).WithType(ToolErrorInvalidInput))
		}
	}

	result, err := tool.Handler(ctx, e.scope, args)
	if err != nil {
		return e.fail(name, NewToolError(name, err))
	}
	data, err := json.Marshal(result)
	if err != nil {
		return e.fail(name, NewToolError(name, fmt.Errorf("encode result: %w", err)))
	}
	return string(data), false
}

func (e *Executor) fail(name string, toolErr *ToolError) (string, bool) {
	if e.metrics != nil {
		e.metrics.ToolCallErrors.WithLabelValues(name, string(toolErr.Type)).Inc()
	}
	e.logger.Debug("toolloop: tool call failed", "tool", name, "type", toolErr.Type, "error", toolErr.Message)
	payload := errorPayload{Error: toolErr.Message, Code: string(toolErr.Type)}
	if payload.Error == "" {
		payload.Error = toolErr.Error()
	}
	data, _ := json.Marshal(payload)
	return string(data), true
}
