package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/symbolkernel/kernel/internal/registry"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/trace"
)

// AgentAdmin is the narrow slice of the scheduler the manage_agents tool
// needs. Defined here so the scheduler can depend on toolloop without a
// cycle.
type AgentAdmin interface {
	ListAgents(ctx context.Context) ([]AgentSummary, error)
	UpsertAgent(ctx context.Context, a AgentSummary) error
	DeleteAgent(ctx context.Context, id string) error
}

// AgentSummary is the wire shape manage_agents reads and writes.
type AgentSummary struct {
	ID       string `json:"id"`
	Prompt   string `json:"prompt"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
}

// TestCatalog is the narrow slice of the test runner the list_tests tool
// needs.
type TestCatalog interface {
	ListTestSetNames(ctx context.Context) ([]string, error)
}

// Deps wires the built-in tool set. Agents and Tests may be nil; their
// tools are omitted then.
type Deps struct {
	Registry *registry.Registry
	Traces   *trace.Sink
	Sessions *session.Machine
	Agents   AgentAdmin
	Tests    TestCatalog
}

type logTraceArgs struct {
	EntryNode      string `json:"entry_node" jsonschema:"description=Symbol id where the reasoning chain entered"`
	ActivatedBy    string `json:"activated_by,omitempty"`
	ActivationPath []struct {
		SymbolID string `json:"symbol_id"`
		Reason   string `json:"reason,omitempty"`
		LinkType string `json:"link_type,omitempty"`
	} `json:"activation_path,omitempty"`
	SourceContext struct {
		SymbolDomain  string `json:"symbol_domain,omitempty"`
		TriggerVector string `json:"trigger_vector,omitempty"`
	} `json:"source_context,omitempty"`
	OutputNode string `json:"output_node,omitempty"`
	Status     string `json:"status,omitempty"`
}

type domainArgs struct {
	Domain string `json:"domain" jsonschema:"description=Domain id"`
}

type createDomainArgs struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Invariants  []string `json:"invariants,omitempty"`
}

type upsertSymbolsArgs struct {
	Domain  string             `json:"domain"`
	Symbols []*registry.Symbol `json:"symbols"`
}

type deleteSymbolsArgs struct {
	Domain  string   `json:"domain"`
	IDs     []string `json:"ids"`
	Cascade bool     `json:"cascade,omitempty" jsonschema:"description=Also strip references to the deleted symbols"`
}

type getSymbolArgs struct {
	ID string `json:"id"`
}

type querySymbolsArgs struct {
	Domain string `json:"domain"`
	Tag    string `json:"tag,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	LastID string `json:"last_id,omitempty"`
}

type searchSymbolsArgs struct {
	Query   string   `json:"query"`
	Limit   int      `json:"limit,omitempty"`
	Domains []string `json:"domains,omitempty"`
}

type activateArgs struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason,omitempty"`
}

type buildContextArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type manageAgentsArgs struct {
	Action   string `json:"action" jsonschema:"enum=list,enum=upsert,enum=delete"`
	ID       string `json:"id,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Enabled  bool   `json:"enabled,omitempty"`
}

type sendUserMessageArgs struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// BuiltinTools builds the closed tool set the model may call.
func BuiltinTools(deps Deps) []*Tool {
	tools := []*Tool{
		{
			Name:        "log_trace",
			Description: "Record a symbolic reasoning chain: where it entered, the activation path followed, and the output node.",
			Schema:      SchemaFor(&logTraceArgs{}),
			Mutates:     true,
			Handler:     logTraceHandler(deps.Traces),
		},
		{
			Name:        "list_domains",
			Description: "List the symbol domains visible to you.",
			Schema:      SchemaFor(&struct{}{}),
			Handler: func(ctx context.Context, scope Scope, _ json.RawMessage) (any, error) {
				return deps.Registry.ListDomains(ctx, scope.UserID, scope.IsAdmin)
			},
		},
		{
			Name:        "get_domain",
			Description: "Fetch a domain with all of its symbols.",
			Schema:      SchemaFor(&domainArgs{}),
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a domainArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				return deps.Registry.Get(ctx, a.Domain, scope.UserID, scope.IsAdmin)
			},
		},
		{
			Name:        "create_domain",
			Description: "Create a new symbol domain.",
			Schema:      SchemaFor(&createDomainArgs{}),
			Mutates:     true,
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a createDomainArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				d := &registry.Domain{
					ID:          a.ID,
					Name:        a.Name,
					Description: a.Description,
					Invariants:  a.Invariants,
					Enabled:     true,
					OwnerUserID: ownerForScope(scope),
				}
				if err := deps.Registry.CreateDomain(ctx, d); err != nil {
					return nil, err
				}
				return d, nil
			},
		},
		{
			Name:        "upsert_symbols",
			Description: "Create or update symbols in a domain. Symbols are validated against the domain's invariants.",
			Schema:      SchemaFor(&upsertSymbolsArgs{}),
			Mutates:     true,
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a upsertSymbolsArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				err := deps.Registry.BulkUpsert(ctx, a.Domain, a.Symbols, registry.BulkUpsertOptions{
					UserID:  scope.UserID,
					IsAdmin: scope.IsAdmin,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"upserted": len(a.Symbols)}, nil
			},
		},
		{
			Name:        "delete_symbols",
			Description: "Delete symbols from a domain, optionally cascading reference cleanup.",
			Schema:      SchemaFor(&deleteSymbolsArgs{}),
			Mutates:     true,
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a deleteSymbolsArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				if err := deps.Registry.DeleteSymbols(ctx, a.Domain, a.IDs, a.Cascade, scope.UserID, scope.IsAdmin); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": len(a.IDs)}, nil
			},
		},
		{
			Name:        "get_symbol",
			Description: "Fetch one symbol by id.",
			Schema:      SchemaFor(&getSymbolArgs{}),
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a getSymbolArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				return deps.Registry.FindByID(ctx, a.ID, scope.UserID, scope.IsAdmin)
			},
		},
		{
			Name:        "query_symbols",
			Description: "Page through a domain's symbols, optionally filtered by tag.",
			Schema:      SchemaFor(&querySymbolsArgs{}),
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a querySymbolsArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				return deps.Registry.Query(ctx, a.Domain, scope.UserID, scope.IsAdmin, a.Tag, a.Limit, a.LastID)
			},
		},
		{
			Name:        "search_symbols",
			Description: "Semantic search over the symbol registry.",
			Schema:      SchemaFor(&searchSymbolsArgs{}),
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a searchSymbolsArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				scored, err := deps.Registry.Search(ctx, a.Query, scope.UserID, scope.IsAdmin, registry.SearchOptions{
					Limit:   a.Limit,
					Domains: a.Domains,
				})
				if err != nil {
					return nil, err
				}
				return resolveScored(ctx, deps.Registry, scope, scored)
			},
		},
		{
			Name:        "activate_symbols",
			Description: "Activate symbols by id, recording the activation as a trace and returning the full symbol records.",
			Schema:      SchemaFor(&activateArgs{}),
			Mutates:     true,
			Handler:     activateHandler(deps),
		},
		{
			Name:        "build_context",
			Description: "Compose a context block from the symbols most relevant to a query.",
			Schema:      SchemaFor(&buildContextArgs{}),
			Handler:     buildContextHandler(deps),
		},
	}

	if deps.Agents != nil {
		tools = append(tools, &Tool{
			Name:        "manage_agents",
			Description: "List, upsert, or delete scheduled agents.",
			Schema:      SchemaFor(&manageAgentsArgs{}),
			Mutates:     true,
			AdminOnly:   true,
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a manageAgentsArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				switch a.Action {
				case "list":
					return deps.Agents.ListAgents(ctx)
				case "upsert":
					summary := AgentSummary{ID: a.ID, Prompt: a.Prompt, Schedule: a.Schedule, Enabled: a.Enabled}
					if err := deps.Agents.UpsertAgent(ctx, summary); err != nil {
						return nil, err
					}
					return summary, nil
				case "delete":
					if err := deps.Agents.DeleteAgent(ctx, a.ID); err != nil {
						return nil, err
					}
					return map[string]any{"deleted": a.ID}, nil
				default:
					return nil, fmt.Errorf("unknown action %q", a.Action)
				}
			},
		})
	}
	if deps.Tests != nil {
		tools = append(tools, &Tool{
			Name:        "list_tests",
			Description: "List the available test sets.",
			Schema:      SchemaFor(&struct{}{}),
			Handler: func(ctx context.Context, scope Scope, _ json.RawMessage) (any, error) {
				return deps.Tests.ListTestSetNames(ctx)
			},
		})
	}
	if deps.Sessions != nil {
		tools = append(tools, &Tool{
			Name:        "send_user_message",
			Description: "Inject a message into another context session's queue.",
			Schema:      SchemaFor(&sendUserMessageArgs{}),
			Mutates:     true,
			Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
				var a sendUserMessageArgs
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, err
				}
				if _, err := deps.Sessions.GetSession(ctx, a.SessionID, scope.UserID, scope.IsAdmin); err != nil {
					return nil, err
				}
				if err := deps.Sessions.EnqueueMessage(ctx, a.SessionID, a.Message, scope.SessionID); err != nil {
					return nil, err
				}
				return map[string]any{"enqueued": true}, nil
			},
		})
	}
	return tools
}

// ownerForScope makes admin-created domains global and user-created
// domains owned.
func ownerForScope(scope Scope) string {
	if scope.IsAdmin {
		return ""
	}
	return scope.UserID
}

func logTraceHandler(sink *trace.Sink) Handler {
	return func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
		var a logTraceArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		tr := &trace.Trace{
			SessionID:   scope.SessionID,
			EntryNode:   a.EntryNode,
			ActivatedBy: a.ActivatedBy,
			SourceContext: trace.SourceContext{
				SymbolDomain:  a.SourceContext.SymbolDomain,
				TriggerVector: a.SourceContext.TriggerVector,
			},
			OutputNode: a.OutputNode,
			Status:     a.Status,
		}
		for _, step := range a.ActivationPath {
			tr.ActivationPath = append(tr.ActivationPath, trace.PathStep{
				SymbolID: step.SymbolID,
				Reason:   step.Reason,
				LinkType: step.LinkType,
			})
		}
		if err := sink.Record(ctx, tr); err != nil {
			return nil, err
		}
		return map[string]any{"trace_id": tr.ID}, nil
	}
}

func activateHandler(deps Deps) Handler {
	return func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
		var a activateArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		var symbols []*registry.Symbol
		var path []trace.PathStep
		for _, id := range a.IDs {
			sym, err := deps.Registry.FindByID(ctx, id, scope.UserID, scope.IsAdmin)
			if err != nil {
				continue
			}
			symbols = append(symbols, sym)
			path = append(path, trace.PathStep{SymbolID: id, Reason: a.Reason, LinkType: "activation"})
		}
		if len(symbols) > 0 && deps.Traces != nil {
			tr := &trace.Trace{
				SessionID:      scope.SessionID,
				EntryNode:      symbols[0].ID,
				ActivatedBy:    a.Reason,
				ActivationPath: path,
				Status:         "activated",
			}
			if err := deps.Traces.Record(ctx, tr); err != nil {
				return nil, err
			}
		}
		return symbols, nil
	}
}

func buildContextHandler(deps Deps) Handler {
	return func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
		var a buildContextArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		limit := a.Limit
		if limit <= 0 {
			limit = 8
		}
		scored, err := deps.Registry.Search(ctx, a.Query, scope.UserID, scope.IsAdmin, registry.SearchOptions{Limit: limit})
		if err != nil {
			return nil, err
		}
		symbols, err := resolveScored(ctx, deps.Registry, scope, scored)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, item := range symbols {
			fmt.Fprintf(&b, "## %s (%s, %s)\n", item.Symbol.Name, item.Symbol.ID, item.Symbol.Kind)
			if item.Symbol.Role != "" {
				fmt.Fprintf(&b, "role: %s\n", item.Symbol.Role)
			}
			for _, cond := range item.Symbol.ActivationConditions {
				fmt.Fprintf(&b, "- activates when: %s\n", cond)
			}
			if item.Symbol.Data.Payload != "" {
				fmt.Fprintln(&b, item.Symbol.Data.Payload)
			}
			fmt.Fprintln(&b)
		}
		return map[string]any{"context": b.String(), "symbols": len(symbols)}, nil
	}
}

// ScoredResult pairs a resolved symbol with its search score.
type ScoredResult struct {
	Symbol *registry.Symbol `json:"symbol"`
	Score  float64          `json:"score"`
}

func resolveScored(ctx context.Context, reg *registry.Registry, scope Scope, scored []registry.ScoredSymbol) ([]ScoredResult, error) {
	out := make([]ScoredResult, 0, len(scored))
	for _, s := range scored {
		sym, err := reg.FindByID(ctx, s.SymbolID, scope.UserID, scope.IsAdmin)
		if err != nil {
			continue
		}
		out = append(out, ScoredResult{Symbol: sym, Score: s.Score})
	}
	return out, nil
}
