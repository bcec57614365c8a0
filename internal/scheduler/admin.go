package scheduler

import (
	"context"

	"github.com/symbolkernel/kernel/internal/toolloop"
)

// Admin adapts the agent store to the tool executor's manage_agents
// contract.
type Admin struct {
	store *Store
}

// NewAdmin wraps a Store for tool-side agent management.
func NewAdmin(store *Store) *Admin { return &Admin{store: store} }

func (a *Admin) ListAgents(ctx context.Context) ([]toolloop.AgentSummary, error) {
	agents, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]toolloop.AgentSummary, 0, len(agents))
	for _, ag := range agents {
		out = append(out, toolloop.AgentSummary{
			ID:       ag.ID,
			Prompt:   ag.Prompt,
			Schedule: ag.Schedule,
			Enabled:  ag.Enabled,
		})
	}
	return out, nil
}

func (a *Admin) UpsertAgent(ctx context.Context, summary toolloop.AgentSummary) error {
	return a.store.Upsert(ctx, &Agent{
		ID:       summary.ID,
		Prompt:   summary.Prompt,
		Schedule: summary.Schedule,
		Enabled:  summary.Enabled,
	})
}

func (a *Admin) DeleteAgent(ctx context.Context, id string) error {
	return a.store.Delete(ctx, id)
}
