package toolloop

// ExecutorFactory builds a scoped executor for one turn. The surfaces
// that start turns (chat API, scheduler, test runner, MCP bridge) share
// one factory so every entry point runs the same tool set under the same
// authorization rules.
type ExecutorFactory func(scope Scope, guard WriteGuard) (*Executor, error)
