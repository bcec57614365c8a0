package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/symbolkernel/kernel/internal/llm"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/session"
)

// DefaultMaxSteps bounds the model<->tool round trips per turn.
const DefaultMaxSteps = 16

// Turn metadata kinds recorded on terminal model turns.
const (
	KindCancelled      = "cancelled"
	KindBudgetExceeded = "budget_exceeded"
	KindError          = "error"
	KindAgentUpdate    = "agent_update"
)

// Processor drives the inference loop over one provider. The caller has
// already acquired the session's active-message lock; the processor
// records every outcome into history, releases the lock, and drains the
// session queue.
type Processor struct {
	sessions  *session.Machine
	provider  llm.Provider
	logger    *slog.Logger
	metrics   *observability.Metrics
	maxSteps  int
	maxTokens int
	model     string
}

// ProcessorConfig tunes the loop.
type ProcessorConfig struct {
	MaxSteps  int
	MaxTokens int
	Model     string
}

// NewProcessor constructs a Processor.
func NewProcessor(sessions *session.Machine, provider llm.Provider, cfg ProcessorConfig, logger *slog.Logger, metrics *observability.Metrics) *Processor {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Processor{
		sessions:  sessions,
		provider:  provider,
		logger:    observability.OrDefault(logger),
		metrics:   metrics,
		maxSteps:  cfg.MaxSteps,
		maxTokens: cfg.MaxTokens,
		model:     cfg.Model,
	}
}

// ProcessOptions parameterizes one turn.
type ProcessOptions struct {
	MessageID string

	// RecordUserTurn is false on crash-recovery re-entry, where the user
	// turn already exists in history and only the model's side is owed.
	RecordUserTurn bool

	// TurnMetadata is stamped on the terminal model turn (e.g. agent
	// updates mark theirs so clients can render them differently).
	TurnMetadata map[string]string
}

// ProcessMessageAsync runs one turn on a background goroutine. The
// caller must already hold the session's active-message lock.
func (p *Processor) ProcessMessageAsync(sessionID, message string, exec *Executor, systemPrompt string, opts ProcessOptions) {
	go func() {
		ctx := context.Background()
		if err := p.ProcessMessage(ctx, sessionID, message, exec, systemPrompt, opts); err != nil {
			p.logger.Error("toolloop: turn failed", "session", sessionID, "message", opts.MessageID, "error", err)
		}
	}()
}

// ProcessMessage runs one full turn synchronously: prompt composition,
// the bounded tool-calling loop, terminal turn recording, lock release,
// and queue drain. Errors are recorded into history before being
// returned; callers use the return value for logging only.
func (p *Processor) ProcessMessage(ctx context.Context, sessionID, message string, exec *Executor, systemPrompt string, opts ProcessOptions) error {
	if p.provider == nil {
		return ErrNoProvider
	}
	start := time.Now()
	err := p.runTurn(ctx, sessionID, message, exec, systemPrompt, opts)
	if clearErr := p.sessions.ClearActiveMessage(ctx, sessionID); clearErr != nil {
		p.logger.Error("toolloop: failed to release session lock", "session", sessionID, "error", clearErr)
	}
	p.logger.Info("toolloop: turn finished", "session", sessionID, "message", opts.MessageID, "duration", time.Since(start), "error", err)

	p.drainQueue(ctx, sessionID, exec, systemPrompt)
	return err
}

// drainQueue pops the next pending message, re-acquires the lock under a
// synthetic queued message id, and processes it. Ordering within the
// session is preserved because the lock is held for the whole turn.
func (p *Processor) drainQueue(ctx context.Context, sessionID string, exec *Executor, systemPrompt string) {
	queued, err := p.sessions.PopNextMessage(ctx, sessionID)
	if err != nil {
		p.logger.Error("toolloop: queue pop failed", "session", sessionID, "error", err)
		return
	}
	if queued == nil {
		return
	}
	messageID := fmt.Sprintf("queued-%d", time.Now().UnixMilli())
	if err := p.sessions.SetActiveMessage(ctx, sessionID, messageID); err != nil {
		// Someone else grabbed the lock first; they will drain on completion.
		return
	}
	if err := p.ProcessMessage(ctx, sessionID, queued.Message, exec, systemPrompt, ProcessOptions{
		MessageID:      messageID,
		RecordUserTurn: true,
	}); err != nil {
		p.logger.Error("toolloop: queued turn failed", "session", sessionID, "message", messageID, "error", err)
	}
}

func (p *Processor) runTurn(ctx context.Context, sessionID, message string, exec *Executor, systemPrompt string, opts ProcessOptions) error {
	expanded := p.expandAttachments(ctx, message)

	if opts.RecordUserTurn {
		userTurn := &session.Turn{
			ID:            opts.MessageID,
			Role:          session.RoleUser,
			Content:       message,
			CorrelationID: opts.MessageID,
		}
		if err := p.sessions.RecordMessage(ctx, sessionID, userTurn); err != nil {
			return &LoopError{Phase: PhaseInit, Cause: err}
		}
	}

	messages, err := p.composeHistory(ctx, sessionID, opts.MessageID, expanded)
	if err != nil {
		return &LoopError{Phase: PhaseInit, Cause: err}
	}

	steps := 0
	for steps < p.maxSteps {
		if cancelled, err := p.checkCancelled(ctx, sessionID, opts); cancelled || err != nil {
			return err
		}

		resp, chatErr := p.provider.Chat(ctx, &llm.Request{
			Model:     p.model,
			System:    systemPrompt,
			Messages:  messages,
			Tools:     exec.Definitions(),
			MaxTokens: p.maxTokens,
		})
		if chatErr != nil {
			p.recordModelTurn(ctx, sessionID, opts, "The model call failed: "+chatErr.Error(), KindError)
			return &LoopError{Phase: PhaseModel, Iteration: steps, Cause: chatErr}
		}

		if cancelled, err := p.checkCancelled(ctx, sessionID, opts); cancelled || err != nil {
			return err
		}

		if resp.IsFinal() {
			p.recordModelTurn(ctx, sessionID, opts, resp.Text, "")
			if p.metrics != nil {
				p.metrics.LoopIterations.Observe(float64(steps + 1))
			}
			return nil
		}

		assistant := llm.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistant)

		var results []llm.ToolResult
		for _, call := range resp.ToolCalls {
			content, isErr := exec.Execute(ctx, call.Name, call.Input)
			results = append(results, llm.ToolResult{ToolCallID: call.ID, Content: content, IsError: isErr})

			toolTurn := &session.Turn{
				Role:          session.RoleTool,
				Content:       renderToolTurn(call, content, isErr),
				CorrelationID: opts.MessageID,
			}
			if err := p.sessions.RecordMessage(ctx, sessionID, toolTurn); err != nil {
				return &LoopError{Phase: PhaseExecuteTools, Iteration: steps, Cause: err}
			}
		}
		messages = append(messages, llm.Message{Role: "tool", ToolResults: results})
		steps++
	}

	// Running out of steps is a success path: the turn terminates with a
	// synthetic model turn and the session returns to idle.
	p.recordModelTurn(ctx, sessionID, opts,
		fmt.Sprintf("Step budget of %d tool rounds exceeded; stopping here.", p.maxSteps),
		KindBudgetExceeded)
	if p.metrics != nil {
		p.metrics.LoopIterations.Observe(float64(p.maxSteps))
	}
	return nil
}

// checkCancelled observes the cooperative cancellation flag at a
// suspension point. When set, exactly one cancelled model turn is
// appended and the loop stops without dispatching further calls.
func (p *Processor) checkCancelled(ctx context.Context, sessionID string, opts ProcessOptions) (bool, error) {
	cancelled, err := p.sessions.CancellationRequested(ctx, sessionID)
	if err != nil {
		return false, &LoopError{Phase: PhaseModel, Cause: err}
	}
	if !cancelled {
		return false, nil
	}
	p.recordModelTurn(ctx, sessionID, opts, "Processing was cancelled.", KindCancelled)
	return true, nil
}

func (p *Processor) recordModelTurn(ctx context.Context, sessionID string, opts ProcessOptions, content, kind string) {
	metadata := map[string]string{}
	for k, v := range opts.TurnMetadata {
		metadata[k] = v
	}
	if kind != "" {
		metadata["kind"] = kind
	}
	if len(metadata) == 0 {
		metadata = nil
	}
	turn := &session.Turn{
		Role:          session.RoleModel,
		Content:       content,
		CorrelationID: opts.MessageID,
		Metadata:      metadata,
	}
	if err := p.sessions.RecordMessage(ctx, sessionID, turn); err != nil {
		p.logger.Error("toolloop: failed to record model turn", "session", sessionID, "error", err)
	}
}

// composeHistory rebuilds the prompt from prior user/model turns plus
// the current message. Tool turns are omitted: their effect is already
// reflected in the model turns that followed them, and replaying stale
// tool payloads would bloat every subsequent prompt.
func (p *Processor) composeHistory(ctx context.Context, sessionID, currentMessageID, currentMessage string) ([]llm.Message, error) {
	turns, err := p.sessions.GetHistory(ctx, sessionID, time.Time{})
	if err != nil {
		return nil, err
	}
	var messages []llm.Message
	for _, turn := range turns {
		if turn.CorrelationID == currentMessageID && turn.Role == session.RoleUser {
			continue // re-added below with attachments expanded
		}
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, llm.Message{Role: "user", Content: turn.Content})
		case session.RoleModel:
			messages = append(messages, llm.Message{Role: "assistant", Content: turn.Content})
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: currentMessage})
	return messages, nil
}

var attachmentRef = regexp.MustCompile(`attachment:[0-9a-fA-F-]{36}`)

// expandAttachments replaces attachment:<id> references in the message
// with the stored attachment content. Unknown or expired references are
// left as-is for the model to see.
func (p *Processor) expandAttachments(ctx context.Context, message string) string {
	return attachmentRef.ReplaceAllStringFunc(message, func(ref string) string {
		id := ref[len("attachment:"):]
		att, err := p.sessions.GetAttachment(ctx, id)
		if err != nil {
			return ref
		}
		return fmt.Sprintf("[attachment %s]\n%s", att.Name, att.Content)
	})
}

func renderToolTurn(call llm.ToolCall, content string, isErr bool) string {
	payload := map[string]any{
		"tool":   call.Name,
		"result": json.RawMessage(content),
	}
	if isErr {
		payload["is_error"] = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return content
	}
	return string(data)
}
