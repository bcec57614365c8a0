// Package llm adapts external model APIs to the single-call contract
// the inference loop needs: one request in, either final text or tool
// calls out. The loop takes one request/response round trip per step;
// nothing reads partial output mid-step, so there is no streaming.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn in the conversation sent to the model.
type Message struct {
	Role        string       // "user", "assistant", or "tool"
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a ToolCall, sent back to the
// model on the next turn.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes one tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one step of the tool-calling loop.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Response is the model's answer to one Request: text, tool calls, or
// text alongside tool calls. It is final only when it has no tool calls.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// IsFinal reports whether the response concludes the turn.
func (r *Response) IsFinal() bool { return len(r.ToolCalls) == 0 }

// Model describes an available model's capabilities.
type Model struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
}

// Provider is the capability surface the inference loop and vector
// indexer build on: a chat call for the tool-calling loop and judged
// baseline comparisons, and an embed call for the vector indexer.
type Provider interface {
	Name() string
	Models() []Model
	SupportsTools() bool

	// Chat runs one request/response round trip.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Embed computes a text embedding for the vector index. Returns ErrNoEmbeddings
	// if this provider offers no embedding model (e.g. a chat-only baseline).
	Embed(ctx context.Context, text string) ([]float32, error)
}
