package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/symbolkernel/kernel/internal/llm"
)

// Comparison is the judged result of a signal-zero vs baseline pairing.
type Comparison struct {
	Scores    map[string]float64 `json:"scores"`
	Reasoning string             `json:"reasoning"`
}

const comparisonRubric = `You are judging two answers to the same prompt.
Answer A was produced with access to a symbol registry; answer B is a plain baseline.
Score each answer from 0 to 10 on: accuracy, specificity, coherence.
Respond with JSON only, shaped as:
{"scores": {"a_accuracy": n, "a_specificity": n, "a_coherence": n, "b_accuracy": n, "b_specificity": n, "b_coherence": n}, "reasoning": "..."}`

// RunBaselineTest produces the no-tools baseline output the test runner
// compares against.
func (p *Processor) RunBaselineTest(ctx context.Context, baseline llm.Provider, prompt string) (string, error) {
	provider := baseline
	if provider == nil {
		provider = p.provider
	}
	if provider == nil {
		return "", ErrNoProvider
	}
	resp, err := provider.Chat(ctx, &llm.Request{
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("toolloop: baseline test: %w", err)
	}
	return resp.Text, nil
}

// EvaluateComparison judges a signal-zero response against a baseline
// response with a fixed rubric.
func (p *Processor) EvaluateComparison(ctx context.Context, signalZero, baseline string) (*Comparison, error) {
	if p.provider == nil {
		return nil, ErrNoProvider
	}
	prompt := fmt.Sprintf("Answer A:\n%s\n\nAnswer B:\n%s", signalZero, baseline)
	resp, err := p.provider.Chat(ctx, &llm.Request{
		System:    comparisonRubric,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("toolloop: evaluate comparison: %w", err)
	}
	var out Comparison
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &out); err != nil {
		// A judge that strays from the rubric still yields its prose.
		return &Comparison{Reasoning: resp.Text}, nil
	}
	return &out, nil
}

// extractJSON pulls the first JSON object out of a possibly-fenced reply.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
