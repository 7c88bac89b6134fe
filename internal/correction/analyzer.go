// Package correction turns failed tool invocations into corrected retries.
// A rule table covers the known error classes; anything unmatched goes to an
// LLM with a JSON-only response contract. Analysis never fails upward; a
// broken LLM call degrades to a low-confidence, non-retryable correction.
package correction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/provider"
)

// Analyzer proposes corrections for failed tool invocations.
type Analyzer struct {
	llm    provider.Provider
	model  string
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer. llm may be nil, in which case only the
// rule table is consulted.
func NewAnalyzer(llm provider.Provider, model string, logger *zap.Logger) *Analyzer {
	return &Analyzer{llm: llm, model: model, logger: logger}
}

// AnalyzeAndCorrect evaluates the rule table first; on no match it asks the
// LLM. Extra context (when given) is included in the prompt.
func (a *Analyzer) AnalyzeAndCorrect(ctx context.Context, toolName string, args map[string]interface{}, errMsg string, extra map[string]interface{}) *Correction {
	if c := applyRules(toolName, args, errMsg); c != nil {
		a.logger.Debug("rule-based correction",
			zap.String("tool", toolName),
			zap.Bool("retry", c.ShouldRetry))
		return c
	}
	return a.llmCorrect(ctx, toolName, args, errMsg, extra)
}

func (a *Analyzer) llmCorrect(ctx context.Context, toolName string, args map[string]interface{}, errMsg string, extra map[string]interface{}) *Correction {
	if a.llm == nil {
		return fallbackCorrection("no analyzer backend configured")
	}

	argsJSON, _ := json.Marshal(args)
	var sb strings.Builder
	fmt.Fprintf(&sb, `A tool invocation failed. Propose a correction.

Tool: %s
Arguments: %s
Error: %s
`, toolName, argsJSON, errMsg)
	if len(extra) > 0 {
		extraJSON, _ := json.Marshal(extra)
		fmt.Fprintf(&sb, "Context: %s\n", extraJSON)
	}
	sb.WriteString(`
Respond with ONLY a JSON object, no prose:
{"should_retry":bool,"corrected_arguments":{...}|null,"explanation":"...","confidence":0.0-1.0,"alternative_approach":"..."|null}`)

	resp, err := a.llm.Chat(ctx, &provider.ChatRequest{
		Model:       a.model,
		Messages:    []provider.Message{{Role: "user", Content: sb.String()}},
		MaxTokens:   512,
		Temperature: 0.2,
	})
	if err != nil {
		a.logger.Warn("llm correction failed", zap.Error(err))
		return fallbackCorrection("analysis call failed: " + err.Error())
	}

	c, err := parseCorrection(resp.Content)
	if err != nil {
		a.logger.Warn("llm correction unparseable", zap.Error(err))
		return fallbackCorrection("analysis response unparseable: " + err.Error())
	}
	return c
}

// parseCorrection tolerantly parses an LLM correction response: fenced code
// blocks are stripped, and malformed JSON goes through jsonrepair before
// giving up.
func parseCorrection(content string) (*Correction, error) {
	text := stripCodeFence(content)

	var c Correction
	if err := json.Unmarshal([]byte(text), &c); err == nil {
		return clampConfidence(&c), nil
	}

	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, fmt.Errorf("repair json: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &c); err != nil {
		return nil, fmt.Errorf("unmarshal correction: %w", err)
	}
	return clampConfidence(&c), nil
}

func stripCodeFence(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

func clampConfidence(c *Correction) *Correction {
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c
}

func fallbackCorrection(reason string) *Correction {
	return &Correction{
		ShouldRetry: false,
		Explanation: reason,
		Confidence:  0.1,
	}
}
