package correction

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/provider"
)

type fakeLLM struct {
	content string
	err     error
	calls   int
}

func (f *fakeLLM) ID() string   { return "fake" }
func (f *fakeLLM) Name() string { return "fake" }
func (f *fakeLLM) Chat(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{Content: f.content}, nil
}
func (f *fakeLLM) HealthCheck(context.Context) error { return nil }

func TestAnalyzeRuleMatchSkipsLLM(t *testing.T) {
	llm := &fakeLLM{content: "{}"}
	a := NewAnalyzer(llm, "gpt-4o-mini", zap.NewNop())

	c := a.AnalyzeAndCorrect(context.Background(), "http_get", nil, "connection refused", nil)
	if c == nil || !c.ShouldRetry {
		t.Fatalf("expected rule-based retry correction, got %+v", c)
	}
	if llm.calls != 0 {
		t.Errorf("llm called %d times, want 0 when a rule matches", llm.calls)
	}
}

func TestAnalyzeLLMFencedJSON(t *testing.T) {
	llm := &fakeLLM{content: "```json\n{\"should_retry\": true, \"corrected_arguments\": {\"path\": \"/tmp/out\"}, \"explanation\": \"use a writable path\", \"confidence\": 0.75}\n```"}
	a := NewAnalyzer(llm, "gpt-4o-mini", zap.NewNop())

	c := a.AnalyzeAndCorrect(context.Background(), "write_file",
		map[string]interface{}{"path": "/x"}, "weird failure", nil)
	if c == nil {
		t.Fatal("expected a correction")
	}
	if !c.ShouldRetry || c.CorrectedArguments["path"] != "/tmp/out" {
		t.Errorf("unexpected correction: %+v", c)
	}
	if c.Confidence != 0.75 {
		t.Errorf("got confidence %v, want 0.75", c.Confidence)
	}
	if llm.calls != 1 {
		t.Errorf("llm called %d times, want 1", llm.calls)
	}
}

func TestAnalyzeLLMMalformedJSONRepaired(t *testing.T) {
	// Trailing comma and single quotes, the kind of output models produce.
	llm := &fakeLLM{content: `{'should_retry': false, 'explanation': 'give up', 'confidence': 0.5,}`}
	a := NewAnalyzer(llm, "gpt-4o-mini", zap.NewNop())

	c := a.AnalyzeAndCorrect(context.Background(), "run", nil, "weird failure", nil)
	if c == nil {
		t.Fatal("expected a correction")
	}
	if c.ShouldRetry || c.Explanation != "give up" {
		t.Errorf("unexpected correction: %+v", c)
	}
}

func TestAnalyzeLLMErrorFallsBack(t *testing.T) {
	llm := &fakeLLM{err: errors.New("upstream down")}
	a := NewAnalyzer(llm, "gpt-4o-mini", zap.NewNop())

	c := a.AnalyzeAndCorrect(context.Background(), "run", nil, "weird failure", nil)
	if c == nil {
		t.Fatal("expected a fallback correction")
	}
	if c.ShouldRetry {
		t.Error("fallback must not retry")
	}
	if c.Confidence != 0.1 {
		t.Errorf("got confidence %v, want 0.1", c.Confidence)
	}
}

func TestAnalyzeNilLLM(t *testing.T) {
	a := NewAnalyzer(nil, "", zap.NewNop())
	c := a.AnalyzeAndCorrect(context.Background(), "run", nil, "weird failure", nil)
	if c == nil || c.ShouldRetry || c.Confidence != 0.1 {
		t.Fatalf("expected low-confidence fallback, got %+v", c)
	}
}

func TestClampConfidence(t *testing.T) {
	llm := &fakeLLM{content: `{"should_retry": false, "explanation": "x", "confidence": 3.5}`}
	a := NewAnalyzer(llm, "m", zap.NewNop())
	c := a.AnalyzeAndCorrect(context.Background(), "run", nil, "weird failure", nil)
	if c.Confidence != 1 {
		t.Errorf("got confidence %v, want clamped to 1", c.Confidence)
	}
}
