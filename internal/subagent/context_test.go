package subagent

import (
	"strings"
	"testing"
)

func TestContextAppendAndLastAssistant(t *testing.T) {
	c := NewContext("be helpful", 0)
	if c.TokenBudget != DefaultTokenBudget {
		t.Fatalf("got budget %d, want %d", c.TokenBudget, DefaultTokenBudget)
	}

	c.Append("user", "first question")
	c.Append("assistant", "first answer")
	c.Append("user", "second question")

	if got := c.LastAssistant(); got != "first answer" {
		t.Errorf("got %q, want %q", got, "first answer")
	}

	c.Append("assistant", "second answer")
	if got := c.LastAssistant(); got != "second answer" {
		t.Errorf("got %q, want %q", got, "second answer")
	}
}

func TestContextLastAssistantEmpty(t *testing.T) {
	c := NewContext("", 0)
	c.Append("user", "hello")
	if got := c.LastAssistant(); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestContextTrimsOldestOverBudget(t *testing.T) {
	// Every message is far over the tiny budget, so each append evicts
	// prior messages down to the most recent one.
	big := strings.Repeat("lorem ipsum dolor sit amet ", 40)

	c := NewContext("", 10)
	c.Append("user", big+"one")
	c.Append("assistant", big+"two")
	c.Append("user", big+"three")

	if len(c.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(c.Messages))
	}
	if !strings.HasSuffix(c.Messages[0].Content, "three") {
		t.Errorf("expected most recent message to survive, got %q", c.Messages[0].Content[:40])
	}
}

func TestCountTokensNonZero(t *testing.T) {
	if countTokens("") != 0 {
		t.Error("empty string should count zero tokens")
	}
	if countTokens("hello world, this is a sentence") == 0 {
		t.Error("non-empty string should count tokens")
	}
}
