package subagent

import (
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens returns a token count using the cl100k_base encoding, falling
// back to a rune/word heuristic when tiktoken is unavailable.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// DefaultTokenBudget caps a subagent's isolated context independently of its
// parent's budget.
const DefaultTokenBudget = 32000

// ContextMessage is one entry in a subagent's isolated conversation.
type ContextMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is a subagent's isolated conversation state. It is never exposed
// to the parent agent; only the bounded result summary travels upward.
type Context struct {
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []ContextMessage `json:"messages"`
	TokenBudget  int              `json:"token_budget"`
	TokensUsed   int              `json:"tokens_used"`
}

// NewContext creates an isolated context with the given system prompt.
func NewContext(systemPrompt string, budget int) *Context {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	c := &Context{
		SystemPrompt: systemPrompt,
		TokenBudget:  budget,
	}
	c.TokensUsed = countTokens(systemPrompt)
	return c
}

// Append adds a message and trims the oldest messages when the running token
// count exceeds the budget. The system prompt is never trimmed.
func (c *Context) Append(role, content string) {
	c.Messages = append(c.Messages, ContextMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	c.TokensUsed += countTokens(content)

	for c.TokensUsed > c.TokenBudget && len(c.Messages) > 1 {
		dropped := c.Messages[0]
		c.Messages = c.Messages[1:]
		c.TokensUsed -= countTokens(dropped.Content)
	}
}

// LastAssistant returns the content of the most recent assistant message.
func (c *Context) LastAssistant() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "assistant" {
			return c.Messages[i].Content
		}
	}
	return ""
}
