package correction

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/tool"
)

// DefaultMaxAttempts is the number of corrected retries after the first
// execution.
const DefaultMaxAttempts = 2

// Record documents one accepted correction.
type Record struct {
	Attempt       int                    `json:"attempt"`
	OriginalArgs  map[string]interface{} `json:"original_args"`
	CorrectedArgs map[string]interface{} `json:"corrected_args"`
	Explanation   string                 `json:"explanation"`
}

// Analysis is attached when all correction attempts are exhausted.
type Analysis struct {
	Explanation         string `json:"explanation"`
	AlternativeApproach string `json:"alternative_approach,omitempty"`
}

// ExecutionResult is the outcome of a self-correcting tool execution.
type ExecutionResult struct {
	Success            bool      `json:"success"`
	Output             string    `json:"output,omitempty"`
	Error              string    `json:"error,omitempty"`
	Attempts           int       `json:"attempts"`
	CorrectionsMade    []Record  `json:"corrections_made,omitempty"`
	CorrectionAnalysis *Analysis `json:"correction_analysis,omitempty"`
}

// Executor runs tools and, on failure, consults the analyzer for corrected
// arguments before giving up.
type Executor struct {
	tools       tool.Executor
	analyzer    *Analyzer
	maxAttempts int
	logger      *zap.Logger
}

// NewExecutor creates a self-correcting executor. maxAttempts <= 0 selects
// DefaultMaxAttempts.
func NewExecutor(tools tool.Executor, analyzer *Analyzer, maxAttempts int, logger *zap.Logger) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Executor{
		tools:       tools,
		analyzer:    analyzer,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Execute runs the tool, retrying with corrected arguments up to maxAttempts
// additional times. Tool output that is not a JSON object is treated as a
// raw success string.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]interface{}, extra map[string]interface{}) *ExecutionResult {
	result := &ExecutionResult{}
	current := args
	var lastCorrection *Correction

	for {
		result.Attempts++
		output, success, errMsg := e.runOnce(ctx, toolName, current)
		if success {
			result.Success = true
			result.Output = output
			result.Error = ""
			return result
		}
		result.Error = errMsg

		if len(result.CorrectionsMade) >= e.maxAttempts {
			if lastCorrection != nil {
				result.CorrectionAnalysis = &Analysis{
					Explanation:         lastCorrection.Explanation,
					AlternativeApproach: lastCorrection.AlternativeApproach,
				}
			}
			return result
		}

		c := e.analyzer.AnalyzeAndCorrect(ctx, toolName, current, errMsg, extra)
		lastCorrection = c
		if !c.ShouldRetry || c.CorrectedArguments == nil {
			if c.Explanation != "" || c.AlternativeApproach != "" {
				result.CorrectionAnalysis = &Analysis{
					Explanation:         c.Explanation,
					AlternativeApproach: c.AlternativeApproach,
				}
			}
			return result
		}

		result.CorrectionsMade = append(result.CorrectionsMade, Record{
			Attempt:       result.Attempts,
			OriginalArgs:  current,
			CorrectedArgs: c.CorrectedArguments,
			Explanation:   c.Explanation,
		})
		e.logger.Info("retrying tool with corrected arguments",
			zap.String("tool", toolName),
			zap.Int("attempt", result.Attempts),
			zap.String("explanation", c.Explanation))
		current = c.CorrectedArguments
	}
}

// runOnce executes the tool and interprets its output. A JSON object
// {success, output, error} is honored; anything else is an opaque success
// string unless the call itself errored.
func (e *Executor) runOnce(ctx context.Context, toolName string, args map[string]interface{}) (output string, success bool, errMsg string) {
	raw, err := e.tools.Execute(ctx, toolName, args)
	if err != nil {
		return "", false, err.Error()
	}

	var structured struct {
		Success *bool  `json:"success"`
		Output  string `json:"output"`
		Error   string `json:"error"`
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &structured) == nil && structured.Success != nil {
		if *structured.Success {
			return structured.Output, true, ""
		}
		return "", false, structured.Error
	}

	return raw, true, ""
}
