package correction

import (
	"path/filepath"
	"strings"
)

// Correction is a proposed fix for a failed tool invocation.
type Correction struct {
	ShouldRetry         bool                   `json:"should_retry"`
	CorrectedArguments  map[string]interface{} `json:"corrected_arguments,omitempty"`
	Explanation         string                 `json:"explanation"`
	Confidence          float64                `json:"confidence"`
	AlternativeApproach string                 `json:"alternative_approach,omitempty"`
}

// rule is a heuristic check for a known error class. Rules are evaluated in
// order; the first match wins.
type rule struct {
	name    string
	match   func(errMsg string) bool
	correct func(toolName string, args map[string]interface{}, errMsg string) *Correction
}

var rules = []rule{
	{
		name: "file_not_found",
		match: func(msg string) bool {
			return strings.Contains(msg, "no such file or directory") ||
				strings.Contains(msg, "file not found") ||
				strings.Contains(msg, "cannot find the file")
		},
		correct: correctFileNotFound,
	},
	{
		name: "permission_denied",
		match: func(msg string) bool {
			return strings.Contains(msg, "permission denied") ||
				strings.Contains(msg, "access is denied") ||
				strings.Contains(msg, "operation not permitted")
		},
		correct: func(_ string, _ map[string]interface{}, _ string) *Correction {
			return &Correction{
				ShouldRetry:         false,
				Explanation:         "the target is not accessible with the current permissions",
				Confidence:          0.8,
				AlternativeApproach: "use a path the process can write to, or adjust file permissions first",
			}
		},
	},
	{
		name: "command_not_found",
		match: func(msg string) bool {
			return strings.Contains(msg, "command not found") ||
				strings.Contains(msg, "executable file not found") ||
				strings.Contains(msg, "not recognized as an internal or external command")
		},
		correct: func(_ string, args map[string]interface{}, _ string) *Correction {
			return &Correction{
				ShouldRetry:         false,
				Explanation:         "the command does not exist on this system",
				Confidence:          0.8,
				AlternativeApproach: "install the missing command or use its absolute path",
			}
		},
	},
	{
		name: "syntax_error",
		match: func(msg string) bool {
			return strings.Contains(msg, "syntax error") ||
				strings.Contains(msg, "unexpected token") ||
				strings.Contains(msg, "parse error")
		},
		correct: func(_ string, _ map[string]interface{}, _ string) *Correction {
			return &Correction{
				ShouldRetry:         false,
				Explanation:         "the input contains a syntax error the tool cannot process",
				Confidence:          0.7,
				AlternativeApproach: "rewrite the input and validate its syntax before retrying",
			}
		},
	},
	{
		name: "transient_network",
		match: func(msg string) bool {
			return strings.Contains(msg, "timeout") ||
				strings.Contains(msg, "timed out") ||
				strings.Contains(msg, "connection refused") ||
				strings.Contains(msg, "connection reset") ||
				strings.Contains(msg, "temporarily unavailable")
		},
		correct: func(_ string, args map[string]interface{}, _ string) *Correction {
			return &Correction{
				ShouldRetry:        true,
				CorrectedArguments: args,
				Explanation:        "transient network failure; the same call is likely to succeed on retry",
				Confidence:         0.9,
			}
		},
	},
	{
		name: "git",
		match: func(msg string) bool {
			return strings.Contains(msg, "not a git repository") ||
				strings.Contains(msg, "nothing to commit") ||
				strings.Contains(msg, "merge conflict")
		},
		correct: correctGit,
	},
}

// correctFileNotFound normalizes path arguments: cleans redundant separators
// and dot segments, which covers the common "./dir//file" class of failures.
func correctFileNotFound(_ string, args map[string]interface{}, _ string) *Correction {
	corrected := make(map[string]interface{}, len(args))
	changed := false
	for k, v := range args {
		s, ok := v.(string)
		if ok && isPathArg(k) {
			cleaned := filepath.Clean(strings.TrimSpace(s))
			if cleaned != s {
				corrected[k] = cleaned
				changed = true
				continue
			}
		}
		corrected[k] = v
	}
	if !changed {
		return &Correction{
			ShouldRetry:         false,
			Explanation:         "the referenced file does not exist",
			Confidence:          0.6,
			AlternativeApproach: "list the parent directory to locate the intended file",
		}
	}
	return &Correction{
		ShouldRetry:        true,
		CorrectedArguments: corrected,
		Explanation:        "normalized a malformed path argument",
		Confidence:         0.7,
	}
}

func correctGit(_ string, _ map[string]interface{}, errMsg string) *Correction {
	switch {
	case strings.Contains(errMsg, "not a git repository"):
		return &Correction{
			ShouldRetry:         false,
			Explanation:         "the working directory is not inside a git repository",
			Confidence:          0.8,
			AlternativeApproach: "change to the repository root or run git init first",
		}
	case strings.Contains(errMsg, "nothing to commit"):
		return &Correction{
			ShouldRetry:         false,
			Explanation:         "there are no staged changes to commit",
			Confidence:          0.9,
			AlternativeApproach: "stage the intended files before committing",
		}
	default:
		return &Correction{
			ShouldRetry:         false,
			Explanation:         "the working tree has conflicting changes",
			Confidence:          0.7,
			AlternativeApproach: "resolve the merge conflicts, then rerun the command",
		}
	}
}

func isPathArg(name string) bool {
	n := strings.ToLower(name)
	return n == "path" || n == "file" || n == "filename" || n == "dir" ||
		strings.HasSuffix(n, "_path") || strings.HasSuffix(n, "_file") ||
		strings.HasSuffix(n, "_dir")
}

// applyRules returns the first matching rule's correction, or nil when no
// rule applies.
func applyRules(toolName string, args map[string]interface{}, errMsg string) *Correction {
	msg := strings.ToLower(errMsg)
	for _, r := range rules {
		if r.match(msg) {
			return r.correct(toolName, args, errMsg)
		}
	}
	return nil
}
