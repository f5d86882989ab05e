// Package validator runs the per-context check lists (compile, lint, test,
// schema push) inside a node's workspace and folds the results into feedback
// for the next expansion.
package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/tools"
	"github.com/appdraft/appdraft/internal/workspace"
)

// DefaultCompactionThreshold is the combined-output length above which
// feedback is compacted through the small model class.
const DefaultCompactionThreshold = 4096

// Check is one command in a context's check list.
type Check struct {
	Name    string
	Command string
	Dir     string

	// WithPostgres runs the command with a transient database attached
	// (schema push, handler tests).
	WithPostgres bool

	// Prefix labels the failure text, e.g. "TypeScript errors".
	Prefix string
}

// ChecksFunc resolves a node context (draft, edit, frontend, handler:<name>)
// to its check list.
type ChecksFunc func(nodeContext string) []Check

type Suite struct {
	checks    ChecksFunc
	client    *llm.Client
	threshold int
}

type Config struct {
	Checks ChecksFunc

	// Client powers error compaction; nil disables compaction.
	Client *llm.Client

	// CompactionThreshold defaults to DefaultCompactionThreshold.
	CompactionThreshold int
}

func New(cfg Config) (*Suite, error) {
	if cfg.Checks == nil {
		return nil, fmt.Errorf("validator checks resolver is required")
	}
	threshold := cfg.CompactionThreshold
	if threshold <= 0 {
		threshold = DefaultCompactionThreshold
	}
	return &Suite{checks: cfg.Checks, client: cfg.Client, threshold: threshold}, nil
}

type checkOutcome struct {
	index   int
	name    string
	prefix  string
	failure string
	err     error
}

// Validate runs the context's checks concurrently in the workspace. Failures
// are combined into one feedback string, compacted when over the threshold.
func (s *Suite) Validate(ctx context.Context, ws *workspace.Workspace, nodeContext string) (tools.ValidationResult, error) {
	checks := s.checks(nodeContext)
	if len(checks) == 0 {
		return tools.ValidationResult{OK: true}, nil
	}

	outcomes := make(chan checkOutcome, len(checks))
	for i, check := range checks {
		go func(i int, check Check) {
			failure, err := s.runCheck(ctx, ws, check)
			outcomes <- checkOutcome{index: i, name: check.Name, prefix: check.Prefix, failure: failure, err: err}
		}(i, check)
	}

	collected := make([]checkOutcome, len(checks))
	for range checks {
		o := <-outcomes
		collected[o.index] = o
	}

	var failures []string
	for _, o := range collected {
		if o.err != nil {
			return tools.ValidationResult{}, fmt.Errorf("validator %s: %w", o.name, o.err)
		}
		if o.failure == "" {
			continue
		}
		text := o.failure
		if o.prefix != "" {
			text = o.prefix + "\n" + text
		}
		failures = append(failures, text)
	}
	if len(failures) == 0 {
		return tools.ValidationResult{OK: true}, nil
	}

	feedback := strings.Join(failures, "\n\n")
	if len(feedback) > s.threshold {
		feedback = s.compact(ctx, feedback)
	}
	return tools.ValidationResult{OK: false, Feedback: feedback}, nil
}

// runCheck returns the failure text, empty on success. Exec-level faults are
// returned as errors; nonzero exits are validator failures.
func (s *Suite) runCheck(ctx context.Context, ws *workspace.Workspace, check Check) (string, error) {
	var res workspace.ExecResult
	var err error
	if check.WithPostgres {
		res, err = ws.ExecWithPG(ctx, check.Command)
	} else {
		res, err = ws.Exec(ctx, check.Command, check.Dir)
	}
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return "", nil
	}
	out := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
	if out == "" {
		out = fmt.Sprintf("%s exited with code %d", check.Name, res.ExitCode)
	}
	return out, nil
}

// compact asks the small model class for a shorter rendition. Falls back to
// hard truncation if the call fails.
func (s *Suite) compact(ctx context.Context, feedback string) string {
	if s.client != nil {
		resp, err := s.client.Complete(ctx, llm.Request{
			ModelClass: llm.ModelClassSmall,
			System:     "You compact build and test output. Keep every distinct error with its file path and message; drop stack traces, progress noise and repetition. Reply with the compacted output only.",
			Messages:   []llm.Message{llm.User(feedback)},
			MaxTokens:  1024,
		})
		if err == nil {
			if text := strings.TrimSpace(resp.Text()); text != "" {
				return preserveLeadingLabel(feedback, text)
			}
		}
	}
	if len(feedback) > s.threshold {
		return feedback[:s.threshold] + "\n[... output truncated ...]"
	}
	return feedback
}

// preserveLeadingLabel keeps the check prefix line in front of compacted
// output so the agent still sees what kind of failure it is.
func preserveLeadingLabel(original, compacted string) string {
	line, _, ok := strings.Cut(original, "\n")
	if !ok {
		return compacted
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(compacted, line) {
		return compacted
	}
	return line + "\n" + compacted
}
