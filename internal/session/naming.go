package session

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/appdraft/appdraft/internal/llm"
)

const appNameSystem = `Name the application described by the user. Reply with only the name:
two to four words, title case, no punctuation.`

const commitMessageSystem = `Write a one-line git commit message for the described change. Reply with
only the message: imperative mood, under 72 characters, no quotes.`

// appName derives a display name from the first user message through the
// small model class, falling back to a deterministic slug.
func (s *session) appName(ctx context.Context, prompt string) string {
	if name := s.generate(ctx, appNameSystem, prompt); name != "" {
		return name
	}
	return titleSlug(prompt, 4)
}

// commitMessage summarizes the turn's diff, with a fixed fallback.
func (s *session) commitMessage(ctx context.Context, prompt, diff string) string {
	input := prompt
	if paths := diffPaths(diff); len(paths) > 0 {
		input += "\n\nFiles changed:\n" + strings.Join(paths, "\n")
	}
	if msg := s.generate(ctx, commitMessageSystem, input); msg != "" {
		return msg
	}
	return "Update application"
}

func (s *session) generate(ctx context.Context, system, input string) string {
	if s.cfg.Client == nil || input == "" {
		return ""
	}
	resp, err := s.cfg.Client.Complete(ctx, llm.Request{
		Provider:   s.cfg.Provider,
		ModelClass: llm.ModelClassSmall,
		System:     system,
		Messages:   []llm.Message{llm.User(input)},
		MaxTokens:  64,
	})
	if err != nil {
		s.log.Warn("small-model generation failed", "err", err)
		return ""
	}
	out := strings.TrimSpace(resp.Message.Text())
	return strings.Trim(out, "\"'`")
}

// titleSlug keeps the first n word-like tokens of the prompt, title-cased.
func titleSlug(prompt string, n int) string {
	words := strings.FieldsFunc(prompt, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) > n {
		words = words[:n]
	}
	if len(words) == 0 {
		return "New App"
	}
	for i, w := range words {
		first, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(first)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// diffPaths lists the b/ targets of a unified diff.
func diffPaths(diff string) []string {
	var paths []string
	for _, line := range strings.Split(diff, "\n") {
		if rest, ok := strings.CutPrefix(line, "+++ b/"); ok {
			paths = append(paths, strings.TrimSpace(rest))
		}
	}
	return paths
}
