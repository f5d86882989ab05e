package template

import (
	"fmt"
	"strings"

	"github.com/appdraft/appdraft/internal/fsm"
	"github.com/appdraft/appdraft/internal/validator"
)

func legacyChecks(nodeContext string) []validator.Check {
	switch {
	case nodeContext == fsm.StageTypespec:
		return nil
	case nodeContext == fsm.StageDrizzle:
		return []validator.Check{typeCheckServer(), schemaPush()}
	case strings.HasPrefix(nodeContext, "handler:"):
		name := strings.TrimPrefix(nodeContext, "handler:")
		return []validator.Check{typeCheckServer(), handlerTests(name)}
	case nodeContext == "edit":
		return []validator.Check{typeCheckServer(), schemaPush(), allHandlerTests()}
	}
	return []validator.Check{typeCheckServer()}
}

const legacySystem = `You are an expert backend TypeScript engineer working in a typespec-first
scaffold. The API contract lives in server/src/typespec.ts, the Drizzle
schema in server/src/schema.ts, handlers in server/src/handlers and their
tests in server/tests. Use the provided tools to read and modify files,
then mark the task completed.`

func legacyStagePrompt(instruction string) PromptFunc {
	return func(in map[string]any) (string, string) {
		return legacySystem, fmt.Sprintf("%s\n\nApplication request:\n%s", instruction, in["prompt"])
	}
}

// Legacy is the typespec-first pipeline kept for older scaffolds: each
// backend concern is its own stage and there is no generated frontend.
func Legacy() *Template {
	serverScope := PathPolicy{
		Allowed:  []string{"server/src", "server/tests"},
		Relevant: []string{"server/src"},
	}
	return &Template{
		Name:  "legacy",
		Image: "templates/legacy",
		Stages: []Stage{
			{
				Name:   fsm.StageTypespec,
				Policy: PathPolicy{Allowed: []string{"server/src/typespec.ts"}, Relevant: []string{"server/src"}},
				Prompt: legacyStagePrompt("Write the API contract in server/src/typespec.ts: every operation, its input and output types."),
			},
			{
				Name:   fsm.StageDrizzle,
				Policy: PathPolicy{Allowed: []string{"server/src/schema.ts"}, Relevant: []string{"server/src"}},
				Prompt: legacyStagePrompt("Derive the Drizzle schema in server/src/schema.ts from the typespec. It must push cleanly against Postgres."),
			},
			{
				Name:   fsm.StageTypescript,
				Policy: serverScope,
				Prompt: legacyStagePrompt("Define the shared TypeScript types and zod validators implementing the typespec."),
			},
			{
				Name:   fsm.StageHandlerTests,
				Policy: PathPolicy{Allowed: []string{"server/tests"}, Relevant: []string{"server/src"}},
				Prompt: legacyStagePrompt("Write the handler test suite in server/tests, one file per handler, running against a real Postgres database."),
			},
			{
				Name:      fsm.StageHandlers,
				Policy:    PathPolicy{Allowed: []string{"server/src/handlers"}, Relevant: []string{"server/src", "server/tests"}, Protected: []string{"server/src/typespec.ts", "server/src/schema.ts"}},
				Prompt:    legacyStagePrompt("Implement every handler in server/src/handlers until its tests pass."),
				BeamWidth: 1,
			},
		},
		Edit: Stage{
			Name:      "edit",
			Policy:    PathPolicy{Relevant: []string{"server/src", "server/tests"}},
			Prompt:    legacyStagePrompt("Apply this change request to the existing application. The full validator suite runs on completion."),
			BeamWidth: 2,
		},
		Checks:   legacyChecks,
		Defaults: Settings{BeamWidth: 2, MaxDepth: 10},
	}
}
