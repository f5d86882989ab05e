package template

import (
	"fmt"
	"strings"

	"github.com/appdraft/appdraft/internal/fsm"
	"github.com/appdraft/appdraft/internal/validator"
)

const uiComponentGlob = "client/src/components/ui/**"

func typeCheckServer() validator.Check {
	return validator.Check{
		Name:    "tsc-server",
		Command: "npx tsc -p server --noEmit",
		Prefix:  "TypeScript errors",
	}
}

func typeCheckClient() validator.Check {
	return validator.Check{
		Name:    "tsc-client",
		Command: "npx tsc -p client --noEmit",
		Prefix:  "TypeScript errors",
	}
}

func schemaPush() validator.Check {
	return validator.Check{
		Name:         "drizzle-push",
		Command:      "npx drizzle-kit push --force",
		Dir:          "server",
		WithPostgres: true,
		Prefix:       "Schema push failed",
	}
}

func handlerTests(name string) validator.Check {
	return validator.Check{
		Name:         "vitest-" + name,
		Command:      fmt.Sprintf("npx vitest run tests/%s.test.ts", name),
		Dir:          "server",
		WithPostgres: true,
		Prefix:       "Handler tests failed",
	}
}

func allHandlerTests() validator.Check {
	return validator.Check{
		Name:         "vitest-all",
		Command:      "npx vitest run tests",
		Dir:          "server",
		WithPostgres: true,
		Prefix:       "Handler tests failed",
	}
}

func clientBuild() validator.Check {
	return validator.Check{
		Name:    "vite-build",
		Command: "npx vite build",
		Dir:     "client",
		Prefix:  "Client build failed",
	}
}

func clientLint() validator.Check {
	return validator.Check{
		Name:    "eslint",
		Command: "npx eslint src --max-warnings 0",
		Dir:     "client",
		Prefix:  "Lint errors",
	}
}

func trpcChecks(nodeContext string) []validator.Check {
	switch {
	case nodeContext == fsm.StageDraft:
		return []validator.Check{typeCheckServer(), schemaPush()}
	case strings.HasPrefix(nodeContext, "handler:"):
		name := strings.TrimPrefix(nodeContext, "handler:")
		return []validator.Check{typeCheckServer(), handlerTests(name)}
	case nodeContext == fsm.StageFrontend:
		return []validator.Check{typeCheckClient(), clientBuild(), clientLint()}
	case nodeContext == "edit":
		return []validator.Check{
			typeCheckServer(), schemaPush(), allHandlerTests(),
			typeCheckClient(), clientBuild(), clientLint(),
		}
	}
	return []validator.Check{typeCheckServer()}
}

const trpcSystem = `You are an expert full-stack TypeScript engineer working in a tRPC +
Drizzle + React scaffold. The server lives under server/src with its tRPC
routers in server/src/handlers and the Drizzle schema in
server/src/schema.ts; the client lives under client/src. Use the provided
tools to read and modify files, then mark the task completed. Validators
run on completion; fix every reported error before finishing.`

func trpcDraftPrompt(in map[string]any) (string, string) {
	return trpcSystem, fmt.Sprintf(`Design the backend for this application request:

%s

Define the Drizzle schema in server/src/schema.ts, the shared zod types,
and stub tRPC handlers in server/src/handlers that type-check. The schema
must push cleanly against Postgres.`, in["prompt"])
}

func trpcHandlerPrompt(in map[string]any) (string, string) {
	return trpcSystem, fmt.Sprintf(`Implement the %q tRPC handler and its tests.

Application request:
%s

The handler lives in server/src/handlers and its tests in server/tests.
Tests run against a real Postgres database seeded through the Drizzle
schema; do not mock the database.`, in["handler"], in["prompt"])
}

func trpcFrontendPrompt(in map[string]any) (string, string) {
	return trpcSystem, fmt.Sprintf(`Build the React frontend for this application request:

%s

Wire client/src to the tRPC API, reusing the prebuilt UI components under
client/src/components/ui as-is. The client must type-check, lint and
build.`, in["prompt"])
}

func trpcEditPrompt(in map[string]any) (string, string) {
	return trpcSystem, fmt.Sprintf(`Apply this change request to the existing application:

%s

Keep the rest of the application working; the full validator suite runs
on completion.`, in["prompt"])
}

// TRPC is the canonical template: tRPC + Drizzle server, React client,
// frontend generation concurrent with the handlers stage.
func TRPC() *Template {
	return &Template{
		Name:  "trpc",
		Image: "templates/trpc",
		Stages: []Stage{
			{
				Name: fsm.StageDraft,
				Policy: PathPolicy{
					Allowed:  []string{"server/src", "server/tests"},
					Relevant: []string{"server/src"},
				},
				Prompt:    trpcDraftPrompt,
				BeamWidth: 2,
			},
			{
				Name: fsm.StageHandlers,
				Policy: PathPolicy{
					Allowed:   []string{"server/src/handlers", "server/tests"},
					Relevant:  []string{"server/src"},
					Protected: []string{"server/src/schema.ts"},
				},
				Prompt:    trpcHandlerPrompt,
				BeamWidth: 1,
			},
			{
				Name: fsm.StageFrontend,
				Policy: PathPolicy{
					Allowed:   []string{"client/src"},
					Relevant:  []string{"client/src", "server/src/schema.ts", "server/src/handlers"},
					Protected: []string{uiComponentGlob},
				},
				Prompt:    trpcFrontendPrompt,
				BeamWidth: 1,
			},
		},
		Edit: Stage{
			Name: "edit",
			Policy: PathPolicy{
				Relevant:  []string{"server/src", "client/src"},
				Protected: []string{uiComponentGlob},
			},
			Prompt:    trpcEditPrompt,
			BeamWidth: 2,
		},
		Checks:             trpcChecks,
		ConcurrentFrontend: true,
		Defaults:           Settings{BeamWidth: 2, MaxDepth: 10},
	}
}
