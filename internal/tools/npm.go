package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/workspace"
)

type npmInstallInput struct {
	Packages []string `json:"packages"`
	Target   string   `json:"target"`
}

// NPMInstall is the dependency-install custom tool. It runs npm through
// ExecMut so the full install lands in the overlay; only changed manifest and
// lock files are surfaced to the node as deltas.
func NPMInstall() CustomTool {
	return CustomTool{
		Definition: npmInstallDefinition(),
		Exec:       npmInstallExec,
	}
}

func npmInstallDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "npm_install",
		Description: "Install npm packages into the server or client workspace.",
		InputSchema: objectSchema(map[string]any{
			"packages": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string", "minLength": 1},
				"minItems": 1,
			},
			"target": map[string]any{
				"type": "string",
				"enum": []any{"server", "client"},
			},
		}, []string{"packages", "target"}),
	}
}

func npmInstallExec(ctx context.Context, ws *workspace.Workspace, raw json.RawMessage) (string, map[string]*string, error) {
	var in npmInstallInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	for _, pkg := range in.Packages {
		if strings.ContainsAny(pkg, " ;|&$`\"'") {
			return "", nil, fmt.Errorf("invalid package name: %s", pkg)
		}
	}
	cmd := "npm install --save " + strings.Join(in.Packages, " ")
	res, err := ws.ExecMut(ctx, cmd, in.Target)
	if err != nil {
		return "", nil, err
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
		return out, nil, fmt.Errorf("npm install exited with code %d", res.ExitCode)
	}
	deltas := map[string]*string{}
	for p, st := range res.Changed {
		base := path.Base(p)
		if base != "package.json" && base != "package-lock.json" {
			continue
		}
		if st.Deleted {
			deltas[p] = nil
		} else {
			c := st.Content
			deltas[p] = &c
		}
	}
	return fmt.Sprintf("Installed %s into %s", strings.Join(in.Packages, ", "), in.Target), deltas, nil
}
