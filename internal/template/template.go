// Package template describes the application scaffolds a session can build
// on: base image, stage pipeline, per-stage path policy and prompts,
// validator commands, and engine defaults.
package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/appdraft/appdraft/internal/validator"
	"github.com/appdraft/appdraft/internal/workspace"
)

// PathPolicy scopes one stage's file access. Patterns are doublestar
// globs; a bare directory matches everything under it.
type PathPolicy struct {
	// Allowed paths the stage may write. Empty means the whole tree.
	Allowed []string
	// Relevant paths primed into the stage prompt as context.
	Relevant []string
	// Protected paths that may never be written, checked before Allowed.
	Protected []string
}

// WorkspacePolicy converts the stage scope into workspace permissions.
func (p PathPolicy) WorkspacePolicy() workspace.Policy {
	return workspace.Policy{Allowed: p.Allowed, Protected: p.Protected}
}

// PromptFunc renders the system and user prompts for one stage from the
// stage inputs (prompt, schema, handler name, prior outputs).
type PromptFunc func(in map[string]any) (system, user string)

// Stage is one work state of a template's pipeline.
type Stage struct {
	Name   string
	Policy PathPolicy
	Prompt PromptFunc

	// BeamWidth overrides the session default for this stage; zero keeps it.
	BeamWidth int
}

// Settings are the engine defaults a template ships with; request
// settings override them.
type Settings struct {
	BeamWidth int
	MaxDepth  int
}

// Template is one shippable application scaffold.
type Template struct {
	Name  string
	Image string

	// Stages in pipeline order. Edit is the stage used on refinement turns.
	Stages []Stage
	Edit   Stage

	// Checks resolves a node context (draft, edit, frontend,
	// handler:<name>) to its validator command list.
	Checks validator.ChecksFunc

	// ConcurrentFrontend runs frontend generation alongside handlers.
	ConcurrentFrontend bool

	Defaults Settings
}

// Stage returns the named pipeline stage, or the edit stage.
func (t *Template) Stage(name string) (*Stage, error) {
	if name == t.Edit.Name {
		return &t.Edit, nil
	}
	for i := range t.Stages {
		if t.Stages[i].Name == name {
			return &t.Stages[i], nil
		}
	}
	return nil, fmt.Errorf("template %s has no stage %q", t.Name, name)
}

// Registry holds the shipped templates.
type Registry struct {
	templates map[string]*Template
	def       string
}

// NewRegistry returns a registry with the built-in templates, defaulting
// to trpc.
func NewRegistry() *Registry {
	r := &Registry{templates: map[string]*Template{}, def: "trpc"}
	r.Register(TRPC())
	r.Register(Legacy())
	return r
}

// Register adds a template, replacing any previous one with the same name.
func (r *Registry) Register(t *Template) {
	r.templates[t.Name] = t
}

// Get resolves a template by name; empty selects the default.
func (r *Registry) Get(name string) (*Template, error) {
	if name == "" {
		name = r.def
	}
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q (have %s)", name, strings.Join(r.Names(), ", "))
	}
	return t, nil
}

// SetDefault changes which template an empty name resolves to.
func (r *Registry) SetDefault(name string) error {
	if _, ok := r.templates[name]; !ok {
		return fmt.Errorf("unknown template %q", name)
	}
	r.def = name
	return nil
}

// Names lists registered templates, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
