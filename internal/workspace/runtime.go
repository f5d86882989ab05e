package workspace

import (
	"context"
	"time"
)

// FileState is one overlay entry: either staged content or a tombstone.
type FileState struct {
	Content string `json:"content,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// ExecSpec describes one command run against (base image ⊕ overlay).
type ExecSpec struct {
	Image   string
	Overlay map[string]FileState
	Command string
	Dir     string
	Env     []string
	Timeout time.Duration

	// Mutate captures filesystem changes made by the command back into
	// Result.Changed. Off by default: exec is read-only to the overlay.
	Mutate bool

	// WithPostgres attaches a transient PostgreSQL instance for the
	// duration of the command, exposed to it as DATABASE_URL.
	WithPostgres bool
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Changed holds filesystem modifications observed when Mutate was set.
	Changed map[string]FileState
}

// Runtime abstracts the container primitives the workspace runs on.
type Runtime interface {
	Exec(ctx context.Context, spec ExecSpec) (ExecResult, error)

	// ReadBase returns the content of a file in the base image.
	ReadBase(ctx context.Context, image, path string) (string, error)

	// ListBase lists file paths in the base image under prefix.
	ListBase(ctx context.Context, image, prefix string) ([]string, error)
}
