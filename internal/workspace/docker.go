package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DockerRuntime runs workspace commands in throwaway containers via the
// docker CLI.
type DockerRuntime struct {
	// Root is the directory inside the image holding the project tree.
	Root string

	// PostgresImage backs WithPostgres execs.
	PostgresImage string
}

func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{Root: "/app", PostgresImage: "postgres:16-alpine"}
}

type DockerError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *DockerError) Error() string {
	msg := fmt.Sprintf("docker %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runDocker(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &DockerError{Args: args, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func (r *DockerRuntime) root() string {
	if r.Root == "" {
		return "/app"
	}
	return r.Root
}

func (r *DockerRuntime) ReadBase(ctx context.Context, image, path string) (string, error) {
	out, stderr, err := runDocker(ctx, "run", "--rm", "--entrypoint", "cat", image,
		filepath.ToSlash(filepath.Join(r.root(), path)))
	if err != nil {
		if strings.Contains(stderr, "No such file") {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	return out, nil
}

func (r *DockerRuntime) ListBase(ctx context.Context, image, prefix string) ([]string, error) {
	script := fmt.Sprintf("cd %s && find . -type f", r.root())
	out, _, err := runDocker(ctx, "run", "--rm", "--entrypoint", "sh", image, "-c", script)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		p := strings.TrimPrefix(strings.TrimSpace(line), "./")
		if p == "" {
			continue
		}
		if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			files = append(files, p)
		}
	}
	return files, nil
}

func (r *DockerRuntime) Exec(ctx context.Context, spec ExecSpec) (ExecResult, error) {
	var pg *transientPG
	env := append([]string(nil), spec.Env...)
	if spec.WithPostgres {
		var err error
		pg, err = r.startPostgres(ctx)
		if err != nil {
			return ExecResult{}, err
		}
		defer pg.release()
		env = append(env, "DATABASE_URL="+pg.url)
	}

	command := spec.Command
	if rms := tombstonePaths(spec.Overlay); len(rms) > 0 {
		command = "rm -f " + strings.Join(rms, " ") + "; " + command
	}
	createArgs := []string{"create", "-w", filepath.ToSlash(filepath.Join(r.root(), spec.Dir))}
	for _, e := range env {
		createArgs = append(createArgs, "-e", e)
	}
	if pg != nil {
		createArgs = append(createArgs, "--network", pg.network)
	}
	createArgs = append(createArgs, "--entrypoint", "sh", spec.Image, "-c", command)
	cid, _, err := runDocker(ctx, createArgs...)
	if err != nil {
		return ExecResult{}, err
	}
	cid = strings.TrimSpace(cid)
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _, _ = runDocker(rmCtx, "rm", "-f", cid)
	}()

	if err := r.copyOverlayIn(ctx, cid, spec.Overlay); err != nil {
		return ExecResult{}, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, "docker", "start", "-a", cid)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case runCtx.Err() == context.DeadlineExceeded:
		_, _, _ = runDocker(context.Background(), "kill", cid)
		res.ExitCode = 124
		res.Stderr = fmt.Sprintf("command timed out after %s\n%s", spec.Timeout, res.Stderr)
		return res, nil
	default:
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			res.ExitCode = ee.ExitCode()
		} else {
			return ExecResult{}, runErr
		}
	}

	if spec.Mutate {
		changed, err := r.captureChanges(ctx, cid)
		if err != nil {
			return ExecResult{}, err
		}
		res.Changed = changed
	}
	return res, nil
}

func tombstonePaths(overlay map[string]FileState) []string {
	var out []string
	for path, st := range overlay {
		if st.Deleted {
			out = append(out, path)
		}
	}
	return out
}

func (r *DockerRuntime) copyOverlayIn(ctx context.Context, cid string, overlay map[string]FileState) error {
	staging, err := os.MkdirTemp("", "appdraft-overlay-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	wrote := false
	for path, st := range overlay {
		if st.Deleted {
			continue
		}
		dst := filepath.Join(staging, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, []byte(st.Content), 0o644); err != nil {
			return err
		}
		wrote = true
	}
	if !wrote {
		return nil
	}
	_, _, err = runDocker(ctx, "cp", staging+string(filepath.Separator)+".", cid+":"+r.root())
	return err
}

// captureChanges reads docker diff output and pulls modified file contents
// back out of the stopped container.
func (r *DockerRuntime) captureChanges(ctx context.Context, cid string) (map[string]FileState, error) {
	out, _, err := runDocker(ctx, "diff", cid)
	if err != nil {
		return nil, err
	}
	prefix := r.root() + "/"
	changed := map[string]FileState{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		kind, abs := line[0], line[2:]
		if !strings.HasPrefix(abs, prefix) {
			continue
		}
		rel := strings.TrimPrefix(abs, prefix)
		switch kind {
		case 'D':
			changed[rel] = FileState{Deleted: true}
		case 'A', 'C':
			content, _, err := runDocker(ctx, "exec", cid, "cat", abs)
			if err != nil {
				// docker exec needs a running container; fall back to cp.
				content, err = r.cpOut(ctx, cid, abs)
				if err != nil {
					continue
				}
			}
			changed[rel] = FileState{Content: content}
		}
	}
	// Directory entries show up as C lines with no readable content; drop them.
	for rel, st := range changed {
		if !st.Deleted && st.Content == "" && rel != "" {
			if _, err := r.cpOut(ctx, cid, prefix+rel); err != nil {
				delete(changed, rel)
			}
		}
	}
	return changed, nil
}

func (r *DockerRuntime) cpOut(ctx context.Context, cid, abs string) (string, error) {
	tmp, err := os.CreateTemp("", "appdraft-cp-*")
	if err != nil {
		return "", err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if _, _, err := runDocker(ctx, "cp", cid+":"+abs, tmp.Name()); err != nil {
		return "", err
	}
	b, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type transientPG struct {
	cid     string
	network string
	url     string
}

func (r *DockerRuntime) startPostgres(ctx context.Context) (*transientPG, error) {
	id := uuid.NewString()[:8]
	network := "appdraft-pg-" + id
	if _, _, err := runDocker(ctx, "network", "create", network); err != nil {
		return nil, err
	}
	cid, _, err := runDocker(ctx, "run", "-d",
		"--network", network,
		"--network-alias", "pg",
		"-e", "POSTGRES_PASSWORD=postgres",
		r.PostgresImage)
	if err != nil {
		_, _, _ = runDocker(context.Background(), "network", "rm", network)
		return nil, err
	}
	cid = strings.TrimSpace(cid)
	pg := &transientPG{
		cid:     cid,
		network: network,
		url:     "postgres://postgres:postgres@pg:5432/postgres",
	}
	if err := pg.waitReady(ctx); err != nil {
		pg.release()
		return nil, err
	}
	return pg, nil
}

func (pg *transientPG) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, err := runDocker(ctx, "exec", pg.cid, "pg_isready", "-U", "postgres")
		if err == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return errors.New("transient postgres did not become ready in time")
}

// release tears the instance down. Safe on every exit path.
func (pg *transientPG) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _, _ = runDocker(ctx, "rm", "-f", pg.cid)
	_, _, _ = runDocker(ctx, "network", "rm", pg.network)
}
