package portstree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repository runs git against one working tree. Every command is
// prefixed with -C so the process working directory never matters.
type Repository struct {
	dir string
}

func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

func (r *Repository) Dir() string {
	return r.dir
}

// Run executes git with args in the repository and returns stdout.
// Stderr is folded into the error on failure.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	return runGit(ctx, append([]string{"-C", r.dir}, args...)...)
}

// Head returns the commit the working tree is at.
func (r *Repository) Head(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Clone makes a shallow clone of url at dir.
func Clone(ctx context.Context, url, dir string) (*Repository, error) {
	if _, err := runGit(ctx, "clone", "--depth=1", url, dir); err != nil {
		return nil, err
	}
	return NewRepository(dir), nil
}

func runGit(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
