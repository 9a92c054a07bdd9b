package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// RepoPath locates the bare repository of a project under the base dir.
func RepoPath(base, ownerName, projectName string) string {
	return filepath.Join(base, ownerName, projectName+".git")
}

// Exists reports whether a bare repository is present.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// InitBare creates a bare repository ready to accept pushes.
func InitBare(ctx context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	if out, err := run(ctx, path, "init", "--bare"); err != nil {
		return fmt.Errorf("git init --bare: %w: %s", err, out)
	}
	if out, err := run(ctx, path, "config", "receive.denyCurrentBranch", "ignore"); err != nil {
		return fmt.Errorf("git config: %w: %s", err, out)
	}
	return nil
}

// Remove deletes a bare repository from disk.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

// CheckoutWorkTree materializes ref into dest with a forced checkout
// from the bare repository.
func CheckoutWorkTree(ctx context.Context, repoPath, ref, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create work tree: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "--git-dir", repoPath, "--work-tree", dest, "checkout", "-f", ref, "--", ".")
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout %s: %w: %s", ref, err, out)
	}
	return nil
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return string(out), err
}
