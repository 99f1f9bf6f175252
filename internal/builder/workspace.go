package builder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Workspace owns the on-disk layout for one triage task: a pristine copy of
// the source and fuzz-tooling trees, plus a git-backed scratch checkout used
// to check and reformat patches. Build keys get their own copy-on-write
// directories under the same root.
type Workspace struct {
	project        string
	orgSourcePath  string
	orgToolingPath string
	root           string
	run            commandRunner

	mu          sync.Mutex
	source      string
	tooling     string
	scratch     string
	scratchRepo *git.Repository
}

func NewWorkspace(project, sourcePath, toolingPath, root string, cleanUp bool) (*Workspace, error) {
	if root == "" {
		dir, err := os.MkdirTemp("", "patchagent-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %v", err)
		}
		root = dir
	} else if cleanUp {
		os.RemoveAll(root)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %v", root, err)
	}

	return &Workspace{
		project:        project,
		orgSourcePath:  sourcePath,
		orgToolingPath: toolingPath,
		root:           root,
		run:            runSubprocess,
	}, nil
}

func (w *Workspace) Root() string { return w.root }

// SourcePath returns the immutable copy of the source tree, materializing it
// on first use. All per-key build directories are seeded from this copy so a
// failed patch application can never dirty the original.
func (w *Workspace) SourcePath(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.immutableCopy(ctx, &w.source, w.orgSourcePath)
}

// ToolingPath returns the immutable copy of the fuzz-tooling tree.
func (w *Workspace) ToolingPath(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.immutableCopy(ctx, &w.tooling, w.orgToolingPath)
}

func (w *Workspace) immutableCopy(ctx context.Context, cached *string, org string) (string, error) {
	if *cached != "" {
		return *cached, nil
	}
	target := filepath.Join(w.root, "immutable", filepath.Base(org))
	if !dirExists(target) {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return "", fmt.Errorf("failed to create immutable dir: %v", err)
		}
		// cp -r preserves symlinks the way the build containers expect
		if _, _, err := w.run(ctx, "", nil, "cp", "-r", org, target); err != nil {
			return "", err
		}
	}
	*cached = target
	return target, nil
}

// scratchCheckout returns a git repository view over a disposable copy of the
// source tree. The first call initializes the repository and commits the
// pristine tree so later hard resets restore it exactly.
func (w *Workspace) scratchCheckout(ctx context.Context) (string, *git.Repository, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.scratch != "" {
		return w.scratch, w.scratchRepo, nil
	}

	source, err := w.immutableCopy(ctx, &w.source, w.orgSourcePath)
	if err != nil {
		return "", nil, err
	}

	target := filepath.Join(w.root, "git", filepath.Base(w.orgSourcePath))
	if !dirExists(target) {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return "", nil, fmt.Errorf("failed to create scratch dir: %v", err)
		}
		if _, _, err := w.run(ctx, "", nil, "cp", "-r", source, target); err != nil {
			return "", nil, err
		}
	}
	// A stale .git from the copied tree would shadow our synthetic history.
	os.RemoveAll(filepath.Join(target, ".git"))

	repo, err := git.PlainInit(target, false)
	if err != nil && !errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return "", nil, fmt.Errorf("failed to init scratch repo: %v", err)
	}
	if repo == nil {
		if repo, err = git.PlainOpen(target); err != nil {
			return "", nil, fmt.Errorf("failed to open scratch repo: %v", err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", nil, fmt.Errorf("failed to open scratch worktree: %v", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", nil, fmt.Errorf("failed to stage scratch tree: %v", err)
	}
	if _, err := wt.Commit("Initial commit", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "patchagent",
			Email: "patchagent@localhost",
			When:  time.Now(),
		},
	}); err != nil {
		return "", nil, fmt.Errorf("failed to commit scratch tree: %v", err)
	}

	w.scratch = target
	w.scratchRepo = repo
	return target, repo, nil
}

// resetScratch discards every effect of prior patch attempts: hard reset to
// the pristine commit, then remove untracked files and directories.
func (w *Workspace) resetScratch(repo *git.Repository) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open scratch worktree: %v", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset scratch tree: %v", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to clean scratch tree: %v", err)
	}
	return nil
}

// CheckPatch verifies that the patch applies cleanly against the pristine
// tree. The scratch checkout is reset first so prior failed attempts cannot
// leak state. An empty patch is rejected here; callers treat it as the
// unpatched baseline and skip the check.
func (w *Workspace) CheckPatch(ctx context.Context, patch string) error {
	log.Printf("Checking patch against %s", w.project)

	scratch, repo, err := w.scratchCheckout(ctx)
	if err != nil {
		return err
	}
	if err := w.resetScratch(repo); err != nil {
		return err
	}

	if _, stderr, err := w.run(ctx, scratch, []byte(patch), "git", "apply"); err != nil {
		var procErr *ProcessError
		if errors.As(err, &procErr) {
			return &PatchApplyError{Output: procErr.Stdout + procErr.Stderr}
		}
		return &PatchApplyError{Output: stderr}
	}
	return nil
}

// FormatPatch applies a possibly sloppy patch with fuzzy matching and
// re-derives a canonical unified diff from the resulting tree. Returns the
// empty string when the patch does not apply at all.
func (w *Workspace) FormatPatch(ctx context.Context, patch string) (string, error) {
	log.Printf("Reformatting patch against %s", w.project)

	scratch, repo, err := w.scratchCheckout(ctx)
	if err != nil {
		return "", err
	}
	if err := w.resetScratch(repo); err != nil {
		return "", err
	}

	if _, _, err := w.run(ctx, scratch, []byte(patch),
		"patch", "-F", "3", "--no-backup-if-mismatch", "-p1"); err != nil {
		return "", nil
	}

	diff, _, err := w.run(ctx, scratch, nil, "git", "diff")
	if err != nil {
		return "", err
	}
	return diff, nil
}

// dirExists reports whether path exists and is a directory.
func dirExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// fileExists reports whether path exists and is a regular file.
func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
