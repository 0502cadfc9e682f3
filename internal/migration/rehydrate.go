package migration

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RehydrateResult is the outcome of a target-side rehydration.
type RehydrateResult struct {
	HomePath string   `json:"homePath"`
	Warnings []string `json:"warnings,omitempty"`
}

// Rehydrator unpacks snapshots into fresh target homes.
type Rehydrator struct{}

// NewRehydrator creates a rehydrator.
func NewRehydrator() *Rehydrator {
	return &Rehydrator{}
}

// Rehydrate extracts the archive into homePath and restores each
// project from the work-state manifest under workDir. Structural gaps
// and per-project restore problems become warnings; only extraction
// failures and clone failures are fatal.
func (r *Rehydrator) Rehydrate(ctx context.Context, archivePath, homePath, workDir string, manifest []GitWorkState) (*RehydrateResult, error) {
	if err := os.MkdirAll(homePath, 0o755); err != nil {
		return nil, WrapError(CodeRehydrateExtractFailed, PhaseRehydrating, "target", err)
	}
	if err := extractArchive(archivePath, homePath); err != nil {
		return nil, WrapError(CodeRehydrateExtractFailed, PhaseRehydrating, "target", err)
	}

	result := &RehydrateResult{HomePath: homePath}
	for _, dir := range PortableDirs {
		if _, err := os.Stat(filepath.Join(homePath, dir)); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("expected directory %s missing after extraction", dir))
		}
	}

	if workDir == "" || len(manifest) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, WrapError(CodeRehydrateExtractFailed, PhaseRehydrating, "target", err)
	}
	resolvedWork, err := filepath.Abs(workDir)
	if err != nil {
		return nil, WrapError(CodeRehydrateExtractFailed, PhaseRehydrating, "target", err)
	}

	for _, project := range manifest {
		projectPath := filepath.Join(resolvedWork, project.RelativePath)
		resolved, err := filepath.Abs(projectPath)
		if err != nil || !strings.HasPrefix(resolved, resolvedWork+string(os.PathSeparator)) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("project %s escapes the work directory, skipped", project.RelativePath))
			continue
		}
		if project.RemoteURL == "" {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("project %s has no remote URL, skipped", project.RelativePath))
			continue
		}

		if err := runGit(ctx, resolvedWork, "clone", project.RemoteURL, resolved); err != nil {
			return nil, WrapError(CodeRehydrateGitCloneFailed, PhaseRehydrating, "target",
				fmt.Errorf("clone of %s failed: %w", project.RelativePath, err))
		}
		result.Warnings = append(result.Warnings, restoreProject(ctx, resolved, project)...)
	}
	return result, nil
}

// restoreProject replays branch, commit expectation and uncommitted
// patch on a fresh clone. Everything here is best effort.
func restoreProject(ctx context.Context, projectPath string, project GitWorkState) []string {
	var warnings []string
	if project.Branch != "" && project.Branch != "HEAD" {
		if err := runGit(ctx, projectPath, "checkout", project.Branch); err != nil {
			warnings = append(warnings, fmt.Sprintf(
				"project %s: checkout of %s failed: %v", project.RelativePath, project.Branch, err))
		}
	}
	if project.CommitSHA != "" {
		head := gitOutput(ctx, projectPath, "rev-parse", "HEAD")
		if head != project.CommitSHA {
			warnings = append(warnings, fmt.Sprintf(
				"project %s: HEAD %s differs from expected %s", project.RelativePath, head, project.CommitSHA))
		}
	}
	if project.UncommittedPatch != "" {
		if err := applyGitPatch(ctx, projectPath, project.UncommittedPatch); err != nil {
			warnings = append(warnings, fmt.Sprintf(
				"project %s: uncommitted patch did not apply: %v", project.RelativePath, err))
		}
	}
	if len(project.UntrackedFiles) > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"project %s: %d untracked files were not transferred", project.RelativePath, len(project.UntrackedFiles)))
	}
	return warnings
}

// extractArchive unpacks a tar.gz under dest, refusing entries that
// would land outside it.
func extractArchive(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	resolvedDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(resolvedDest, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, resolvedDest+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func applyGitPatch(ctx context.Context, dir, patch string) error {
	cmd := exec.CommandContext(ctx, "git", "apply", "-")
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(patch)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git apply: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
