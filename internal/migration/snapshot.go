package migration

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// MaxPortableSize caps the portable subtree at 4 GiB.
const MaxPortableSize = int64(4) << 30

// PortableDirs are the subdirectories that make up an agent's portable
// storage.
var PortableDirs = []string{"toolkit", "playbooks", "knowledge/active", "knowledge/archive"}

// GitWorkState captures the git state of one project directory. The
// repository content itself is not transferred; the target re-clones
// and replays the uncommitted patch.
type GitWorkState struct {
	RelativePath     string   `json:"relativePath"`
	RemoteURL        string   `json:"remoteUrl"`
	Branch           string   `json:"branch"`
	CommitSHA        string   `json:"commitSha"`
	UncommittedPatch string   `json:"uncommittedPatch,omitempty"`
	UntrackedFiles   []string `json:"untrackedFiles,omitempty"`
}

// SnapshotResult is the outcome of a source-side snapshot.
type SnapshotResult struct {
	ArchivePath string         `json:"archivePath"`
	Checksum    string         `json:"checksum"`
	SizeBytes   int64          `json:"sizeBytes"`
	WorkState   []GitWorkState `json:"workState,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// Snapshotter packages agent homes for transfer.
type Snapshotter struct {
	maxSize int64
}

// NewSnapshotter creates a snapshotter. maxSize zero means the 4 GiB
// default.
func NewSnapshotter(maxSize int64) *Snapshotter {
	if maxSize <= 0 {
		maxSize = MaxPortableSize
	}
	return &Snapshotter{maxSize: maxSize}
}

// Snapshot archives the portable subtree of homePath into archivePath
// and captures git work state for every project under workDir (which
// may be empty). The archive checksum is computed while writing.
func (s *Snapshotter) Snapshot(ctx context.Context, migrationID, homePath, workDir, archivePath string) (*SnapshotResult, error) {
	size, err := portableSize(homePath)
	if err != nil {
		return nil, WrapError(CodeSnapshotArchiveFailed, PhaseSnapshotting, "source", err)
	}
	if size > s.maxSize {
		return nil, NewError(CodeSnapshotPortableSizeExceeded, PhaseSnapshotting, "source",
			"portable subtree is %d bytes, cap is %d", size, s.maxSize)
	}

	checksum, err := writeArchive(homePath, archivePath)
	if err != nil {
		return nil, WrapError(CodeSnapshotArchiveFailed, PhaseSnapshotting, "source", err)
	}

	result := &SnapshotResult{
		ArchivePath: archivePath,
		Checksum:    checksum,
		SizeBytes:   size,
	}
	if workDir != "" {
		states, warnings := captureWorkState(ctx, workDir)
		result.WorkState = states
		result.Warnings = warnings
	}
	return result, nil
}

// portableSize sums the regular files under root. Symlinks are skipped
// so traversal loops cannot inflate the total.
func portableSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// writeArchive tars and gzips root into archivePath, streaming the
// SHA-256 over the compressed bytes.
func writeArchive(root, archivePath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(out, hasher))
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChecksumFile recomputes the SHA-256 of a file.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// captureWorkState records the git state of each immediate project
// directory under workDir. Failures degrade to warnings.
func captureWorkState(ctx context.Context, workDir string) ([]GitWorkState, []string) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, []string{fmt.Sprintf("work dir unreadable: %v", err)}
	}

	var states []GitWorkState
	var warnings []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		projectDir := filepath.Join(workDir, entry.Name())
		if _, err := os.Stat(filepath.Join(projectDir, ".git")); err != nil {
			continue
		}

		state := GitWorkState{RelativePath: entry.Name()}
		state.RemoteURL = gitOutput(ctx, projectDir, "remote", "get-url", "origin")
		state.Branch = gitOutput(ctx, projectDir, "rev-parse", "--abbrev-ref", "HEAD")
		state.CommitSHA = gitOutput(ctx, projectDir, "rev-parse", "HEAD")
		state.UncommittedPatch = gitOutput(ctx, projectDir, "diff", "HEAD")
		if untracked := gitOutput(ctx, projectDir, "ls-files", "--others", "--exclude-standard"); untracked != "" {
			state.UntrackedFiles = strings.Split(untracked, "\n")
			warnings = append(warnings, fmt.Sprintf(
				"project %s has %d untracked files that will not be transferred",
				entry.Name(), len(state.UntrackedFiles)))
		}
		if state.RemoteURL == "" {
			warnings = append(warnings, fmt.Sprintf("project %s has no origin remote", entry.Name()))
		}
		states = append(states, state)
	}
	return states, warnings
}

// gitOutput runs a git subcommand and returns its trimmed stdout, or
// empty on failure.
func gitOutput(ctx context.Context, dir string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
