package migration

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"time"
)

// VerificationResult is the target's answer to the verification
// handshake.
type VerificationResult struct {
	Verified         bool      `json:"verified"`
	ComputedChecksum string    `json:"computedChecksum,omitempty"`
	FailureReason    string    `json:"failureReason,omitempty"`
	VerifiedAt       time.Time `json:"verifiedAt"`
}

// VerifySnapshot recomputes the archive checksum against the expected
// one and walks the archive entries to prove it decompresses cleanly.
func VerifySnapshot(archivePath, expectedChecksum string, expectedSize int64) (*VerificationResult, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, WrapError(CodeVerifyArchiveCorrupt, PhaseVerifying, "target", err)
	}
	if expectedSize > 0 && info.Size() != expectedSize {
		return &VerificationResult{
				Verified:      false,
				FailureReason: string(CodeVerifySizeMismatch),
				VerifiedAt:    time.Now().UTC(),
			}, NewError(CodeVerifySizeMismatch, PhaseVerifying, "target",
				"archive is %d bytes, expected %d", info.Size(), expectedSize)
	}

	computed, err := ChecksumFile(archivePath)
	if err != nil {
		return nil, WrapError(CodeVerifyArchiveCorrupt, PhaseVerifying, "target", err)
	}
	if computed != expectedChecksum {
		return &VerificationResult{
				Verified:         false,
				ComputedChecksum: computed,
				FailureReason:    string(CodeVerifyChecksumMismatch),
				VerifiedAt:       time.Now().UTC(),
			}, NewError(CodeVerifyChecksumMismatch, PhaseVerifying, "target",
				"checksum %s does not match expected %s", computed, expectedChecksum)
	}

	if err := inspectArchive(archivePath); err != nil {
		return &VerificationResult{
			Verified:         false,
			ComputedChecksum: computed,
			FailureReason:    string(CodeVerifyArchiveCorrupt),
			VerifiedAt:       time.Now().UTC(),
		}, WrapError(CodeVerifyArchiveCorrupt, PhaseVerifying, "target", err)
	}

	return &VerificationResult{
		Verified:         true,
		ComputedChecksum: computed,
		VerifiedAt:       time.Now().UTC(),
	}, nil
}

// inspectArchive reads every entry of the tar.gz to the end.
func inspectArchive(archivePath string) error {
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

	tr := tar.NewReader(gz)
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return err
		}
	}
}
