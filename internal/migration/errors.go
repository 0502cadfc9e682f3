package migration

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a migration failure by phase and cause.
type ErrorCode string

const (
	CodeAuthTimeout  ErrorCode = "AUTH_TIMEOUT"
	CodeAuthRejected ErrorCode = "AUTH_REJECTED"

	CodeFreezeAckTimeout   ErrorCode = "FREEZE_ACK_TIMEOUT"
	CodeFreezeInvalidState ErrorCode = "FREEZE_INVALID_STATE"

	CodeSnapshotArchiveFailed        ErrorCode = "SNAPSHOT_ARCHIVE_FAILED"
	CodeSnapshotChecksumFailed       ErrorCode = "SNAPSHOT_CHECKSUM_FAILED"
	CodeSnapshotPortableSizeExceeded ErrorCode = "SNAPSHOT_PORTABLE_SIZE_EXCEEDED"

	CodeTransferNetworkFailed ErrorCode = "TRANSFER_NETWORK_FAILED"
	CodeTransferTimeout       ErrorCode = "TRANSFER_TIMEOUT"

	CodeVerifyChecksumMismatch ErrorCode = "VERIFY_CHECKSUM_MISMATCH"
	CodeVerifySizeMismatch     ErrorCode = "VERIFY_SIZE_MISMATCH"
	CodeVerifyArchiveCorrupt   ErrorCode = "VERIFY_ARCHIVE_CORRUPT"
	CodeVerifyAckTimeout       ErrorCode = "VERIFY_ACK_TIMEOUT"

	CodeRehydrateExtractFailed  ErrorCode = "REHYDRATE_EXTRACT_FAILED"
	CodeRehydrateGitCloneFailed ErrorCode = "REHYDRATE_GIT_CLONE_FAILED"

	CodeFinalizeNotificationFailed   ErrorCode = "FINALIZE_NOTIFICATION_FAILED"
	CodeFinalizeRegistryUpdateFailed ErrorCode = "FINALIZE_REGISTRY_UPDATE_FAILED"

	CodeInternalStateInconsistency ErrorCode = "INTERNAL_STATE_INCONSISTENCY"
	CodeUnknown                    ErrorCode = "UNKNOWN"
)

// RecoveryKind names the recovery action attached to an error.
type RecoveryKind string

const (
	RecoveryRetry        RecoveryKind = "retry"
	RecoveryAutoRollback RecoveryKind = "auto_rollback"
	RecoveryAbort        RecoveryKind = "abort"
)

// Recovery describes how the engine should react to an error.
type Recovery struct {
	Kind            RecoveryKind  `json:"kind"`
	MaxAttempts     int           `json:"maxAttempts,omitempty"`
	Delay           time.Duration `json:"delayMs,omitempty"`
	CleanupRequired bool          `json:"cleanupRequired,omitempty"`
}

// Error is a classified migration failure.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Phase   Phase          `json:"phase"`
	Origin  string         `json:"origin"` // source or target
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration error %s in %s: %s", e.Code, e.Phase, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a classified migration error.
func NewError(code ErrorCode, phase Phase, origin, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Phase:   phase,
		Origin:  origin,
	}
}

// WrapError attaches a cause.
func WrapError(code ErrorCode, phase Phase, origin string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: cause.Error(),
		Phase:   phase,
		Origin:  origin,
		cause:   cause,
	}
}

// networkRetryable errors use the longer network retry policy.
var networkRetryable = map[ErrorCode]bool{
	CodeAuthTimeout:                  true,
	CodeTransferNetworkFailed:        true,
	CodeTransferTimeout:              true,
	CodeVerifyAckTimeout:             true,
	CodeFinalizeNotificationFailed:   true,
	CodeFinalizeRegistryUpdateFailed: true,
	CodeRehydrateGitCloneFailed:      true,
}

// localRetryable errors use the shorter local retry policy.
var localRetryable = map[ErrorCode]bool{
	CodeFreezeAckTimeout:       true,
	CodeSnapshotArchiveFailed:  true,
	CodeSnapshotChecksumFailed: true,
	CodeVerifyChecksumMismatch: true,
	CodeVerifySizeMismatch:     true,
	CodeVerifyArchiveCorrupt:   true,
}

// Retryable reports whether the code may be retried, and which class
// of policy applies.
func (c ErrorCode) Retryable() (network bool, local bool) {
	return networkRetryable[c], localRetryable[c]
}

// Classify extracts the migration error from err, wrapping unknown
// errors under CodeUnknown.
func Classify(err error, phase Phase, origin string) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return WrapError(CodeUnknown, phase, origin, err)
}

// RecoveryFor returns the recovery action for an error per the retry
// catalog.
func RecoveryFor(e *Error) Recovery {
	network, local := e.Code.Retryable()
	switch {
	case network:
		return Recovery{Kind: RecoveryRetry, MaxAttempts: 3, Delay: 30 * time.Second}
	case local:
		return Recovery{Kind: RecoveryRetry, MaxAttempts: 2, Delay: 5 * time.Second}
	case e.Code == CodeRehydrateExtractFailed:
		return Recovery{Kind: RecoveryAutoRollback}
	default:
		return Recovery{Kind: RecoveryAbort, CleanupRequired: true}
	}
}
