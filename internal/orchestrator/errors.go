package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration failures.
type Kind string

const (
	KindProviderUnavailable      Kind = "ProviderUnavailable"
	KindCloneFailure             Kind = "CloneFailure"
	KindScannerFailure           Kind = "ScannerFailure"
	KindChangeDetectionAmbiguous Kind = "ChangeDetectionAmbiguous"
	KindCacheCorruption          Kind = "CacheCorruption"
	KindScanInProgress           Kind = "ScanInProgress"
	KindInvalidRequest           Kind = "InvalidRequest"
	KindStoreFailure             Kind = "StoreFailure"
)

// Sentinels matched with errors.Is against a *ScanError.
var (
	ErrProviderUnavailable      = errors.New("provider unavailable")
	ErrCloneFailure             = errors.New("clone failure")
	ErrScannerFailure           = errors.New("scanner failure")
	ErrChangeDetectionAmbiguous = errors.New("change detection ambiguous")
	ErrCacheCorruption          = errors.New("cache corruption")
	ErrScanInProgress           = errors.New("scan in progress")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrStoreFailure             = errors.New("store failure")
)

var sentinels = map[Kind]error{
	KindProviderUnavailable:      ErrProviderUnavailable,
	KindCloneFailure:             ErrCloneFailure,
	KindScannerFailure:           ErrScannerFailure,
	KindChangeDetectionAmbiguous: ErrChangeDetectionAmbiguous,
	KindCacheCorruption:          ErrCacheCorruption,
	KindScanInProgress:           ErrScanInProgress,
	KindInvalidRequest:           ErrInvalidRequest,
	KindStoreFailure:             ErrStoreFailure,
}

// ScanError carries the repository and the stage a failed orchestration
// reached so callers can decide whether to retry.
type ScanError struct {
	Kind    Kind
	RepoURL string
	Stage   State
	Err     error
}

func (e *ScanError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (stage %s)", e.Kind, e.RepoURL, e.Stage)
	}
	return fmt.Sprintf("%s: %s (stage %s): %v", e.Kind, e.RepoURL, e.Stage, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ScanError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func scanErr(kind Kind, repoURL string, stage State, err error) *ScanError {
	return &ScanError{Kind: kind, RepoURL: repoURL, Stage: stage, Err: err}
}

// KindOf returns the Kind of err, or "" if err is not a *ScanError.
func KindOf(err error) Kind {
	var se *ScanError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
