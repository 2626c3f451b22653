package safeflow

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeFatal        = "SAFEFLOW_FATAL"
	ErrCodeRetryable    = "SAFEFLOW_RETRYABLE"
	ErrCodeInfra        = "SAFEFLOW_INFRA"
	ErrCodeStuckOnEntry = "SAFEFLOW_STUCK_ON_ENTRY"
	ErrCodeDisruptCrash = "SAFEFLOW_DISRUPTION_CRASH"
	ErrCodeStepPanicked = "SAFEFLOW_STEP_PANIC"

	unknownReasonPrefix = "Unknown: "
)

var (
	// ErrFatal marks an unrecoverable business error. It is never retried.
	ErrFatal = errors.New("fatal activity error", errors.CategoryHandler).
			WithTextCode(ErrCodeFatal)
	// ErrRetryable marks a transient business error with a bounded budget.
	ErrRetryable = errors.New("retryable activity error", errors.CategoryHandler).
			WithTextCode(ErrCodeRetryable)
	// ErrInfrastructure marks a failure reaching the metadata store or a
	// saturated resource. It draws from a separate backoff budget.
	ErrInfrastructure = errors.New("infrastructure unavailable", errors.CategoryExternal).
				WithTextCode(ErrCodeInfra)
	// ErrStuckOnEntry is raised when the gate observes a Stuck record.
	ErrStuckOnEntry = errors.New("record observed in Stuck state on entry", errors.CategoryConflict).
			WithTextCode(ErrCodeStuckOnEntry)
	// ErrDisruptionCrash is the emulated scheduler failure.
	ErrDisruptionCrash = errors.New("disruption: scheduler crash", errors.CategoryHandler).
				WithTextCode(ErrCodeDisruptCrash)
	// ErrStepPanicked is carried by errors built from a recovered panic. It
	// is left out of the taxonomy so the executor treats it as retryable.
	ErrStepPanicked = errors.New("activity step panicked", errors.CategoryHandler).
			WithTextCode(ErrCodeStepPanicked)
)

// ErrorKind is the coarse classification of an activity error.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindFatal
	KindRetryable
	KindInfra
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFatal:
		return "fatal"
	case KindRetryable:
		return "retryable"
	case KindInfra:
		return "infra"
	default:
		return "unknown"
	}
}

// Fatal builds a fatal error carrying msg.
func Fatal(msg string, metadata map[string]any) error {
	return cloneError(ErrFatal, msg, nil, metadata)
}

// Retryable builds a retryable error carrying msg.
func Retryable(msg string, metadata map[string]any) error {
	return cloneError(ErrRetryable, msg, nil, metadata)
}

// Infra builds an infrastructure error wrapping source.
func Infra(msg string, source error, metadata map[string]any) error {
	return cloneError(ErrInfrastructure, msg, source, metadata)
}

// Classify maps err onto the error taxonomy. Errors without a known text
// code are treated as retryable.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch errorCode(err) {
	case ErrCodeFatal:
		return KindFatal
	case ErrCodeInfra:
		return KindInfra
	default:
		return KindRetryable
	}
}

// IsClassified reports whether err carries one of the taxonomy codes.
func IsClassified(err error) bool {
	switch errorCode(err) {
	case ErrCodeFatal, ErrCodeRetryable, ErrCodeInfra:
		return true
	default:
		return false
	}
}

// IsInfra reports whether err is an infrastructure error.
func IsInfra(err error) bool {
	return errorCode(err) == ErrCodeInfra
}

// Reason renders err for the record's reason field. Unclassified errors
// keep their message behind an "Unknown" marker.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if !IsClassified(err) {
		return unknownReasonPrefix + msg
	}
	return msg
}

func cloneError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func errorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// ErrorCode returns the go-errors text code carried by err, if any.
func ErrorCode(err error) string {
	return errorCode(err)
}
