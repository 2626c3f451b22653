package flow

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-safeflow"
)

const ErrCodeSequenceConflict = "SAFEFLOW_SEQUENCE_CONFLICT"

// ErrSequenceConflict is returned by WriteRecord when the stored sequence
// number no longer matches the one the caller read.
var ErrSequenceConflict = apperrors.New("activity record sequence conflict", apperrors.CategoryConflict).
	WithTextCode(ErrCodeSequenceConflict)

// MetadataStore persists one ActivityRecord per unique key and one
// ActivitySettings per activity name. Transport faults are reported as
// safeflow infrastructure errors.
type MetadataStore interface {
	// ReadRecord never returns a nil record on success. A missing key
	// reads back in StateUnknown with SequenceNumber 0.
	ReadRecord(ctx context.Context, key string) (*safeflow.ActivityRecord, error)
	// WriteRecord overwrites the record if the stored sequence number
	// equals rec.SequenceNumber, then bumps rec.SequenceNumber.
	WriteRecord(ctx context.Context, rec *safeflow.ActivityRecord) error
	// ReadSettings returns defaults when nothing is stored for name.
	ReadSettings(ctx context.Context, activityName string) (safeflow.ActivitySettings, error)
}

// SettingsWriter is implemented by stores that accept settings updates.
type SettingsWriter interface {
	WriteSettings(ctx context.Context, settings safeflow.ActivitySettings) error
}

// IsSequenceConflict reports whether err is a lost compare-and-swap.
func IsSequenceConflict(err error) bool {
	return safeflow.ErrorCode(err) == ErrCodeSequenceConflict
}

func sequenceConflict(key string, expected, actual int) error {
	err := ErrSequenceConflict.Clone()
	return err.WithMetadata(map[string]any{
		"unique_key": key,
		"expected":   expected,
		"actual":     actual,
	})
}

func storeUnavailable(op string, err error) error {
	return safeflow.Infra("metadata store "+op+" failed", err, map[string]any{"operation": op})
}

// prepareWrite validates rec and returns the normalized copy that should be
// stored, carrying the next sequence number.
func prepareWrite(rec *safeflow.ActivityRecord, current int, exists bool, now time.Time) (*safeflow.ActivityRecord, error) {
	if rec == nil {
		return nil, safeflow.ValidationError("activity record required")
	}
	key := strings.TrimSpace(rec.UniqueKey)
	if key == "" {
		return nil, safeflow.ValidationError("activity record unique key required")
	}
	if !exists {
		current = 0
	}
	if rec.SequenceNumber != current {
		return nil, sequenceConflict(key, rec.SequenceNumber, current)
	}
	next := rec.Clone()
	next.UniqueKey = key
	next.SequenceNumber = current + 1
	next.TimeUpdated = now.UTC()
	return next, nil
}

// commitWrite copies the stored bookkeeping back onto the caller's record.
func commitWrite(rec, stored *safeflow.ActivityRecord) {
	rec.SequenceNumber = stored.SequenceNumber
	rec.TimeUpdated = stored.TimeUpdated
}

func settingsOrDefault(name string, stored *safeflow.ActivitySettings) safeflow.ActivitySettings {
	if stored == nil {
		return safeflow.DefaultActivitySettings(name)
	}
	out := stored.WithDefaults()
	if out.Name == "" {
		out.Name = strings.TrimSpace(name)
	}
	return out
}
