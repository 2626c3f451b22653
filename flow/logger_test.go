package flow

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestFmtLoggerWritesSortedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := withLoggerFields(NewFmtLogger(&buf).WithContext(context.Background()), map[string]any{
		"unique_key": "order-1",
		"activity":   "Alpha",
	})
	logger.Warn("retrying %s", "Alpha")

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "WARN  retrying Alpha") {
		t.Fatalf("unexpected line %q", line)
	}
	if !strings.HasSuffix(line, "activity=Alpha unique_key=order-1") {
		t.Fatalf("expected sorted fields, got %q", line)
	}
}

func TestWithLoggerFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewFmtLogger(&buf)
	child := parent.WithFields(map[string]any{"k": "v"})

	parent.Info("plain")
	child.Info("tagged")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || strings.Contains(lines[0], "k=v") || !strings.Contains(lines[1], "k=v") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestNormalizeLoggerFallsBack(t *testing.T) {
	if normalizeLogger(nil) == nil {
		t.Fatal("expected fallback logger")
	}
	if NewGlogLogger(nil) == nil {
		t.Fatal("expected fallback for nil glog logger")
	}
}
