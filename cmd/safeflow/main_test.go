package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-safeflow"
	"github.com/goliatone/go-safeflow/config"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	cfg := config.Default()
	cfg.Logging.Level = "error"
	a, err := newApp(context.Background(), cfg, out)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, out
}

func TestRunCmdCompletesDemoPipeline(t *testing.T) {
	a, out := newTestApp(t)

	cmd := &RunCmd{Key: "order-1", Payload: `{"id":1}`}
	require.NoError(t, cmd.Run(a))

	var report struct {
		FinalState string                    `json:"final_state"`
		History    []safeflow.ActivityRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "Successful", report.FinalState)
	assert.Len(t, report.History, 9)

	rec, err := a.store.ReadRecord(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, safeflow.StateSuccessful, rec.State)
	assert.Contains(t, strings.Join(rec.TraceLines(), "\n"), "Output: Alpha,Bravo,Charlie")
}

func TestRunCmdEnvelope(t *testing.T) {
	a, _ := newTestApp(t)

	env, err := (&RunCmd{Key: "k", Disrupt: []string{"Stall", "pass"}}).envelope(a)
	require.NoError(t, err)
	assert.Equal(t, "Main", env.OperationName)
	assert.True(t, strings.HasPrefix(env.InstanceID, "Main-Main-k-"))
	assert.Equal(t, 2, env.Disruptions.Remaining())

	_, err = (&RunCmd{Disrupt: []string{"Explode"}}).envelope(a)
	assert.Error(t, err)

	_, err = (&RunCmd{Payload: "{"}).envelope(a)
	assert.True(t, safeflow.IsValidation(err))

	env, err = (&RunCmd{}).envelope(a)
	require.NoError(t, err)
	assert.NotEmpty(t, env.UniqueKey)
}

func TestShowCmdPrintsTrace(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, (&RunCmd{Key: "order-2"}).Run(a))
	out.Reset()

	require.NoError(t, (&ShowCmd{Key: "order-2", Trace: true}).Run(a))
	assert.Contains(t, out.String(), "(Final) All activities successfully completed")
}

func TestDemoStepAppendsActivityName(t *testing.T) {
	env := safeflow.Envelope{Output: "Alpha"}
	out, err := demoStep("Bravo").Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "Alpha,Bravo", out.Output)
}

func TestInstanceID(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "Main-Nightly-k1-20240301T123000.000", instanceID("Nightly", "k1", at))
}
