package safeflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	assert.True(t, IsValidation(Envelope{}.Validate()))
	assert.True(t, IsValidation(Envelope{UniqueKey: "k"}.Validate()))
	assert.NoError(t, Envelope{UniqueKey: "k", OperationName: "Main"}.Validate())
}

func TestEnvelopeErrors(t *testing.T) {
	var env Envelope
	env.AddError("  ")
	env.AddError("store down")
	assert.Equal(t, []string{"store down"}, env.Errors)
	env.ClearErrors()
	assert.Empty(t, env.Errors)
}

func TestEnvelopeHistory(t *testing.T) {
	var env Envelope
	_, ok := env.LastSnapshot()
	assert.False(t, ok)

	rec := NewUnknownRecord("k")
	rec.State = StateActive
	env.AppendHistory(rec)
	env.AppendHistory(nil)

	rec.State = StateCompleted
	env.AppendHistory(rec)
	require.Len(t, env.ActivityHistory, 2)
	assert.Equal(t, StateActive, env.ActivityHistory[0].State, "snapshots must not alias the record")

	rec.State = StateSuccessful
	env.ReplaceLastHistory(rec)
	require.Len(t, env.ActivityHistory, 2)
	last, ok := env.LastSnapshot()
	require.True(t, ok)
	assert.Equal(t, StateSuccessful, last.State)

	var empty Envelope
	empty.ReplaceLastHistory(rec)
	assert.Len(t, empty.ActivityHistory, 1)
}

func TestEnvelopeCloneIsDeep(t *testing.T) {
	stack, err := NewDisruptionStack("Stall")
	require.NoError(t, err)
	env := Envelope{
		UniqueKey:   "k",
		Errors:      []string{"e1"},
		Payload:     json.RawMessage(`{"a":1}`),
		Disruptions: stack,
	}
	env.AppendHistory(NewUnknownRecord("k"))

	cp := env.Clone()
	cp.Errors[0] = "changed"
	cp.Payload[2] = 'b'
	cp.ActivityHistory[0].State = StateFailed
	cp.Disruptions.Pop()

	assert.Equal(t, "e1", env.Errors[0])
	assert.Equal(t, `{"a":1}`, string(env.Payload))
	assert.Equal(t, StateUnknown, env.ActivityHistory[0].State)
	assert.Equal(t, 0, env.Disruptions.Cursor)
	assert.True(t, env.IsDisrupted())
	assert.False(t, Envelope{}.IsDisrupted())
}
