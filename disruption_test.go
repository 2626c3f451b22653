package safeflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisruptionStack(t *testing.T) {
	stack, err := NewDisruptionStack("stall", " ", "Choke", "PASS")
	require.NoError(t, err)
	assert.Equal(t, []Disruption{DisruptionStall, DisruptionChoke, DisruptionPass}, stack.Tokens)
	assert.Equal(t, 3, stack.Remaining())
	assert.False(t, stack.Empty())

	_, err = NewDisruptionStack("Explode")
	assert.Error(t, err)
}

func TestDisruptionStackPopConsumesInOrder(t *testing.T) {
	stack, err := NewDisruptionStack("Wait", "Fail")
	require.NoError(t, err)

	token, ok := stack.Pop()
	assert.True(t, ok)
	assert.Equal(t, DisruptionWait, token)

	token, ok = stack.Pop()
	assert.True(t, ok)
	assert.Equal(t, DisruptionFail, token)

	token, ok = stack.Pop()
	assert.False(t, ok)
	assert.Equal(t, DisruptionNone, token)
	assert.Equal(t, 0, stack.Remaining())
	assert.Equal(t, 2, stack.Consumed())
	assert.False(t, stack.Empty(), "an exhausted stack still marks the run as disrupted")
}

func TestDisruptionStackAlignNeverRewinds(t *testing.T) {
	stack, err := NewDisruptionStack("Stall", "Stall", "Pass")
	require.NoError(t, err)

	stack.AlignTo(2)
	assert.Equal(t, 2, stack.Cursor)
	stack.AlignTo(1)
	assert.Equal(t, 2, stack.Cursor)
	stack.AlignTo(10)
	assert.Equal(t, 3, stack.Cursor)
	assert.Equal(t, "[~Stall,~Stall,~Pass]", stack.String())
}

func TestDisruptionStackCloneIsIndependent(t *testing.T) {
	stack, err := NewDisruptionStack("Stall", "Pass")
	require.NoError(t, err)
	cp := stack.Clone()
	cp.Pop()
	cp.Tokens[1] = DisruptionFail

	assert.Equal(t, 0, stack.Cursor)
	assert.Equal(t, DisruptionPass, stack.Tokens[1])
}

func TestDisruptionJSON(t *testing.T) {
	stack, err := NewDisruptionStack("Drag", "Stick")
	require.NoError(t, err)
	stack.Pop()

	payload, err := json.Marshal(stack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tokens":["Drag","Stick"],"cursor":1}`, string(payload))

	var decoded DisruptionStack
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, stack, decoded)
}
