package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyType(t *testing.T) {
	_, err := New("", nil)
	require.ErrorIs(t, err, ErrEmptyType)
}

func TestNewAssignsTimestamp(t *testing.T) {
	ev, err := New(DataArrived, Payload{"source": "webhook-1"})
	require.NoError(t, err)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, DataArrived, ev.Type)
	assert.Equal(t, "webhook-1", ev.Payload["source"])
}

func TestIsCore(t *testing.T) {
	assert.True(t, IsCore(DataArrived))
	assert.True(t, IsCore(IdleTimeDetected))
	assert.False(t, IsCore("CUSTOM_TYPE"))
	assert.False(t, IsCore(""))
}

func TestMustNewPanicsOnEmptyType(t *testing.T) {
	assert.Panics(t, func() { MustNew("", nil) })
}
