package line

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/flowdial/internal/call"
)

func TestValidateNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"*100#", "*100#", false},
		{" 0800.123 ", "0800123", false},
		{"", "", true},
		{"+", "", true},
		{"12+3", "", true},
		{"call me", "", true},
	}
	for _, tt := range tests {
		got, err := ValidateNumber(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidNumber, "ValidateNumber(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ValidateNumber(%q)", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestCallLifecyclePublishesChanges(t *testing.T) {
	c := NewCall("id-1", "+1555", "Alice")
	assert.Equal(t, call.NativeNew, c.State())

	events, cancel := c.Subscribe()
	defer cancel()

	ctx := context.Background()
	assert.True(t, c.Advance(ctx, call.NativeDialing))
	assert.False(t, c.Advance(ctx, call.NativeDialing), "repeated state is not a change")
	assert.True(t, c.Advance(ctx, call.NativeRinging))
	assert.True(t, c.Advance(ctx, call.NativeActive))
	assert.True(t, c.Advance(ctx, call.NativeHolding))
	assert.True(t, c.Advance(ctx, call.NativeActive))
	assert.True(t, c.Advance(ctx, call.NativeDisconnected))
	assert.True(t, c.Ended())

	var got []call.NativeState
	for i := 0; i < 6; i++ {
		got = append(got, <-events)
	}
	assert.Equal(t, []call.NativeState{
		call.NativeDialing, call.NativeRinging, call.NativeActive,
		call.NativeHolding, call.NativeActive, call.NativeDisconnected,
	}, got)
	assert.Empty(t, events)
}

func TestCallRejectsInvalidMoves(t *testing.T) {
	c := NewCall("id-1", "+1555", "")
	ctx := context.Background()

	assert.False(t, c.Can(call.NativeHolding))
	assert.False(t, c.Advance(ctx, call.NativeHolding), "cannot hold a call that never connected")

	require.True(t, c.Advance(ctx, call.NativeDisconnected))
	for _, s := range []call.NativeState{call.NativeActive, call.NativeRinging, call.NativeDisconnected} {
		assert.False(t, c.Advance(ctx, s), "disconnected is final (%s)", s)
	}
}

func TestCallDisplayName(t *testing.T) {
	c := NewCall("id-1", "+1555", "")
	c.SetDisplayName("Bob")
	assert.Equal(t, "Bob", c.CallerDisplayName())
	assert.Equal(t, "+1555", c.CallerPhoneNumber())
	assert.Equal(t, "id-1", c.ID())
}
