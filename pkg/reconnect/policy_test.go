package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyLinearBackoff(t *testing.T) {
	p := NewPolicy(3*time.Second, 5)

	want := []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second, 15 * time.Second}
	for i, expected := range want {
		delay, ok := p.Next()
		require.True(t, ok, "attempt %d should be allowed", i+1)
		assert.Equal(t, expected, delay)
	}

	_, ok := p.Next()
	assert.False(t, ok, "budget exhausted after the configured maximum")
	assert.Equal(t, 5, p.Attempt())
}

func TestPolicyReset(t *testing.T) {
	p := NewPolicy(time.Second, 2)
	p.Next()
	p.Next()
	_, ok := p.Next()
	require.False(t, ok)

	p.Reset()
	delay, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, delay, "counter restarts from attempt 1")
}

func TestPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, 0)
	delay, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, DefaultBase, delay)

	for i := 1; i < DefaultMaxAttempts; i++ {
		_, ok = p.Next()
		require.True(t, ok)
	}
	_, ok = p.Next()
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "suspended", Suspended.String())
}
