package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	ceiling := 5 * time.Minute

	assert.Equal(t, 5*time.Second, Backoff(1, base, ceiling))
	assert.Equal(t, 10*time.Second, Backoff(2, base, ceiling))
	assert.Equal(t, 20*time.Second, Backoff(3, base, ceiling))
	assert.Equal(t, 40*time.Second, Backoff(4, base, ceiling))
	assert.Equal(t, 80*time.Second, Backoff(5, base, ceiling))
	assert.Equal(t, 160*time.Second, Backoff(6, base, ceiling))

	// Capped at the ceiling from attempt 7 on
	assert.Equal(t, ceiling, Backoff(7, base, ceiling))
	assert.Equal(t, ceiling, Backoff(20, base, ceiling))

	// Degenerate attempt numbers behave like the first
	assert.Equal(t, base, Backoff(0, base, ceiling))
	assert.Equal(t, base, Backoff(-3, base, ceiling))
}
