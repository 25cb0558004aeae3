package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dcrouter/mtpcore"
)

func TestLimiterThrottlesPerDC(t *testing.T) {
	l := NewLimiter(1, 1)
	assert.True(t, l.Allow(mtpcore.BareDcId(2)))
	assert.False(t, l.Allow(mtpcore.BareDcId(2)))

	// A different DC has its own independent bucket.
	assert.True(t, l.Allow(mtpcore.BareDcId(3)))
}

func TestLimiterDisabledWhenRateZero(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(mtpcore.BareDcId(2)))
	}
}
