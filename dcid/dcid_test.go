package dcid

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dcrouter/mtpcore"
)

func TestComposeRoundTrip(t *testing.T) {
	s := Compose(4, ShiftMediaUpload)
	assert.Equal(t, mtpcore.BareDcId(4), BareDcId(s))
	assert.Equal(t, ShiftMediaUpload, ShiftOf(s))
	assert.False(t, IsPinnedMain(s))
}

func TestPinMain(t *testing.T) {
	s := PinMain(2)
	assert.True(t, IsPinnedMain(s))
	assert.Equal(t, mtpcore.BareDcId(2), BareDcId(s))
}

func TestChangeRoutingPreservesSignAndShift(t *testing.T) {
	main := PinMain(2)
	assert.Equal(t, PinMain(4), ChangeRouting(main, 4))

	shifted := Compose(2, ShiftMediaUpload)
	assert.Equal(t, Compose(4, ShiftMediaUpload), ChangeRouting(shifted, 4))
}

func TestSyntheticShiftDistinctPerCollision(t *testing.T) {
	a := Compose(3, SyntheticShift(0))
	b := Compose(3, SyntheticShift(1))
	assert.NotEqual(t, a, b)
	assert.Equal(t, mtpcore.BareDcId(3), BareDcId(a))
	assert.Equal(t, mtpcore.BareDcId(3), BareDcId(b))
}
