package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedFromDurations(t *testing.T) {
	t.Parallel()

	speed := Speed([]float64{2, 2, 2})
	require.NotNil(t, speed)
	assert.InDelta(t, 0.5, *speed, 1e-9)

	assert.Nil(t, Speed(nil))
	assert.Nil(t, Speed([]float64{0, 0}))
}

func TestAverage(t *testing.T) {
	t.Parallel()

	avg := Average([]float64{1, 2, 3})
	require.NotNil(t, avg)
	assert.InDelta(t, 2.0, *avg, 1e-9)

	assert.Nil(t, Average(nil))
}

func TestETA(t *testing.T) {
	t.Parallel()

	speed := 2.0
	eta := ETA(100, &speed)
	require.NotNil(t, eta)
	assert.InDelta(t, 50.0, *eta, 1e-9)

	assert.Nil(t, ETA(0, &speed))
	assert.Nil(t, ETA(100, nil))
	zero := 0.0
	assert.Nil(t, ETA(100, &zero))
}

func TestPerMinute(t *testing.T) {
	t.Parallel()

	speed := 0.5
	assert.InDelta(t, 30.0, PerMinute(&speed), 1e-9)
	assert.Zero(t, PerMinute(nil))
}
