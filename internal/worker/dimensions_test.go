package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDimensionsForRatio(t *testing.T) {
	t.Parallel()

	t.Run("square ratio yields the base size", func(t *testing.T) {
		t.Parallel()
		w, h := DimensionsForRatio("1:1")
		assert.Equal(t, 1024, w)
		assert.Equal(t, 1024, h)
	})

	t.Run("dimensions are multiples of eight near the target area", func(t *testing.T) {
		t.Parallel()
		for _, ratio := range []string{"4:3", "3:4", "16:9", "9:16", "21:9"} {
			w, h := DimensionsForRatio(ratio)
			assert.Zero(t, w%8, "width for %s", ratio)
			assert.Zero(t, h%8, "height for %s", ratio)

			area := w * h
			assert.InDelta(t, targetPixels, area, 0.05*targetPixels, "area for %s", ratio)
		}
	})

	t.Run("wider ratios produce wider images", func(t *testing.T) {
		t.Parallel()
		w, h := DimensionsForRatio("16:9")
		assert.Greater(t, w, h)

		w, h = DimensionsForRatio("9:16")
		assert.Greater(t, h, w)
	})

	t.Run("malformed ratios fall back to the base size", func(t *testing.T) {
		t.Parallel()
		for _, ratio := range []string{"", "bogus", "4:3:2", "0:1", "-4:3", "4:"} {
			w, h := DimensionsForRatio(ratio)
			assert.Equal(t, 1024, w, "ratio %q", ratio)
			assert.Equal(t, 1024, h, "ratio %q", ratio)
		}
	})
}
