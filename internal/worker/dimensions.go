package worker

import (
	"math"
	"strconv"
	"strings"
)

// targetPixels is the fixed target area every generated image
// approximates regardless of aspect ratio.
const targetPixels = 1024 * 1024

// DimensionsForRatio derives pixel dimensions from an aspect ratio
// string such as "1:1" or "4:3" so that width×height approximates the
// target area, with each dimension rounded to the nearest multiple of
// 8. Malformed ratios fall back to 1024×1024.
func DimensionsForRatio(ratio string) (width, height int) {
	parts := strings.Split(ratio, ":")
	if len(parts) != 2 {
		return 1024, 1024
	}

	wr, errW := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	hr, errH := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errW != nil || errH != nil || wr <= 0 || hr <= 0 {
		return 1024, 1024
	}

	x := math.Sqrt(targetPixels / (wr * hr))
	width = int(math.Round(wr*x/8)) * 8
	height = int(math.Round(hr*x/8)) * 8
	return width, height
}
