package media

import "fmt"

// DefaultAspectRatio is assumed when dimensions could not be determined.
const DefaultAspectRatio = "16:9"

// knownRatios maps reduced width:height pairs to their conventional names.
// Reduction alone would render 1920x1080 as 16:9 but 1366x768 as 683:384,
// so near-matches are classified by value.
var knownRatios = []struct {
	label string
	value float64
}{
	{"21:9", 21.0 / 9.0},
	{"16:9", 16.0 / 9.0},
	{"3:2", 3.0 / 2.0},
	{"4:3", 4.0 / 3.0},
	{"1:1", 1.0},
	{"3:4", 3.0 / 4.0},
	{"2:3", 2.0 / 3.0},
	{"9:16", 9.0 / 16.0},
}

const ratioTolerance = 0.03

// AspectRatio reduces and classifies a width/height pair. Unknown or absurd
// dimensions fall back to DefaultAspectRatio.
func AspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return DefaultAspectRatio
	}

	value := float64(width) / float64(height)
	for _, known := range knownRatios {
		if value > known.value*(1-ratioTolerance) && value < known.value*(1+ratioTolerance) {
			return known.label
		}
	}

	d := gcd(width, height)
	return fmt.Sprintf("%d:%d", width/d, height/d)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
