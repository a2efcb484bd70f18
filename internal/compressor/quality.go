package compressor

import "math"

const (
	// InitialQuality is the quality of the first encode pass.
	InitialQuality = 100
	// QualityFloor stops the loop once quality drops to or below it.
	QualityFloor = 5
	// qualityDecay is the fraction of the current quality dropped per pass.
	qualityDecay = 0.1
)

// NextQuality returns the quality of the pass following q.
// Rounding is half away from zero.
func NextQuality(q int) int {
	return q - int(math.Round(float64(q)*qualityDecay))
}

// QualitySchedule lists every quality the encode loop may try, starting at
// InitialQuality, when the threshold is never met.
func QualitySchedule() []int {
	var qs []int
	q := InitialQuality
	for {
		qs = append(qs, q)
		q = NextQuality(q)
		if q <= QualityFloor {
			return qs
		}
	}
}

// shouldContinue is the loop condition checked after each encode pass, with
// q already decayed.
func shouldContinue(size, thresholdBytes int64, q int) bool {
	return size > thresholdBytes && q > QualityFloor
}
