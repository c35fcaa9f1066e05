package motion

import "math"

// Bands separate walking from riding: walking needs both a high mean and
// a wide spread of magnitudes.
type Bands struct {
	WalkingMean   float64
	WalkingSpread float64
}

func DefaultBands() Bands {
	return Bands{WalkingMean: 2.5, WalkingSpread: 1.5}
}

// InferType derives the movement type from the moving flag and the window's
// magnitude distribution.
func InferType(magnitudes []float64, isMoving bool, bands Bands) Type {
	if len(magnitudes) == 0 {
		return TypeUnknown
	}
	if !isMoving {
		return TypeStationary
	}
	mean, spread := meanStd(magnitudes)
	if mean >= bands.WalkingMean && spread >= bands.WalkingSpread {
		return TypeWalking
	}
	return TypeVehicle
}

func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
