package safeconv

import (
	"math"
	"time"
)

// Uint32SliceToIntSlice converts a slice of uint32 to int.
func Uint32SliceToIntSlice(input []uint32) []int {
	out := make([]int, len(input))
	for i, v := range input {
		out[i] = int(v)
	}
	return out
}

// IntSliceToUint32Slice converts a slice of int to uint32 with clamping to avoid overflow/underflow.
func IntSliceToUint32Slice(input []int) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		out[i] = IntToUint32(v)
	}
	return out
}

// Uint32SliceToInt64Slice widens token ids to the int64 element type the embedding graph expects.
func Uint32SliceToInt64Slice(input []uint32) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// IntToUint32 converts int to uint32 with clamping into [0, MaxUint32].
func IntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	if uint64(v) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v) // #nosec G115 clamped above.
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
