// Package util contains misc internal utilities.
package util

// Linspace returns n evenly spaced values from start to stop inclusive.
// n of 1 returns just start; n < 1 returns an empty slice
func Linspace(start, stop float64, n int) []float64 {
	if n < 1 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// UniqueString returns the unique strings in a slice, in order of first appearance
func UniqueString(strs []string) []string {
	seen := make(map[string]struct{}, len(strs))
	out := make([]string, 0, len(strs))
	for _, s := range strs {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
