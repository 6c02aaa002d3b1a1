package simpledb

// lowerBoundBranchless returns the smallest index i in [0, len(keys)] such
// that keys[i] is not less than key, or len(keys) if there is none. The
// probe position moves by a conditionally chosen half of the remaining
// length instead of narrowing an interval, which keeps the hot loop free
// of hard-to-predict branches on the search outcome.
func lowerBoundBranchless(keys []uint64, key uint64, cmp Comparator) int {
	l := len(keys)
	if l == 0 {
		return 0
	}
	i := 0

	for half := l / 2; half > 0; half = l / 2 {
		if cmp(keys[i+half], key) < 0 {
			i += half
		}
		l -= half
	}
	if cmp(keys[i], key) < 0 {
		i++
	}
	return i
}
