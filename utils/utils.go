package utils

// Roundup rounds x up to the nearest multiple of align, which must be a power of two.
func Roundup(x, align int) int {
	return (x + (align - 1)) &^ (align - 1)
}

// Ceil returns the number of units of the given size needed to hold n.
func Ceil(n, unit int) int {
	if n <= 0 {
		return 0
	}
	return (n-1)/unit + 1
}
