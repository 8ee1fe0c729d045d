package mathx

// CeilDiv returns ceil(a/b) for positive integers; 0 when b == 0.
func CeilDiv[T ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int64](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
