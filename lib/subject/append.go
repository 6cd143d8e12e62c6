package subject

// ConcatString is an appender for string streams
func ConcatString(cur, delta string) string {
	return cur + delta
}

// ConcatBytes is an appender for byte streams
func ConcatBytes(cur, delta []byte) []byte {
	out := make([]byte, 0, len(cur)+len(delta))
	out = append(out, cur...)
	return append(out, delta...)
}
