package protocol

// ChunkBytes splits data into consecutive slices of at most max bytes. The
// slices alias data. Returns nil for empty data or a non-positive max.
func ChunkBytes(data []byte, max int) [][]byte {
	if len(data) == 0 || max <= 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+max-1)/max)
	for len(data) > 0 {
		n := max
		if len(data) < n {
			n = len(data)
		}
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}
