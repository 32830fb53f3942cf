package rag

const (
	minChunkSize = 200
	maxChunkSize = 4000
)

// SplitText splits text into fixed-size overlapping windows. Size is
// clamped to [200,4000] and overlap to [0,size-1], so the window start
// always advances.
func SplitText(text string, size, overlap int) []string {
	if size < minChunkSize {
		size = minChunkSize
	}
	if size > maxChunkSize {
		size = maxChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
