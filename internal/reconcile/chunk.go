package reconcile

// ChunkSize is the number of packages processed between checkpoints.
const ChunkSize = 64

// Chunk splits items into consecutive slices of at most size elements.
// The result has ceil(len(items)/size) chunks and concatenates back to
// items. The chunks share items' backing array.
func Chunk[T any](items []T, size int) [][]T {
	size = max(size, 1)
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
