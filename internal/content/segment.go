package content

import "strings"

// DefaultChunkSize is the soft upper bound, in bytes, of a chunk.
const DefaultChunkSize = 1000

// SplitIntoChunks groups whole lines into chunks of at most size bytes. A
// single line longer than size becomes its own chunk. Chunks are trimmed and
// blank chunks are dropped.
func SplitIntoChunks(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []string
	var current strings.Builder

	for _, line := range strings.Split(text, "\n") {
		if current.Len()+len(line) > size && current.Len() > 0 {
			if c := strings.TrimSpace(current.String()); c != "" {
				chunks = append(chunks, c)
			}
			current.Reset()
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}

	if c := strings.TrimSpace(current.String()); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}
