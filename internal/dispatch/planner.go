package dispatch

import (
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
)

// Chunk is one group of recipient addresses delivered in a single transport
// call: the BCC envelope of one message, or exactly one address in
// individual mode.
type Chunk []string

// Plan partitions recipients into chunks according to the sending mode.
// BCC mode produces consecutive groups of settings.ChunkSize (the last group
// may be shorter); individual mode produces one chunk per recipient. Input
// order is preserved and the concatenation of all chunks equals the input.
// An empty recipient list yields an empty plan.
func Plan(recipients []string, settings domain.DispatchSettings) []Chunk {
	if settings.UseBCC {
		return planWithSize(recipients, settings.ChunkSize)
	}
	return planWithSize(recipients, 1)
}

// planWithSize is the shared partitioner, also used by the retry engine to
// re-chunk failed addresses at the shrinking retry sizes.
func planWithSize(recipients []string, size int) []Chunk {
	if len(recipients) == 0 {
		return nil
	}
	if size <= 0 {
		size = 1
	}
	chunks := make([]Chunk, 0, (len(recipients)+size-1)/size)
	for i := 0; i < len(recipients); i += size {
		end := i + size
		if end > len(recipients) {
			end = len(recipients)
		}
		chunks = append(chunks, Chunk(recipients[i:end]))
	}
	return chunks
}
