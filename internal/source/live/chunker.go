package live

import (
	"fmt"
	"time"

	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/source"
)

// Chunk is one contiguous page of an aligned window. Start and End are
// the opens of its first and last expected bars, both inclusive.
type Chunk struct {
	Start time.Time
	End   time.Time
	Count int
}

// PlanChunks splits the aligned window [a0, a1] into pages of at most
// chunkSize bars. A plan needing more than maxChunks pages is refused
// with ErrRangeTooLarge: the range belongs on the archive.
func PlanChunks(a0, a1 time.Time, iv market.Interval, chunkSize, maxChunks int) ([]Chunk, error) {
	if chunkSize <= 0 || maxChunks <= 0 {
		return nil, fmt.Errorf("%w: chunk budget %d x %d", source.ErrInvalidInput, maxChunks, chunkSize)
	}
	total := market.ExpectedCount(a0, a1, iv)
	if total <= 0 {
		return nil, nil
	}

	n := (total + chunkSize - 1) / chunkSize
	if n > maxChunks {
		return nil, fmt.Errorf("%w: %d bars need %d chunks, budget is %d",
			source.ErrRangeTooLarge, total, n, maxChunks)
	}

	step := iv.Duration()
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		count := chunkSize
		if remaining := total - i*chunkSize; remaining < count {
			count = remaining
		}
		start := a0.Add(time.Duration(i*chunkSize) * step)
		chunks = append(chunks, Chunk{
			Start: start,
			End:   start.Add(time.Duration(count-1) * step),
			Count: count,
		})
	}
	return chunks, nil
}
