package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one item. A non-nil Err means the item produced
// no value; the other items are unaffected.
type Result[R any] struct {
	Value R
	Err   error
}

// OK reports whether the item succeeded.
func (r Result[R]) OK() bool {
	return r.Err == nil
}

// Run processes items in chunks of size. Items in a chunk run concurrently and
// the whole chunk settles before the next begins, with delay between chunks.
// The returned slice is index-aligned with items.
func Run[I, R any](ctx context.Context, items []I, size int, delay time.Duration, fn func(ctx context.Context, item I) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}
	if size <= 0 {
		size = len(items)
	}

	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}

		if err := ctx.Err(); err != nil {
			markRemaining(results[start:], err)
			return results
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				v, err := fn(ctx, items[i])
				results[i] = Result[R]{Value: v, Err: err}
				return nil
			})
		}
		g.Wait()

		log.Debug().
			Int("chunk_start", start).
			Int("chunk_end", end).
			Int("total", len(items)).
			Msg("Batch chunk settled")

		if end < len(items) && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				markRemaining(results[end:], ctx.Err())
				return results
			case <-timer.C:
			}
		}
	}

	return results
}

// Chunks splits items into consecutive slices of at most size elements.
func Chunks[I any](items []I, size int) [][]I {
	if size <= 0 {
		size = len(items)
	}
	var out [][]I
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func markRemaining[R any](results []Result[R], err error) {
	for i := range results {
		results[i].Err = err
	}
}
