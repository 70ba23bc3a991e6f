package tle

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// decodeJob is a unit of work for the parse worker pool.
type decodeJob struct {
	slot int
	g    group
}

// decodeResult is the outcome of decoding a single group.
type decodeResult struct {
	slot int
	rec  Record
	err  error
}

// ParseParallel behaves like Parse but decodes groups on a fixed pool of
// workers. Grouping is sequential; decoding has no shared state, so groups
// are processed in any order and reassembled in input order.
//
// If ctx is cancelled the groups decoded so far are returned along with ctx.Err().
func ParseParallel(ctx context.Context, r io.Reader, workers int, logger *slog.Logger) (*Batch, error) {
	if workers < 1 {
		workers = 1
	}

	groups, warnings, err := split(r, logger)
	if err != nil {
		return nil, err
	}

	jobs := make(chan decodeJob, workers*2)
	results := make(chan decodeResult, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				rec, err := decodeGroup(job.g)
				select {
				case results <- decodeResult{slot: job.slot, rec: rec, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, g := range groups {
			select {
			case jobs <- decodeJob{slot: i, g: g}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	decoded := make([]*decodeResult, len(groups))
	for res := range results {
		res := res
		decoded[res.slot] = &res
	}

	batch := &Batch{
		Records:  make([]Record, 0, len(groups)),
		Warnings: warnings,
	}
	for i, res := range decoded {
		if res == nil {
			continue
		}
		if res.err != nil {
			batch.Warnings = append(batch.Warnings, warnFor(logger, groups[i], res.err))
			continue
		}
		batch.Records = append(batch.Records, res.rec)
	}

	logger.Debug("parallel TLE parse complete",
		"groups", len(groups),
		"records", len(batch.Records),
		"warnings", len(batch.Warnings),
		"workers", workers,
	)

	return batch, ctx.Err()
}
