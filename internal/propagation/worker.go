package propagation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/star/handover/internal/metrics"
)

// subPointJob is a unit of work for the worker pool.
type subPointJob struct {
	slot int
	prop *SGP4Propagator
}

// subPointResult is the output of a single satellite propagation.
type subPointResult struct {
	slot  int
	point SubPoint
	err   error
}

// WorkerPool manages a fixed number of goroutines for parallel SGP4 propagation.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		logger:  logger,
	}
}

// SubPoints propagates every satellite to t and returns their sub-satellite
// points in input order. Failed satellites are logged and skipped. When
// observer is non-nil each point carries the slant range to it.
func (wp *WorkerPool) SubPoints(ctx context.Context, props []*SGP4Propagator, t time.Time, observer *Geodetic) []SubPoint {
	if len(props) == 0 {
		return nil
	}

	// GMST is the same for every satellite at t.
	gmst := GMST(t)
	var obsECEF Vec3
	if observer != nil {
		obsECEF = observer.ECEF()
	}

	jobs := make(chan subPointJob, wp.workers*2)
	results := make(chan subPointResult, wp.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				res := subPointResult{slot: job.slot, point: SubPoint{NORADID: job.prop.NORADID(), At: t}}
				teme, err := job.prop.Propagate(t)
				if err != nil {
					res.err = err
				} else {
					ecef := TEMEToECEF(teme, gmst)
					res.point.Geodetic = ECEFToGeodetic(ecef)
					if observer != nil {
						res.point.SlantRangeKm = ecef.Sub(obsECEF).Norm() / 1000
					}
				}
				select {
				case results <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, p := range props {
			select {
			case jobs <- subPointJob{slot: i, prop: p}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	start := time.Now()
	ordered := make([]*SubPoint, len(props))
	var successCount, errorCount int
	for res := range results {
		if res.err != nil {
			errorCount++
			wp.logger.Warn("propagation failed",
				"norad_id", res.point.NORADID,
				"error", res.err,
			)
			continue
		}
		successCount++
		point := res.point
		ordered[res.slot] = &point
	}
	metrics.RecordPropagation(time.Since(start), successCount, errorCount)

	points := make([]SubPoint, 0, successCount)
	for _, p := range ordered {
		if p != nil {
			points = append(points, *p)
		}
	}
	return points
}
