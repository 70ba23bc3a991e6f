package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/star/handover/internal/blob"
	"github.com/star/handover/internal/config"
	"github.com/star/handover/internal/elements"
	"github.com/star/handover/internal/handover"
	"github.com/star/handover/internal/propagation"
	"github.com/star/handover/internal/tle"
)

func main() {
	var (
		file       = flag.String("file", "", "TLE file to parse (required)")
		configPath = flag.String("config", "", "optional config file for thresholds and observer")
		serving    = flag.Int("serving", 0, "serving NORAD id; with -target, scan this pair")
		target     = flag.Int("target", 0, "target NORAD id")
		startFlag  = flag.String("start", "", "scan start, RFC 3339 (default now)")
		horizon    = flag.Duration("horizon", 0, "scan horizon (default from config)")
		step       = flag.Duration("step", 0, "scan step (default from config)")
		workers    = flag.Int("workers", 4, "parse and propagation workers")
		nearest    = flag.Int("nearest", 0, "print the N satellites nearest the observer at -start")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: diag -file <tle.txt> [-nearest N] [-serving N -target M]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("ERROR loading config:", err)
		os.Exit(1)
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Println("ERROR reading TLE file:", err)
		os.Exit(1)
	}
	defer f.Close()

	batch, err := tle.ParseParallel(context.Background(), f, *workers, logger)
	if err != nil {
		fmt.Println("ERROR parsing TLE:", err)
		os.Exit(1)
	}
	printSummary(batch)

	if *nearest <= 0 && (*serving == 0 || *target == 0) {
		return
	}

	start := time.Now().UTC()
	if *startFlag != "" {
		start, err = time.Parse(time.RFC3339, *startFlag)
		if err != nil {
			fmt.Println("ERROR parsing -start:", err)
			os.Exit(1)
		}
	}
	if *horizon == 0 {
		*horizon = cfg.Scan.Horizon
	}
	if *step == 0 {
		*step = cfg.Scan.Step
	}

	// The diag snapshot is stamped before the scan so GetAt resolves it.
	cache := elements.New(blob.NewMemoryStore(), cfg.Elements(), logger)
	snap := &elements.Snapshot{Constellation: "diag", FetchedAt: start.Add(-time.Second), Records: batch.Records}
	if err := cache.Put(context.Background(), snap); err != nil {
		fmt.Println("ERROR caching snapshot:", err)
		os.Exit(1)
	}

	observer := propagation.Geodetic{
		LatDeg: cfg.Scan.ObserverLat,
		LonDeg: cfg.Scan.ObserverLon,
		AltM:   cfg.Scan.ObserverAlt,
	}
	catalog := propagation.NewCatalog(logger)
	if *nearest > 0 {
		printNearest(catalog.Propagators(snap), propagation.NewWorkerPool(*workers, logger), start, observer, *nearest)
	}
	if *serving == 0 || *target == 0 {
		return
	}

	monitor := handover.NewMonitor(cache, catalog, logger)
	results := monitor.Scan(context.Background(), handover.ScanRequest{
		Pairs:    []handover.Pair{{Constellation: "diag", Serving: *serving, Target: *target}},
		Observer: observer,
		Start:    start,
		End:      start.Add(*horizon),
		Step:     *step,
		D2:       cfg.D2Thresholds(),
		Refine:   cfg.RefineConfig(),
	})
	printScan(results[0])
}

func printSummary(batch *tle.Batch) {
	var flagged int
	for _, r := range batch.Records {
		if len(r.Flags) > 0 {
			flagged++
		}
	}
	fmt.Printf("Parsed %d records: %d valid, %d invalid, %d flagged, %d skipped groups\n",
		len(batch.Records), len(batch.Records)-batch.Invalid(), batch.Invalid(), flagged, len(batch.Warnings))

	for _, w := range batch.Warnings {
		fmt.Printf("  skipped line %d (%s): %s\n", w.Line, w.Name, w.Reason)
	}
	for _, r := range batch.Records {
		if !r.Valid {
			fmt.Printf("  invalid NORAD %d (%s): %v\n", r.NORADID, r.Name, r.Violations)
		}
		for _, fl := range r.Flags {
			fmt.Printf("  flagged NORAD %d %s: %s\n", r.NORADID, fl.Field, fl.Reason)
		}
	}
}

func printNearest(props map[int]*propagation.SGP4Propagator, pool *propagation.WorkerPool, at time.Time, observer propagation.Geodetic, n int) {
	list := make([]*propagation.SGP4Propagator, 0, len(props))
	for _, p := range props {
		list = append(list, p)
	}
	points := pool.SubPoints(context.Background(), list, at, &observer)
	sort.Slice(points, func(i, j int) bool { return points[i].SlantRangeKm < points[j].SlantRangeKm })
	if len(points) > n {
		points = points[:n]
	}

	fmt.Printf("\nNearest %d satellites at %s:\n", len(points), at.Format(time.RFC3339))
	for _, pt := range points {
		fmt.Printf("  NORAD %6d  slant=%8.1fkm  ground=%8.1fkm  lat=%7.3f lon=%8.3f alt=%6.1fkm\n",
			pt.NORADID, pt.SlantRangeKm, propagation.GroundDistanceKm(observer, pt.Geodetic),
			pt.LatDeg, pt.LonDeg, pt.AltM/1000)
	}
}

func printScan(res handover.PairResult) {
	fmt.Printf("\nPair %d -> %d: %d observations, %d transitions\n",
		res.Pair.Serving, res.Pair.Target, res.Observations, res.Transitions)
	if res.Error != "" {
		fmt.Println("  ERROR", res.Error)
		return
	}
	if len(res.Events) == 0 {
		fmt.Println("  no trigger in horizon")
		return
	}

	for _, ev := range res.Events {
		fmt.Printf("  event %s: trigger=%s onset=%s boundary=%s confidence=%.3f\n",
			ev.ID, ev.TriggerAt.Format(time.RFC3339Nano), ev.Onset.Format(time.RFC3339Nano), ev.Boundary, ev.Confidence)
		for _, tr := range ev.Trials {
			fmt.Printf("    trial %2d: [%s, %s] mid=%s serving=%.3fkm target=%.3fkm side=%t kept=%s\n",
				tr.Iteration,
				tr.Start.Format("15:04:05.000"), tr.End.Format("15:04:05.000"), tr.Midpoint.Format("15:04:05.000"),
				tr.Distances.Serving, tr.Distances.Target, tr.Side, tr.Kept)
		}
	}
}
