package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes"
	"github.com/HerbHall/floorsight/internal/telemetry"
	"github.com/HerbHall/floorsight/pkg/plugin"
	"go.uber.org/zap"
)

// runDetect runs one detection against the configured database and prints
// the shortlist as JSON on stdout. It returns the process exit code.
func runDetect(args []string) int {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	venueID := fs.String("venue", "", "venue id (required)")
	fromStr := fs.String("from", "", "range start, RFC 3339 (required)")
	toStr := fs.String("to", "", "range end, RFC 3339 (default now)")
	topN := fs.Int("top", 0, "shortlist size (default ranking.default_top_n)")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	from, to, err := parseRange(*fromStr, *toStr, time.Now())
	if err != nil || *venueID == "" {
		if err == nil {
			err = fmt.Errorf("-venue is required")
		}
		fmt.Fprintf(os.Stderr, "detect: %v\n", err)
		fs.Usage()
		return 2
	}

	mod := episodes.New()
	app, err := bootstrap(*configPath, []plugin.Plugin{telemetry.New(), mod})
	if err != nil {
		fmt.Fprintf(os.Stderr, "detect: %v\n", err)
		return 1
	}
	defer app.close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Starting loads persisted baselines; stopping saves them again.
	if err := app.reg.StartAll(ctx); err != nil {
		app.logger.Error("failed to start plugins", zap.Error(err))
		return 1
	}
	defer app.reg.StopAll(context.Background())

	sl, err := mod.Detect(ctx, *venueID, from, to, *topN)
	if err != nil {
		app.logger.Error("detection failed", zap.Error(err))
		return 1
	}
	app.bus.Drain()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sl); err != nil {
		app.logger.Error("write shortlist", zap.Error(err))
		return 1
	}
	return 0
}

// parseRange parses RFC 3339 bounds. An empty to means now.
func parseRange(fromStr, toStr string, now time.Time) (from, to time.Time, err error) {
	if fromStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("-from is required")
	}
	from, err = time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse -from: %w", err)
	}
	to = now.UTC()
	if toStr != "" {
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse -to: %w", err)
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("-from %s must precede -to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}
