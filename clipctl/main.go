// clipctl: operator CLI for the clip-compactor admin service.
//
//	clipctl -addr localhost:9091 compact -gap 15s
//	clipctl -addr localhost:9091 compact -wait
//	clipctl -addr localhost:9091 report
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/adminrpc"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("clipctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("CLIPCTL_ADDR", "localhost:9091"), "compactor gRPC address")
	timeout := fs.Duration("timeout", 10*time.Minute, "overall call timeout")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: clipctl [flags] compact [-gap 10s] [-reason text] [-wait] | report\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	client, conn, err := adminrpc.Dial(*addr)
	if err != nil {
		fmt.Fprintf(stderr, "clipctl: %v\n", err)
		return 1
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := dispatch(ctx, client, fs.Arg(0), fs.Args()[1:], stderr)
	if err != nil {
		fmt.Fprintf(stderr, "clipctl: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "clipctl: %v\n", err)
		return 1
	}
	return 0
}

// admin is the subset of *adminrpc.Client the commands call.
type admin interface {
	Compact(ctx context.Context, req *adminrpc.CompactRequest) (*adminrpc.CompactResponse, error)
	LastReport(ctx context.Context) (*adminrpc.LastReportResponse, error)
}

func dispatch(ctx context.Context, c admin, cmd string, args []string, stderr io.Writer) (any, error) {
	switch cmd {
	case "compact":
		fs := flag.NewFlagSet("compact", flag.ContinueOnError)
		fs.SetOutput(stderr)
		gap := fs.Duration("gap", 0, "gap threshold (0 = compactor default)")
		reason := fs.String("reason", "clipctl", "reason recorded in the compactor log")
		wait := fs.Bool("wait", false, "wait for the run to finish and print its report")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if *gap < 0 {
			return nil, fmt.Errorf("-gap must not be negative")
		}
		slog.Debug("requesting compaction", "gap", *gap)
		resp, err := c.Compact(ctx, &adminrpc.CompactRequest{ThresholdSeconds: gap.Seconds(), Reason: *reason})
		if err != nil {
			return nil, err
		}
		if !*wait {
			return resp, nil
		}
		return waitForReport(ctx, c, resp.StartedAt)
	case "report":
		resp, err := c.LastReport(ctx)
		if err != nil {
			return nil, err
		}
		if !resp.Found {
			return map[string]any{"found": false}, nil
		}
		return resp.Summary, nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

// pollInterval paces waitForReport.
var pollInterval = 2 * time.Second

// waitForReport polls until the last report belongs to a run started at or
// after since.
func waitForReport(ctx context.Context, c admin, since time.Time) (any, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		resp, err := c.LastReport(ctx)
		if err != nil {
			return nil, err
		}
		if resp.Found && !resp.Summary.StartedAt.Before(since) {
			return *resp.Summary, nil
		}
		slog.Debug("compaction still running", "since", since)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no report for the run started at %s: %w", since.Format(time.RFC3339), ctx.Err())
		case <-t.C:
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
