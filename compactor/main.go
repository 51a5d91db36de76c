// clip-compactor: merges runs of short clips captured close together into a
// single clip and removes the originals.
//
// Runs are triggered three ways, all funnelled into one compact.Runner so at
// most one pass touches the bucket at a time:
//
//	NATS "clips.compact" (durable consumer "compactor", published by clip-ingest)
//	COMPACT_INTERVAL ticker
//	gRPC clipvault.admin.v1.ClipAdmin/Compact (clipctl)
//
// The last run's summary is kept in the bucket at _meta/last-compaction.json.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/valamuri2020/FYDP-2025-G55/shared/adminrpc"
	"github.com/valamuri2020/FYDP-2025-G55/shared/catalog"
	"github.com/valamuri2020/FYDP-2025-G55/shared/clipstore"
	"github.com/valamuri2020/FYDP-2025-G55/shared/compact"
	"github.com/valamuri2020/FYDP-2025-G55/shared/encoder"
	"github.com/valamuri2020/FYDP-2025-G55/shared/router"
)

// ──────────────────────────────────────────────────────────────────────────────
// Configuration
// ──────────────────────────────────────────────────────────────────────────────

type config struct {
	HTTPAddr        string
	GRPCAddr        string
	NATSUrl         string
	StoreBackend    string
	S3              clipstore.S3Config
	ClipPrefix      string
	WorkDir         string
	EncodeTimeout   time.Duration
	FFmpegBin       string
	DatabaseURL     string
	CompactGap      time.Duration
	CompactInterval time.Duration
	RunTimeout      time.Duration
	LogLevel        string
}

func loadConfig() config {
	return config{
		HTTPAddr:     envOr("HTTP_ADDR", ":8081"),
		GRPCAddr:     envOr("GRPC_ADDR", ":9091"),
		NATSUrl:      os.Getenv("NATS_URL"),
		StoreBackend: envOr("STORE_BACKEND", "s3"),
		S3: clipstore.S3Config{
			Bucket:          envOr("S3_BUCKET", "birdfeeder-clips"),
			Region:          envOr("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			PathStyle:       envBool("S3_PATH_STYLE", false),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		ClipPrefix:      envOr("CLIP_PREFIX", clipstore.DefaultPrefix),
		WorkDir:         os.Getenv("WORK_DIR"),
		EncodeTimeout:   envDuration("ENCODE_TIMEOUT", 2*time.Minute),
		FFmpegBin:       envOr("FFMPEG_BIN", "ffmpeg"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		CompactGap:      envDuration("COMPACT_GAP", compact.DefaultGap),
		CompactInterval: envDuration("COMPACT_INTERVAL", 0),
		RunTimeout:      envDuration("COMPACT_RUN_TIMEOUT", 30*time.Minute),
		LogLevel:        envOr("LOG_LEVEL", "info"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Triggers
// ──────────────────────────────────────────────────────────────────────────────

// runner is the part of compact.Runner the trigger loops use.
type runner interface {
	Run(ctx context.Context, threshold time.Duration) (compact.Summary, error)
}

// consumeRequests runs a compaction for every message on ch until it closes.
func consumeRequests(ctx context.Context, ch <-chan *router.Message, r runner) {
	for msg := range ch {
		var req router.CompactRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				slog.Warn("decode compaction request", "err", err, "subject", msg.Subject)
				continue
			}
		}
		threshold, err := compact.ThresholdFromSeconds(req.ThresholdS)
		if err != nil {
			slog.Warn("rejecting compaction request", "err", err, "reason", req.Reason)
			continue
		}
		runOnce(ctx, r, threshold, "nats: "+req.Reason)
	}
}

// schedule runs a compaction every interval until ctx ends.
func schedule(ctx context.Context, interval time.Duration, r runner) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce(ctx, r, 0, "schedule")
		}
	}
}

func runOnce(ctx context.Context, r runner, threshold time.Duration, reason string) {
	sum, err := r.Run(ctx, threshold)
	switch {
	case errors.Is(err, compact.ErrAlreadyRunning):
		slog.Info("compaction already running, trigger coalesced", "reason", reason)
	case err != nil:
		slog.Error("compaction failed", "reason", reason, "err", err)
	default:
		slog.Info("compaction done",
			"reason", reason,
			"merged_groups", sum.MergedGroups,
			"deleted_originals", sum.DeletedOriginals,
			"failed_groups", sum.FailedGroups,
		)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Main
// ──────────────────────────────────────────────────────────────────────────────

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	slog.Info("starting clip-compactor",
		"store", cfg.StoreBackend,
		"bucket", cfg.S3.Bucket,
		"prefix", cfg.ClipPrefix,
		"gap", cfg.CompactGap,
		"interval", cfg.CompactInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := clipstore.Open(ctx, cfg.StoreBackend, cfg.S3)
	if err != nil {
		slog.Error("object store init", "err", err, "credentials", clipstore.IsCredentialError(err))
		os.Exit(1)
	}

	events, err := router.Connect(cfg.NATSUrl, "clip-compactor")
	if err != nil {
		slog.Error("NATS connect", "err", err)
		os.Exit(1)
	}
	defer events.Close()
	if err := events.EnsureStream(ctx, router.StreamClips, []string{router.StreamClips + ".>"}); err != nil {
		slog.Error("ensure clips stream", "err", err)
		os.Exit(1)
	}

	cat, err := catalog.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("catalog init", "err", err)
		os.Exit(1)
	}
	defer cat.Close()

	r := &compact.Runner{
		Compactor: &compact.Compactor{
			Store:   store,
			Encoder: &encoder.FFmpeg{Binary: cfg.FFmpegBin, Timeout: cfg.EncodeTimeout},
			Prefix:  cfg.ClipPrefix,
			WorkDir: cfg.WorkDir,
			Catalog: cat,
			Events:  events,
		},
		DefaultThreshold: cfg.CompactGap,
		RunTimeout:       cfg.RunTimeout,
	}

	ch, err := events.Subscribe(ctx, router.SubjectCompact, router.SubOptions{
		Durable: "compactor",
		AckWait: 10 * time.Minute,
	})
	if err != nil {
		slog.Error("subscribe compaction requests", "err", err)
		os.Exit(1)
	}
	go consumeRequests(ctx, ch, r)

	if cfg.CompactInterval > 0 {
		go schedule(ctx, cfg.CompactInterval, r)
	}

	// gRPC admin + standard health service
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(adminrpc.LoggingInterceptor(slog.Default())))
	adminrpc.Register(grpcServer, adminrpc.NewServer(r, slog.Default()))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(adminrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		slog.Error("listen failed", "addr", cfg.GRPCAddr, "err", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("clip-compactor gRPC server ready", "addr", cfg.GRPCAddr, "service", adminrpc.ServiceName)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC serve error", "err", err)
		}
	}()

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "ok")
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("compactor health check ready", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check serve", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down clip-compactor")
	healthSrv.Shutdown()
	grpcServer.GracefulStop()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	httpServer.Shutdown(shutCtx)
	if err := r.Wait(shutCtx); err != nil {
		slog.Warn("admin-started compaction still running at exit", "err", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d >= 0 {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return def
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
