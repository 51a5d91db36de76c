// clip-ingest: accepts raw capture dumps from the feeder camera over HTTP and
// turns each one into a stored clip in the background.
//
// Data flow:
//
//	camera firmware (multipart JPEG dump)
//	  → POST /v1/captures (this service, 202 immediately)
//	  → capture.Dispatcher worker: extract frames → ffmpeg encode → upload
//	  → NATS "clips.stored" event, catalog row
//	  → every COMPACT_EVERY clips: NATS "clips.compact" for the compactor
//
// Clip keys: {CLIP_PREFIX}/{YYYYMMDD_HHMMSS}.mp4 in UTC, from X-Capture-Time
// or the time the dump was received.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/capture"
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
	NATSUrl         string
	StoreBackend    string
	S3              clipstore.S3Config
	ClipPrefix      string
	WorkDir         string
	FrameRate       int
	EncodeTimeout   time.Duration
	FFmpegBin       string
	Workers         int
	QueueSize       int
	MaxCaptureBytes int64
	CompactEvery    int
	DatabaseURL     string
	LogLevel        string
}

func loadConfig() config {
	return config{
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
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
		FrameRate:       envInt("FRAME_RATE", capture.DefaultFrameRate),
		EncodeTimeout:   envDuration("ENCODE_TIMEOUT", 2*time.Minute),
		FFmpegBin:       envOr("FFMPEG_BIN", "ffmpeg"),
		Workers:         envInt("WORKERS", 2),
		QueueSize:       envInt("QUEUE_SIZE", 16),
		MaxCaptureBytes: int64(envInt("MAX_CAPTURE_BYTES", defaultMaxCaptureBytes)),
		CompactEvery:    envInt("COMPACT_EVERY", 5),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Main
// ──────────────────────────────────────────────────────────────────────────────

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	slog.Info("starting clip-ingest",
		"addr", cfg.HTTPAddr,
		"store", cfg.StoreBackend,
		"bucket", cfg.S3.Bucket,
		"prefix", cfg.ClipPrefix,
		"workers", cfg.Workers,
		"queue", cfg.QueueSize,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := clipstore.Open(ctx, cfg.StoreBackend, cfg.S3)
	if err != nil {
		slog.Error("object store init", "err", err, "credentials", clipstore.IsCredentialError(err))
		os.Exit(1)
	}

	events, err := router.Connect(cfg.NATSUrl, "clip-ingest")
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

	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			slog.Error("create work dir", "dir", cfg.WorkDir, "err", err)
			os.Exit(1)
		}
	}

	proc := &capture.Processor{
		Store: store,
		Encoder: &encoder.FFmpeg{
			Binary:  cfg.FFmpegBin,
			Timeout: cfg.EncodeTimeout,
		},
		FrameRate: cfg.FrameRate,
		Prefix:    cfg.ClipPrefix,
		WorkDir:   cfg.WorkDir,
		Catalog:   cat,
		Events:    events,
		Trigger:   compact.NewTrigger(cfg.CompactEvery),
	}
	disp := capture.NewDispatcher(proc, cfg.Workers, cfg.QueueSize, cfg.EncodeTimeout+time.Minute)

	api := &ingestAPI{jobs: disp, maxBytes: cfg.MaxCaptureBytes, now: time.Now}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("clip-ingest HTTP server ready", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP serve error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down clip-ingest")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	httpServer.Shutdown(shutCtx)

	// Let queued captures finish; they are not persisted anywhere else.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.EncodeTimeout+30*time.Second)
	defer drainCancel()
	if err := disp.Stop(drainCtx); err != nil {
		slog.Warn("capture queue not drained", "err", err, "stats", disp.Stats())
	}
	slog.Info("clip-ingest shutdown complete", "stats", disp.Stats())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
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
