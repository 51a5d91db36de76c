// Package capture runs the extraction-and-encode unit of work for one raw
// capture dump: extract frames, encode a clip, upload it, clean up.
//
// Every invocation gets its own scratch directory named after the request ID,
// so concurrent captures never share frame files.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/catalog"
	"github.com/valamuri2020/FYDP-2025-G55/shared/clipstore"
	"github.com/valamuri2020/FYDP-2025-G55/shared/compact"
	"github.com/valamuri2020/FYDP-2025-G55/shared/encoder"
	"github.com/valamuri2020/FYDP-2025-G55/shared/frames"
	"github.com/valamuri2020/FYDP-2025-G55/shared/router"
)

// DefaultFrameRate is the clip frame rate when none is configured.
const DefaultFrameRate = 10

// Encoder assembles numbered frame files into a clip. *encoder.FFmpeg implements it.
type Encoder interface {
	Encode(ctx context.Context, frameFiles []string, frameRate int, outputPath string) (encoder.Clip, error)
}

// Job is one capture dump waiting to be processed.
type Job struct {
	ID   string // request ID; names the scratch directory
	Data []byte
	// CapturedAt names the stored clip. Zero gives the clip an opaque name.
	CapturedAt time.Time
	ReceivedAt time.Time
}

// Result describes a finished job.
type Result struct {
	RequestID string
	Key       string // empty when nothing was stored
	Frames    int
	// NoFrames is set when the dump held no complete frame. Not an error.
	NoFrames bool
}

// Processor turns capture dumps into stored clips.
type Processor struct {
	Store   clipstore.Store
	Encoder Encoder

	FrameRate int    // default DefaultFrameRate
	Prefix    string // default clipstore.DefaultPrefix
	Ext       string // default "mp4"
	WorkDir   string // parent of per-job scratch dirs, default os.TempDir()

	// Optional collaborators.
	Catalog catalog.Recorder
	Events  router.MessageRouter
	// Trigger, when it fires, makes the processor publish a compaction request.
	Trigger *compact.Trigger
	Logger  *slog.Logger
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Processor) frameRate() int {
	if p.FrameRate > 0 {
		return p.FrameRate
	}
	return DefaultFrameRate
}

func (p *Processor) prefix() string {
	if p.Prefix == "" {
		return clipstore.DefaultPrefix
	}
	return strings.TrimSuffix(p.Prefix, "/")
}

func (p *Processor) ext() string {
	if p.Ext == "" {
		return "mp4"
	}
	return strings.TrimPrefix(p.Ext, ".")
}

// Process runs one job to completion. Steps are strictly sequential; the
// scratch directory, frames and local clip included, is removed on return
// whatever the outcome.
func (p *Processor) Process(ctx context.Context, job Job) (Result, error) {
	res := Result{RequestID: job.ID}
	log := p.logger().With("request_id", job.ID, "bytes", len(job.Data))

	dir, err := os.MkdirTemp(p.WorkDir, "capture-"+job.ID+"-")
	if err != nil {
		return res, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("scratch cleanup failed", "dir", dir, "err", err)
		}
	}()

	found := frames.Extract(job.Data)
	res.Frames = len(found)
	if len(found) == 0 {
		res.NoFrames = true
		log.Info("capture held no complete frames, nothing to encode")
		return res, nil
	}

	paths, err := frames.WriteFiles(filepath.Join(dir, "frames"), found)
	if err != nil {
		return res, err
	}

	clip, err := p.Encoder.Encode(ctx, paths, p.frameRate(), filepath.Join(dir, "clip."+p.ext()))
	if err != nil {
		return res, fmt.Errorf("encode %d frames: %w", len(found), err)
	}
	clip.CapturedAt = job.CapturedAt

	key, err := clipstore.FreeClipKey(ctx, p.Store, p.prefix(), job.CapturedAt, p.ext())
	if err != nil {
		return res, fmt.Errorf("choose clip key: %w", err)
	}
	if err := clipstore.UploadFile(ctx, p.Store, key, clip.LocalPath, clipstore.ContentTypeFor(p.ext())); err != nil {
		return res, fmt.Errorf("upload clip: %w", err)
	}
	res.Key = key
	log.Info("clip stored", "key", key, "frames", clip.FrameCount)

	p.afterUpload(ctx, log, job, clip, key)
	return res, nil
}

// afterUpload handles bookkeeping that must not fail the job: the clip is
// already durable.
func (p *Processor) afterUpload(ctx context.Context, log *slog.Logger, job Job, clip encoder.Clip, key string) {
	if p.Catalog != nil {
		var size int64
		if info, err := os.Stat(clip.LocalPath); err == nil {
			size = info.Size()
		}
		err := p.Catalog.RecordClip(ctx, catalog.Entry{
			Key:        key,
			CapturedAt: clip.CapturedAt,
			FrameCount: clip.FrameCount,
			SizeBytes:  size,
			Source:     catalog.SourceCapture,
			RequestID:  job.ID,
		})
		if err != nil {
			log.Warn("catalog record failed", "key", key, "err", err)
		}
	}

	if p.Events == nil {
		return
	}
	evt, err := json.Marshal(router.ClipStoredEvent{
		Key:        key,
		CapturedAt: clip.CapturedAt,
		FrameCount: clip.FrameCount,
		Source:     catalog.SourceCapture,
		RequestID:  job.ID,
	})
	if err == nil {
		err = p.Events.Publish(ctx, router.SubjectClipStored, evt)
	}
	if err != nil {
		log.Warn("publish clip event failed", "key", key, "err", err)
	}

	if p.Trigger.Observe() {
		n := p.Trigger.Count()
		req, err := json.Marshal(router.CompactRequest{Reason: "stored " + strconv.FormatInt(n, 10) + " clips"})
		if err == nil {
			err = p.Events.Publish(ctx, router.SubjectCompact, req, router.PubOptions{
				DeduplicationID: "compact-" + job.ID,
			})
		}
		if err != nil {
			log.Warn("publish compaction request failed", "err", err)
		} else {
			log.Info("compaction requested", "clips_stored", n)
		}
	}
}
