// Package encoder wraps the ffmpeg binary used to turn frame sequences into
// clips and to stitch clips together.
//
// ffmpeg is run as a synchronous subprocess. Exit status zero plus a non-empty
// output file is success; anything else is an *EncodingError carrying the
// tool's combined stdout/stderr. Nothing here retries.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/frames"
)

// ErrNoFrames is returned when there is nothing to encode. The tool is not run.
var ErrNoFrames = errors.New("encoder: no input")

// Clip is an encoded video on local disk.
type Clip struct {
	LocalPath  string
	FrameCount int
	// CapturedAt is zero until the clip is tied to a storage key.
	CapturedAt time.Time
}

// EncodingError reports a failed ffmpeg run.
type EncodingError struct {
	Op     string // "encode" | "concat"
	Args   []string
	Output string
	Err    error
}

func (e *EncodingError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = "..." + out[len(out)-512:]
	}
	if out == "" {
		return fmt.Sprintf("ffmpeg %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ffmpeg %s: %v: %s", e.Op, e.Err, out)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// IsEncodingError reports whether err came from a failed encoder run.
func IsEncodingError(err error) bool {
	var e *EncodingError
	return errors.As(err, &e)
}

// FFmpeg runs the ffmpeg CLI. The zero value is usable.
type FFmpeg struct {
	Binary      string        // default "ffmpeg"
	Timeout     time.Duration // per run, default 2m
	Codec       string        // default "libx264"
	PixelFormat string        // default "yuv420p"
	// WaitDelay bounds how long a finished or killed ffmpeg may keep its
	// output pipes open through leftover children. Default 5s.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

const (
	defaultTimeout   = 2 * time.Minute
	defaultWaitDelay = 5 * time.Second
)

func (f *FFmpeg) binary() string {
	if f.Binary != "" {
		return f.Binary
	}
	return "ffmpeg"
}

func (f *FFmpeg) timeout() time.Duration {
	if f.Timeout > 0 {
		return f.Timeout
	}
	return defaultTimeout
}

func (f *FFmpeg) waitDelay() time.Duration {
	if f.WaitDelay > 0 {
		return f.WaitDelay
	}
	return defaultWaitDelay
}

func (f *FFmpeg) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Encode assembles frameFiles into a single clip at outputPath. The files must
// share one directory and be named by frames.FileName starting at index 0,
// which is what frames.WriteFiles produces.
func (f *FFmpeg) Encode(ctx context.Context, frameFiles []string, frameRate int, outputPath string) (Clip, error) {
	if len(frameFiles) == 0 {
		return Clip{}, ErrNoFrames
	}
	if frameRate <= 0 {
		return Clip{}, fmt.Errorf("encoder: invalid frame rate %d", frameRate)
	}
	dir := filepath.Dir(frameFiles[0])
	for i, p := range frameFiles {
		if filepath.Dir(p) != dir || filepath.Base(p) != frames.FileName(i) {
			return Clip{}, fmt.Errorf("encoder: frame %d at %q does not follow %s in %s", i, p, frames.FilePattern, dir)
		}
	}

	codec := f.Codec
	if codec == "" {
		codec = "libx264"
	}
	pixFmt := f.PixelFormat
	if pixFmt == "" {
		pixFmt = "yuv420p"
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-framerate", strconv.Itoa(frameRate),
		"-start_number", "0",
		"-i", filepath.Join(dir, frames.FilePattern),
		"-c:v", codec,
		"-pix_fmt", pixFmt,
		outputPath,
	}
	if err := f.run(ctx, "encode", args, outputPath); err != nil {
		return Clip{}, err
	}
	f.logger().Debug("clip encoded", "output", outputPath, "frames", len(frameFiles), "fps", frameRate)
	return Clip{LocalPath: outputPath, FrameCount: len(frameFiles)}, nil
}

// Concatenate joins clips in exactly the given order without re-encoding.
// The concat list is written next to outputPath and removed afterwards.
func (f *FFmpeg) Concatenate(ctx context.Context, clipPaths []string, outputPath string) (Clip, error) {
	if len(clipPaths) == 0 {
		return Clip{}, ErrNoFrames
	}
	listPath := outputPath + ".concat.txt"
	if err := writeConcatList(listPath, clipPaths); err != nil {
		return Clip{}, err
	}
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outputPath,
	}
	if err := f.run(ctx, "concat", args, outputPath); err != nil {
		return Clip{}, err
	}
	f.logger().Debug("clips concatenated", "output", outputPath, "inputs", len(clipPaths))
	return Clip{LocalPath: outputPath}, nil
}

func (f *FFmpeg) run(ctx context.Context, op string, args []string, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout())
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, f.binary(), args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = f.waitDelay()

	start := time.Now()
	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) {
		// ffmpeg itself exited 0; a stray child held the pipes open.
		f.logger().Warn("ffmpeg left its output pipes open", "op", op, "wait_delay", f.waitDelay())
		err = nil
	}
	if err == nil {
		err = checkOutput(outputPath)
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", f.timeout(), err)
		}
		f.logger().Warn("ffmpeg failed", "op", op, "err", err, "elapsed", time.Since(start))
		return &EncodingError{Op: op, Args: args, Output: out.String(), Err: err}
	}
	return nil
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output %s is empty", path)
	}
	return nil
}

// writeConcatList writes an ffmpeg concat-demuxer script listing paths in order.
func writeConcatList(listPath string, paths []string) error {
	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("concat list: %w", err)
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("concat list: %w", err)
	}
	return nil
}
