// Package catalog defines the Recorder interface for the clip catalog: a
// queryable record of every clip the pipeline stored and every merge the
// compactor performed. The object store stays the source of truth; the catalog
// is bookkeeping for operators and the front-end.
//
// Swap the database by providing a different Recorder; service code stays as is.
package catalog

import (
	"context"
	"time"
)

// Source values for Entry.Source.
const (
	SourceCapture = "capture"
	SourceMerge   = "merge"
)

// Entry describes one stored clip.
type Entry struct {
	Key        string
	CapturedAt time.Time // zero when the key carries no timestamp
	FrameCount int       // 0 for merged clips (unknown without probing)
	SizeBytes  int64
	Source     string   // SourceCapture | SourceMerge
	MergedFrom []string // original keys folded into this clip
	RequestID  string   // ingest request that produced it, if any
}

// Recorder is implemented by every catalog backend.
// All methods must be safe to call from multiple goroutines concurrently.
type Recorder interface {
	// RecordClip upserts an entry keyed by Entry.Key.
	RecordClip(ctx context.Context, e Entry) error

	// RemoveClips drops entries for keys that no longer exist in the store.
	RemoveClips(ctx context.Context, keys []string) error

	// Close releases resources.
	Close() error
}

// Nop is a Recorder that records nothing. Used when no database is configured.
type Nop struct{}

func (Nop) RecordClip(context.Context, Entry) error      { return nil }
func (Nop) RemoveClips(context.Context, []string) error { return nil }
func (Nop) Close() error                                { return nil }
