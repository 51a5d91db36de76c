package compact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/catalog"
	"github.com/valamuri2020/FYDP-2025-G55/shared/clipstore"
	"github.com/valamuri2020/FYDP-2025-G55/shared/encoder"
	"github.com/valamuri2020/FYDP-2025-G55/shared/router"
)

// Concatenator joins already-encoded clips in the order given.
// *encoder.FFmpeg implements it.
type Concatenator interface {
	Concatenate(ctx context.Context, clipPaths []string, outputPath string) (encoder.Clip, error)
}

// GroupReport describes what happened to one batch.
type GroupReport struct {
	Keys      []string `json:"keys"`
	MergedKey string   `json:"merged_key,omitempty"`
	Deleted   int      `json:"deleted,omitempty"`
	// Undeleted lists originals still in the store after a successful merge.
	// They are retried at the start of the next run.
	Undeleted []string `json:"undeleted,omitempty"`
	Skipped   bool     `json:"skipped,omitempty"` // singleton, left in place
	Error     string   `json:"error,omitempty"`
}

// Summary is the outcome of one Compact call.
type Summary struct {
	MergedGroups      int           `json:"merged_groups"`
	DeletedOriginals  int           `json:"deleted_originals"`
	SkippedSingletons int           `json:"skipped_singletons"`
	FailedGroups      int           `json:"failed_groups"`
	RetriedDeletes    int           `json:"retried_deletes,omitempty"`
	PendingDeletes    []string      `json:"pending_deletes,omitempty"`
	Threshold         time.Duration `json:"threshold_ns"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
	Groups            []GroupReport `json:"groups,omitempty"`
}

// Compactor merges temporally adjacent clips under Prefix.
type Compactor struct {
	Store   clipstore.Store
	Encoder Concatenator

	Prefix  string // default clipstore.DefaultPrefix
	Ext     string // extension of merged clips, default "mp4"
	WorkDir string // parent of per-group scratch dirs, default os.TempDir()
	// PendingKey holds originals that were merged but could not be deleted.
	// Default DefaultPendingKey.
	PendingKey string

	// Optional collaborators.
	Catalog catalog.Recorder
	Events  router.MessageRouter
	Logger  *slog.Logger
}

func (c *Compactor) prefix() string {
	if c.Prefix == "" {
		return clipstore.DefaultPrefix
	}
	return strings.TrimSuffix(c.Prefix, "/")
}

func (c *Compactor) ext() string {
	if c.Ext == "" {
		return "mp4"
	}
	return strings.TrimPrefix(c.Ext, ".")
}

func (c *Compactor) pendingKey() string {
	if c.PendingKey == "" {
		return DefaultPendingKey
	}
	return c.PendingKey
}

func (c *Compactor) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Compact runs one pass over the store. A failure to list the store or to
// keep track of pending deletes, or ctx ending, fails the call; a failed group
// is recorded in the summary and processing moves on to the next group.
//
// Originals left behind by an earlier merge are deleted first and kept out of
// grouping.
func (c *Compactor) Compact(ctx context.Context, threshold time.Duration) (sum Summary, err error) {
	sum = Summary{Threshold: threshold, StartedAt: time.Now().UTC()}
	log := c.logger().With("threshold", threshold)

	loaded, err := c.loadPending(ctx)
	if err != nil {
		return sum, fmt.Errorf("load pending deletes: %w", err)
	}
	pending := c.retryDeletes(ctx, log, loaded)
	sum.RetriedDeletes = len(loaded) - len(pending)

	defer func() {
		sum.PendingDeletes = pending
		if serr := c.savePending(context.WithoutCancel(ctx), len(loaded) > 0, pending); serr != nil {
			log.Error("save pending deletes failed", "key", c.pendingKey(), "keys", pending, "err", serr)
			if err == nil {
				err = fmt.Errorf("save pending deletes: %w", serr)
			}
		}
	}()

	refs, err := c.Store.List(ctx, c.prefix()+"/")
	if err != nil {
		return sum, fmt.Errorf("list clips: %w", err)
	}
	refs = withoutKeys(refs, pending)
	groups := GroupByGap(refs, threshold)
	log.Info("compaction started", "clips", len(refs), "groups", len(groups), "pending_deletes", len(pending))

	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			sum.FinishedAt = time.Now().UTC()
			return sum, err
		}
		keys := refKeys(g)
		if len(g) < 2 {
			sum.SkippedSingletons++
			sum.Groups = append(sum.Groups, GroupReport{Keys: keys, Skipped: true})
			continue
		}

		rep := c.mergeGroup(ctx, log.With("group", i), g)
		sum.DeletedOriginals += rep.Deleted
		pending = append(pending, rep.Undeleted...)
		if rep.Error != "" {
			sum.FailedGroups++
		} else {
			sum.MergedGroups++
		}
		sum.Groups = append(sum.Groups, rep)
	}

	sum.FinishedAt = time.Now().UTC()
	log.Info("compaction finished",
		"merged_groups", sum.MergedGroups,
		"deleted_originals", sum.DeletedOriginals,
		"skipped_singletons", sum.SkippedSingletons,
		"failed_groups", sum.FailedGroups,
		"elapsed", sum.FinishedAt.Sub(sum.StartedAt),
	)
	return sum, nil
}

// mergeGroup downloads, concatenates and uploads one batch, then deletes its
// originals. Originals are only touched after the upload succeeded. The
// scratch directory is removed on every path. Originals that survive the
// delete are reported in Undeleted and the group counts as failed.
func (c *Compactor) mergeGroup(ctx context.Context, log *slog.Logger, g []clipstore.StoredClipRef) GroupReport {
	rep := GroupReport{Keys: refKeys(g)}
	fail := func(stage string, err error) GroupReport {
		rep.Error = fmt.Sprintf("%s: %v", stage, err)
		log.Error("group merge aborted, originals kept", "stage", stage, "keys", rep.Keys, "err", err)
		return rep
	}

	first := g[0].CapturedAt
	dir, err := os.MkdirTemp(c.WorkDir, "compact-"+first.UTC().Format(clipstore.TimestampLayout)+"-")
	if err != nil {
		return fail("workdir", err)
	}
	defer os.RemoveAll(dir)

	locals := make([]string, 0, len(g))
	for i, ref := range g {
		p := filepath.Join(dir, fmt.Sprintf("%04d%s", i, path.Ext(ref.Key)))
		if err := c.Store.Download(ctx, ref.Key, p); err != nil {
			return fail("download", err)
		}
		locals = append(locals, p)
	}

	out := filepath.Join(dir, "merged."+c.ext())
	clip, err := c.Encoder.Concatenate(ctx, locals, out)
	if err != nil {
		return fail("concatenate", err)
	}

	mergedKey := mergedKeyFor(c.prefix(), g, c.ext())
	if err := clipstore.UploadFile(ctx, c.Store, mergedKey, clip.LocalPath, clipstore.ContentTypeFor(c.ext())); err != nil {
		return fail("upload", err)
	}
	rep.MergedKey = mergedKey

	// The merged clip lands on the first member's key; that key now holds the
	// merge and must survive.
	var stale []string
	for _, k := range rep.Keys {
		if k != mergedKey {
			stale = append(stale, k)
		}
	}
	var deleted []string
	for k, derr := range c.Store.Delete(ctx, stale) {
		if derr != nil {
			log.Warn("delete original failed", "key", k, "err", derr)
			rep.Undeleted = append(rep.Undeleted, k)
			continue
		}
		deleted = append(deleted, k)
	}
	sort.Strings(rep.Undeleted)
	rep.Deleted = len(deleted)

	c.record(ctx, log, mergedKey, first, clip, rep.Keys, deleted)
	if len(rep.Undeleted) > 0 {
		rep.Error = fmt.Sprintf("delete: %d of %d originals not removed", len(rep.Undeleted), len(stale))
		log.Error("group merged but originals remain", "merged_key", mergedKey, "undeleted", rep.Undeleted)
		return rep
	}
	log.Info("group merged", "merged_key", mergedKey, "members", len(g), "deleted", rep.Deleted)
	return rep
}

// mergedKeyFor names a merge after its earliest member, reusing that member's
// key when the extension matches so no unrelated clip is overwritten.
func mergedKeyFor(prefix string, g []clipstore.StoredClipRef, ext string) string {
	if path.Ext(g[0].Key) == "."+ext {
		return g[0].Key
	}
	return clipstore.ClipKey(prefix, g[0].CapturedAt, ext)
}

func (c *Compactor) record(ctx context.Context, log *slog.Logger, key string, capturedAt time.Time, clip encoder.Clip, members, deleted []string) {
	if c.Catalog != nil {
		var size int64
		if info, err := os.Stat(clip.LocalPath); err == nil {
			size = info.Size()
		}
		err := c.Catalog.RecordClip(ctx, catalog.Entry{
			Key:        key,
			CapturedAt: capturedAt,
			SizeBytes:  size,
			Source:     catalog.SourceMerge,
			MergedFrom: members,
		})
		if err != nil {
			log.Warn("catalog record failed", "key", key, "err", err)
		}
		if err := c.Catalog.RemoveClips(ctx, deleted); err != nil {
			log.Warn("catalog remove failed", "keys", deleted, "err", err)
		}
	}
	if c.Events != nil {
		data, err := json.Marshal(router.ClipStoredEvent{
			Key:        key,
			CapturedAt: capturedAt,
			Source:     catalog.SourceMerge,
			MergedFrom: members,
		})
		if err == nil {
			err = c.Events.Publish(ctx, router.SubjectClipStored, data)
		}
		if err != nil {
			log.Warn("publish merge event failed", "key", key, "err", err)
		}
	}
}

// ─── pending deletes ─────────────────────────────────────────────────────────

// DefaultPendingKey is where a Compactor keeps originals it merged but failed
// to delete. Like the report it sits outside the clip prefix.
const DefaultPendingKey = "_meta/pending-deletes.json"

func (c *Compactor) loadPending(ctx context.Context) ([]string, error) {
	data, err := c.Store.Get(ctx, c.pendingKey())
	if clipstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.pendingKey(), err)
	}
	return keys, nil
}

// retryDeletes deletes keys and returns the ones still present.
func (c *Compactor) retryDeletes(ctx context.Context, log *slog.Logger, keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	var still, deleted []string
	for k, err := range c.Store.Delete(ctx, keys) {
		if err != nil {
			log.Warn("pending delete failed again", "key", k, "err", err)
			still = append(still, k)
			continue
		}
		deleted = append(deleted, k)
	}
	sort.Strings(still)
	log.Info("pending deletes retried", "deleted", len(deleted), "remaining", len(still))
	if c.Catalog != nil && len(deleted) > 0 {
		if err := c.Catalog.RemoveClips(ctx, deleted); err != nil {
			log.Warn("catalog remove failed", "keys", deleted, "err", err)
		}
	}
	return still
}

// savePending writes keys, or clears the record when nothing is pending and
// one existed before.
func (c *Compactor) savePending(ctx context.Context, existed bool, keys []string) error {
	if len(keys) == 0 {
		if !existed {
			return nil
		}
		if err := c.Store.Delete(ctx, []string{c.pendingKey()})[c.pendingKey()]; err != nil && !clipstore.IsNotFound(err) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return c.Store.Put(ctx, c.pendingKey(), data, clipstore.ContentTypeFor("json"))
}

func withoutKeys(refs []clipstore.StoredClipRef, keys []string) []clipstore.StoredClipRef {
	if len(keys) == 0 {
		return refs
	}
	skip := make(map[string]bool, len(keys))
	for _, k := range keys {
		skip[k] = true
	}
	out := refs[:0:0]
	for _, r := range refs {
		if !skip[r.Key] {
			out = append(out, r)
		}
	}
	return out
}

func refKeys(g []clipstore.StoredClipRef) []string {
	keys := make([]string, len(g))
	for i, r := range g {
		keys[i] = r.Key
	}
	return keys
}

// ErrAlreadyRunning is returned by Runner.Run and Runner.Start while another
// run is in progress.
var ErrAlreadyRunning = errors.New("compaction already running")
