// Package compact merges stored clips that belong to the same observation
// session into one recording.
//
// A session is recovered purely from key timestamps: clips are sorted by
// capture time and cut into batches wherever the gap between neighbours
// exceeds a threshold. Batches of two or more are concatenated, uploaded, and
// their originals deleted. Singletons are left alone, so compacting an already
// compacted store is a no-op.
package compact

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/clipstore"
)

// DefaultGap is the gap threshold used when none is configured.
const DefaultGap = 10 * time.Second

// MaxThreshold is the largest gap threshold a caller may request.
const MaxThreshold = 7 * 24 * time.Hour

// ThresholdFromSeconds converts a threshold carried as seconds in admin and
// queue messages. Zero stays zero, meaning the configured default.
func ThresholdFromSeconds(secs float64) (time.Duration, error) {
	switch {
	case math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0:
		return 0, fmt.Errorf("threshold must be a non-negative number of seconds, got %v", secs)
	case secs > MaxThreshold.Seconds():
		return 0, fmt.Errorf("threshold %vs exceeds the %v maximum", secs, MaxThreshold)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// GroupByGap partitions refs into batches. Refs without a timestamp are
// dropped. The rest are stable-sorted by CapturedAt (listing order breaks
// ties) and swept once left to right: a ref joins the current batch when it is
// at most threshold after the batch's last member, otherwise it starts a new
// batch. The input slice is not modified.
func GroupByGap(refs []clipstore.StoredClipRef, threshold time.Duration) [][]clipstore.StoredClipRef {
	sorted := make([]clipstore.StoredClipRef, 0, len(refs))
	for _, r := range refs {
		if r.HasTimestamp() {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CapturedAt.Before(sorted[j].CapturedAt)
	})

	var groups [][]clipstore.StoredClipRef
	var cur []clipstore.StoredClipRef
	for _, r := range sorted {
		if len(cur) > 0 && r.CapturedAt.Sub(cur[len(cur)-1].CapturedAt) > threshold {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}
