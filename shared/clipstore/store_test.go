package clipstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestClipKey(t *testing.T) {
	ts := time.Date(2025, 10, 14, 7, 15, 2, 0, time.UTC)
	if got := ClipKey("videos", ts, ".mp4"); got != "videos/20251014_071502.mp4" {
		t.Fatalf("ClipKey = %q", got)
	}
	// Non-UTC input is normalised.
	est := time.FixedZone("EST", -5*3600)
	if got := ClipKey("videos", ts.In(est), "mp4"); got != "videos/20251014_071502.mp4" {
		t.Fatalf("ClipKey with zone = %q", got)
	}

	opaque := ClipKey("videos", time.Time{}, "mp4")
	if !strings.HasPrefix(opaque, "videos/") || !strings.HasSuffix(opaque, ".mp4") {
		t.Fatalf("opaque key %q", opaque)
	}
	if _, ok := ParseClipKey(opaque); ok {
		t.Fatalf("opaque key %q must not parse as timestamped", opaque)
	}
	if opaque == ClipKey("videos", time.Time{}, "mp4") {
		t.Fatalf("opaque keys must be unique")
	}
}

func TestParseClipKey(t *testing.T) {
	tests := []struct {
		key  string
		ok   bool
		want time.Time
	}{
		{"videos/20251014_071502.mp4", true, time.Date(2025, 10, 14, 7, 15, 2, 0, time.UTC)},
		{"20240101_000000.webm", true, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"videos/20251014_071502-2.mp4", true, time.Date(2025, 10, 14, 7, 15, 2, 0, time.UTC)},
		{"videos/clip.mp4", false, time.Time{}},
		{"videos/20251314_071502.mp4", false, time.Time{}},
		{"videos/20251014_071502", false, time.Time{}},
		{"videos/x20251014_071502.mp4", false, time.Time{}},
		{"videos/_meta/last-compaction.json", false, time.Time{}},
	}
	for _, tt := range tests {
		got, ok := ParseClipKey(tt.key)
		if ok != tt.ok {
			t.Errorf("ParseClipKey(%q) ok=%v, want %v", tt.key, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("ParseClipKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, "videos/20250101_000010.mp4", []byte("b"), "video/mp4"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "videos/20250101_000000.mp4", []byte("a"), "video/mp4"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "videos/notes.txt", []byte("n"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "other/20250101_000000.mp4", []byte("x"), "video/mp4"); err != nil {
		t.Fatal(err)
	}

	refs, err := s.List(ctx, "videos/")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 refs under videos/, got %d", len(refs))
	}
	if refs[0].Key != "videos/20250101_000000.mp4" || !refs[0].HasTimestamp() {
		t.Errorf("first ref %+v", refs[0])
	}
	if refs[2].Key != "videos/notes.txt" || refs[2].HasTimestamp() {
		t.Errorf("untimestamped ref %+v", refs[2])
	}

	_, err = s.Get(ctx, "videos/missing.mp4")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "get" {
		t.Fatalf("expected *StoreError for get, got %T", err)
	}

	local := filepath.Join(t.TempDir(), "sub", "a.mp4")
	if err := s.Download(ctx, "videos/20250101_000000.mp4", local); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(local); string(data) != "a" {
		t.Fatalf("downloaded %q", data)
	}

	res := s.Delete(ctx, []string{"videos/20250101_000000.mp4", "videos/never-existed.mp4"})
	for k, err := range res {
		if err != nil {
			t.Errorf("delete %s: %v", k, err)
		}
	}
	if ct, ok := s.ContentType("videos/notes.txt"); !ok || ct != "text/plain" {
		t.Errorf("content type %q %v", ct, ok)
	}
}

func TestUploadFile(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(p, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := UploadFile(ctx, s, "videos/x.mp4", p, ContentTypeFor(".mp4")); err != nil {
		t.Fatal(err)
	}
	if ct, _ := s.ContentType("videos/x.mp4"); ct != "video/mp4" {
		t.Fatalf("content type %q", ct)
	}
	if err := UploadFile(ctx, s, "videos/y.mp4", filepath.Join(t.TempDir(), "nope"), "video/mp4"); err == nil {
		t.Fatalf("expected error for missing local file")
	}
}

func TestFreeClipKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2025, 10, 14, 7, 0, 0, 0, time.UTC)

	var keys []string
	for i := 0; i < 3; i++ {
		k, err := FreeClipKey(ctx, s, "videos", at, "mp4")
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Put(ctx, k, []byte{byte(i)}, "video/mp4"); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
	}
	want := []string{
		"videos/20251014_070000.mp4",
		"videos/20251014_070000-1.mp4",
		"videos/20251014_070000-2.mp4",
	}
	for i, k := range keys {
		if k != want[i] {
			t.Fatalf("key %d = %s, want %s", i, k, want[i])
		}
		if got, ok := ParseClipKey(k); !ok || !got.Equal(at) {
			t.Fatalf("ParseClipKey(%s) = %v, %v", k, got, ok)
		}
	}

	// An untimed clip gets a fresh opaque name every time.
	a, err := FreeClipKey(ctx, s, "videos", time.Time{}, "mp4")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ParseClipKey(a); ok || !strings.HasPrefix(a, "videos/") {
		t.Fatalf("untimed key %s", a)
	}
}

func TestFreeClipKey_GivesUpAndPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 10, 14, 7, 0, 0, 0, time.UTC)

	if _, err := FreeClipKey(ctx, existsStore{taken: true}, "videos", at, "mp4"); err == nil {
		t.Fatal("expected an error once every suffix is taken")
	}
	boom := errors.New("head failed")
	if _, err := FreeClipKey(ctx, existsStore{err: boom}, "videos", at, "mp4"); !errors.Is(err, boom) {
		t.Fatalf("err %v", err)
	}
}

// existsStore answers Exists with a fixed result.
type existsStore struct {
	*MemoryStore
	taken bool
	err   error
}

func (e existsStore) Exists(context.Context, string) (bool, error) { return e.taken, e.err }
