// Package clipstore defines the Store interface, the single boundary between
// the capture pipeline / compactor and durable object storage.
//
// Clip keys carry the capture time in their name:
//
//	videos/20251014_071502.mp4
//
// so the compactor can recover temporal order purely from a listing. Keys
// without a parseable timestamp are still listed, with a zero CapturedAt.
//
// The Store never retries. Callers decide whether an operation is worth
// repeating.
package clipstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the time format embedded in clip names.
const TimestampLayout = "20060102_150405"

// DefaultPrefix is the namespace all finished clips live under.
const DefaultPrefix = "videos"

var (
	// ErrNotFound means the object does not exist. Optional metadata readers
	// treat it as "use the default".
	ErrNotFound = errors.New("clipstore: object not found")

	// ErrCredentials marks credential or permission misconfiguration, as
	// opposed to a transient network or service fault.
	ErrCredentials = errors.New("clipstore: credentials rejected")
)

// StoreError wraps a backend failure with the operation and key involved.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("clipstore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("clipstore %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the object is absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCredentialError reports whether err is a setup problem with credentials or
// bucket permissions.
func IsCredentialError(err error) bool { return errors.Is(err, ErrCredentials) }

// StoredClipRef is a handle to one stored object.
type StoredClipRef struct {
	Key string
	// CapturedAt is parsed from Key. Zero when the name carries no timestamp.
	CapturedAt time.Time
}

// HasTimestamp reports whether the ref can take part in batching.
func (r StoredClipRef) HasTimestamp() bool { return !r.CapturedAt.IsZero() }

// Store is implemented by every object storage backend.
// All methods must be safe to call from multiple goroutines.
type Store interface {
	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Get returns the object's bytes, or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key is present without fetching its body.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every object under prefix in the backend's listing order.
	List(ctx context.Context, prefix string) ([]StoredClipRef, error)

	// Download writes the object to localPath.
	Download(ctx context.Context, key, localPath string) error

	// Delete removes keys and reports the outcome per key (nil = deleted).
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, keys []string) map[string]error
}

// ClipKey builds the storage key for a clip. A zero capturedAt produces an
// opaque unique name, which the compactor will never batch.
func ClipKey(prefix string, capturedAt time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	var name string
	if capturedAt.IsZero() {
		name = uuid.NewString()
	} else {
		name = capturedAt.UTC().Format(TimestampLayout)
	}
	return path.Join(prefix, name+"."+ext)
}

// maxKeySuffix caps the collision suffixes FreeClipKey will try.
const maxKeySuffix = 100

// FreeClipKey is ClipKey for a new upload: when the timestamped key is taken it
// appends -1, -2, ... so a capture in the same second never replaces an
// existing clip. Suffixed keys parse to the same capture time. The check and
// the later Put are not atomic; two uploads racing for one second can still
// collide.
func FreeClipKey(ctx context.Context, s Store, prefix string, capturedAt time.Time, ext string) (string, error) {
	base := ClipKey(prefix, capturedAt, ext)
	if capturedAt.IsZero() {
		return base, nil
	}
	ext = strings.TrimPrefix(ext, ".")
	stem := strings.TrimSuffix(base, "."+ext)
	for i := 0; i <= maxKeySuffix; i++ {
		key := base
		if i > 0 {
			key = fmt.Sprintf("%s-%d.%s", stem, i, ext)
		}
		taken, err := s.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if !taken {
			return key, nil
		}
	}
	return "", fmt.Errorf("clipstore: %d clips already stored for %s", maxKeySuffix+1, base)
}

// clipName matches "<YYYYMMDD_HHMMSS>[-suffix].<ext>".
var clipName = regexp.MustCompile(`^(\d{8}_\d{6})(?:-[0-9A-Za-z]+)?\.[0-9A-Za-z]+$`)

// ParseClipKey extracts the capture time embedded in key's base name.
func ParseClipKey(key string) (time.Time, bool) {
	m := clipName.FindStringSubmatch(path.Base(key))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimestampLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// RefForKey builds a StoredClipRef, parsing the timestamp when present.
func RefForKey(key string) StoredClipRef {
	t, _ := ParseClipKey(key)
	return StoredClipRef{Key: key, CapturedAt: t}
}

// UploadFile reads localPath and stores it under key.
func UploadFile(ctx context.Context, s Store, key, localPath, contentType string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s for upload: %w", localPath, err)
	}
	return s.Put(ctx, key, body, contentType)
}

// ContentTypeFor returns the MIME type used for clips with the given extension.
func ContentTypeFor(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "mp4", "m4v":
		return "video/mp4"
	case "mkv":
		return "video/x-matroska"
	case "webm":
		return "video/webm"
	case "json":
		return "application/json"
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// Open builds the Store for backend: "s3" or "memory". The memory backend
// loses everything on exit and is meant for local runs.
func Open(ctx context.Context, backend string, cfg S3Config) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "s3":
		s, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
