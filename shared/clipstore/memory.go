package clipstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type memObject struct {
	body        []byte
	contentType string
}

// MemoryStore is an in-process Store for local runs and tests.
// List returns keys in lexicographic order, like S3.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// FailPut, when set, is consulted before every Put; a non-nil return fails it.
	FailPut func(key string) error
	// FailDownload, when set, is consulted before every Download.
	FailDownload func(key string) error
	// FailDelete, when set, is consulted per key on Delete.
	FailDelete func(key string) error

	puts    int
	deletes int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, body []byte, contentType string) error {
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return &StoreError{Op: "put", Key: key, Err: err}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{body: append([]byte(nil), body...), contentType: contentType}
	m.puts++
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, &StoreError{Op: "get", Key: key, Err: ErrNotFound}
	}
	return append([]byte(nil), obj.body...), nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]StoredClipRef, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	refs := make([]StoredClipRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, RefForKey(k))
	}
	return refs, nil
}

func (m *MemoryStore) Download(ctx context.Context, key, localPath string) error {
	if m.FailDownload != nil {
		if err := m.FailDownload(key); err != nil {
			return &StoreError{Op: "download", Key: key, Err: err}
		}
	}
	body, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &StoreError{Op: "download", Key: key, Err: err}
	}
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return &StoreError{Op: "download", Key: key, Err: fmt.Errorf("write %s: %w", localPath, err)}
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys []string) map[string]error {
	out := make(map[string]error, len(keys))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if m.FailDelete != nil {
			if err := m.FailDelete(k); err != nil {
				out[k] = &StoreError{Op: "delete", Key: k, Err: err}
				continue
			}
		}
		delete(m.objects, k)
		m.deletes++
		out[k] = nil
	}
	return out
}

// ContentType returns the content type recorded for key.
func (m *MemoryStore) ContentType(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.contentType, ok
}

// Keys returns all stored keys, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Counts returns how many successful Put and Delete calls (per key) were made.
func (m *MemoryStore) Counts() (puts, deletes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts, m.deletes
}
