package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/catalog"
	"github.com/valamuri2020/FYDP-2025-G55/shared/clipstore"
	"github.com/valamuri2020/FYDP-2025-G55/shared/compact"
	"github.com/valamuri2020/FYDP-2025-G55/shared/encoder"
	"github.com/valamuri2020/FYDP-2025-G55/shared/router"
)

func jpeg(body string) []byte {
	b := []byte{0xFF, 0xD8}
	b = append(b, body...)
	return append(b, 0xFF, 0xD9)
}

func dump(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte("noise"))
}

// stubEncoder writes the frame files, in order, into the output.
type stubEncoder struct {
	mu    sync.Mutex
	calls int
	rate  int
	err   error
	dirs  []string // directory of each output path
	// started/release make Encode block until the test lets it go.
	started chan struct{}
	release chan struct{}
}

func (s *stubEncoder) Encode(ctx context.Context, files []string, rate int, out string) (encoder.Clip, error) {
	s.mu.Lock()
	s.calls++
	s.rate = rate
	s.dirs = append(s.dirs, filepath.Dir(out))
	s.mu.Unlock()
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return encoder.Clip{}, s.err
	}
	var buf bytes.Buffer
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return encoder.Clip{}, err
		}
		buf.Write(data)
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return encoder.Clip{}, err
	}
	return encoder.Clip{LocalPath: out, FrameCount: len(files)}, nil
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch left behind in %s: %v", dir, entries)
	}
}

var capturedAt = time.Date(2025, 10, 14, 7, 0, 0, 0, time.UTC)

func TestProcess_StoresClip(t *testing.T) {
	store := clipstore.NewMemoryStore()
	enc := &stubEncoder{}
	work := t.TempDir()
	p := &Processor{Store: store, Encoder: enc, WorkDir: work}

	res, err := p.Process(context.Background(), Job{
		ID:         "req1",
		Data:       dump(jpeg("a"), jpeg("b"), jpeg("c")),
		CapturedAt: capturedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "videos/20251014_070000.mp4"
	if res.Key != want || res.Frames != 3 || res.NoFrames {
		t.Fatalf("result %+v", res)
	}
	body, err := store.Get(context.Background(), want)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, bytes.Join([][]byte{jpeg("a"), jpeg("b"), jpeg("c")}, nil)) {
		t.Fatalf("clip body %q", body)
	}
	if ct, _ := store.ContentType(want); ct != clipstore.ContentTypeFor("mp4") {
		t.Fatalf("content type %q", ct)
	}
	if enc.rate != DefaultFrameRate {
		t.Fatalf("frame rate %d", enc.rate)
	}
	assertEmptyDir(t, work)
}

func TestProcess_NoFrames(t *testing.T) {
	store := clipstore.NewMemoryStore()
	enc := &stubEncoder{}
	work := t.TempDir()
	p := &Processor{Store: store, Encoder: enc, WorkDir: work}

	for _, data := range [][]byte{nil, []byte("garbage"), {0xFF, 0xD8, 0x01, 0x02}} {
		res, err := p.Process(context.Background(), Job{ID: "empty", Data: data, CapturedAt: capturedAt})
		if err != nil {
			t.Fatal(err)
		}
		if !res.NoFrames || res.Key != "" {
			t.Fatalf("result %+v", res)
		}
	}
	if enc.calls != 0 {
		t.Fatalf("encoder called %d times", enc.calls)
	}
	if puts, _ := store.Counts(); puts != 0 {
		t.Fatalf("%d puts", puts)
	}
	assertEmptyDir(t, work)
}

func TestProcess_FailuresCleanUp(t *testing.T) {
	encErr := &encoder.EncodingError{Op: "encode", Err: errors.New("exit status 1")}

	t.Run("encode", func(t *testing.T) {
		store := clipstore.NewMemoryStore()
		work := t.TempDir()
		p := &Processor{Store: store, Encoder: &stubEncoder{err: encErr}, WorkDir: work}
		_, err := p.Process(context.Background(), Job{ID: "x", Data: jpeg("a"), CapturedAt: capturedAt})
		if !encoder.IsEncodingError(err) {
			t.Fatalf("got %v, want encoding error", err)
		}
		if len(store.Keys()) != 0 {
			t.Fatalf("stored %v", store.Keys())
		}
		assertEmptyDir(t, work)
	})

	t.Run("upload", func(t *testing.T) {
		store := clipstore.NewMemoryStore()
		store.FailPut = func(string) error { return errors.New("bucket unavailable") }
		work := t.TempDir()
		p := &Processor{Store: store, Encoder: &stubEncoder{}, WorkDir: work}
		res, err := p.Process(context.Background(), Job{ID: "x", Data: jpeg("a"), CapturedAt: capturedAt})
		if err == nil {
			t.Fatal("expected upload error")
		}
		if res.Key != "" {
			t.Fatalf("key set on failure: %q", res.Key)
		}
		assertEmptyDir(t, work)
	})
}

func TestProcess_UntimedCaptureGetsOpaqueKey(t *testing.T) {
	store := clipstore.NewMemoryStore()
	p := &Processor{Store: store, Encoder: &stubEncoder{}, WorkDir: t.TempDir()}
	res, err := p.Process(context.Background(), Job{ID: "x", Data: jpeg("a")})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := clipstore.ParseClipKey(res.Key); ok {
		t.Fatalf("untimed capture got a timestamp key %q", res.Key)
	}
	if filepath.Dir(res.Key) != "videos" {
		t.Fatalf("key %q outside prefix", res.Key)
	}
}

type recordingCatalog struct {
	catalog.Nop
	mu      sync.Mutex
	entries []catalog.Entry
}

func (r *recordingCatalog) RecordClip(_ context.Context, e catalog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func TestProcess_EventsAndCompactionTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := router.NewLocalRouter()
	stored, _ := events.Subscribe(ctx, router.SubjectClipStored)
	compactions, _ := events.Subscribe(ctx, router.SubjectCompact)
	cat := &recordingCatalog{}

	p := &Processor{
		Store:   clipstore.NewMemoryStore(),
		Encoder: &stubEncoder{},
		WorkDir: t.TempDir(),
		Catalog: cat,
		Events:  events,
		Trigger: compact.NewTrigger(2),
	}
	for i := 0; i < 3; i++ {
		_, err := p.Process(ctx, Job{ID: "req", Data: jpeg("a"), CapturedAt: capturedAt.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatal(err)
		}
	}

	if len(cat.entries) != 3 || cat.entries[0].Source != catalog.SourceCapture || cat.entries[0].RequestID != "req" {
		t.Fatalf("catalog %+v", cat.entries)
	}
	if len(stored) != 3 {
		t.Fatalf("%d clip events, want 3", len(stored))
	}
	var evt router.ClipStoredEvent
	if err := json.Unmarshal((<-stored).Data, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Key != "videos/20251014_070000.mp4" || evt.FrameCount != 1 {
		t.Fatalf("event %+v", evt)
	}
	if len(compactions) != 1 {
		t.Fatalf("%d compaction requests, want 1", len(compactions))
	}
}

func TestProcess_ConcurrentJobsWithSameIDStayApart(t *testing.T) {
	store := clipstore.NewMemoryStore()
	enc := &stubEncoder{}
	work := t.TempDir()
	p := &Processor{Store: store, Encoder: enc, WorkDir: work}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Process(context.Background(), Job{
				ID:         "same",
				Data:       dump(jpeg(fmt.Sprintf("job%d-a", i)), jpeg(fmt.Sprintf("job%d-b", i))),
				CapturedAt: capturedAt.Add(time.Duration(i) * time.Second),
			})
			errs[i], keys[i] = err, res.Key
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("job %d: %v", i, errs[i])
		}
		body, err := store.Get(context.Background(), keys[i])
		if err != nil {
			t.Fatal(err)
		}
		want := append(jpeg(fmt.Sprintf("job%d-a", i)), jpeg(fmt.Sprintf("job%d-b", i))...)
		if !bytes.Equal(body, want) {
			t.Fatalf("job %d clip %q, want %q", i, body, want)
		}
	}
	seen := map[string]bool{}
	for _, d := range enc.dirs {
		if seen[d] {
			t.Fatalf("scratch dir %s shared between jobs", d)
		}
		seen[d] = true
	}
	if len(seen) != n {
		t.Fatalf("%d scratch dirs, want %d", len(seen), n)
	}
	assertEmptyDir(t, work)
}

func TestProcess_SameSecondCapturesKeepBothClips(t *testing.T) {
	store := clipstore.NewMemoryStore()
	p := &Processor{Store: store, Encoder: &stubEncoder{}, WorkDir: t.TempDir()}

	first, err := p.Process(context.Background(), Job{ID: "a", Data: jpeg("first"), CapturedAt: capturedAt})
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Process(context.Background(), Job{ID: "b", Data: jpeg("second"), CapturedAt: capturedAt.Add(400 * time.Millisecond)})
	if err != nil {
		t.Fatal(err)
	}
	if first.Key != "videos/20251014_070000.mp4" || second.Key != "videos/20251014_070000-1.mp4" {
		t.Fatalf("keys %q, %q", first.Key, second.Key)
	}
	for key, want := range map[string][]byte{first.Key: jpeg("first"), second.Key: jpeg("second")} {
		body, err := store.Get(context.Background(), key)
		if err != nil || !bytes.Equal(body, want) {
			t.Fatalf("%s = %q, %v", key, body, err)
		}
	}
}

// failingRouter rejects every publish.
type failingRouter struct {
	router.MessageRouter
	mu    sync.Mutex
	calls int
}

func (f *failingRouter) Publish(context.Context, string, []byte, ...router.PubOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("nats: no responders available for request")
}

func TestProcess_PublishFailureDoesNotFailJob(t *testing.T) {
	store := clipstore.NewMemoryStore()
	events := &failingRouter{}
	p := &Processor{
		Store:   store,
		Encoder: &stubEncoder{},
		WorkDir: t.TempDir(),
		Events:  events,
		Trigger: compact.NewTrigger(1),
	}
	res, err := p.Process(context.Background(), Job{ID: "x", Data: jpeg("a"), CapturedAt: capturedAt})
	if err != nil {
		t.Fatal(err)
	}
	if res.Key != "videos/20251014_070000.mp4" {
		t.Fatalf("result %+v", res)
	}
	if _, err := store.Get(context.Background(), res.Key); err != nil {
		t.Fatal(err)
	}
	if events.calls != 2 {
		t.Fatalf("%d publish attempts, want clip event and compaction request", events.calls)
	}
}

func TestDispatcher_QueueFullAndDrain(t *testing.T) {
	store := clipstore.NewMemoryStore()
	enc := &stubEncoder{started: make(chan struct{}, 4), release: make(chan struct{})}
	p := &Processor{Store: store, Encoder: enc, WorkDir: t.TempDir()}
	d := NewDispatcher(p, 1, 1, time.Minute)

	job := func(sec int) Job {
		return Job{ID: "j", Data: jpeg("a"), CapturedAt: capturedAt.Add(time.Duration(sec) * time.Second)}
	}
	if err := d.Submit(job(0)); err != nil {
		t.Fatal(err)
	}
	<-enc.started // worker is busy with the first job
	if err := d.Submit(job(1)); err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(job(2)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}

	close(enc.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(job(3)); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v, want ErrStopped", err)
	}

	st := d.Stats()
	if st.Submitted != 2 || st.Stored != 2 || st.Failed != 0 || st.Queued != 0 {
		t.Fatalf("stats %+v", st)
	}
	if len(store.Keys()) != 2 {
		t.Fatalf("keys %v", store.Keys())
	}
}

func TestDispatcher_CountsOutcomes(t *testing.T) {
	enc := &stubEncoder{}
	p := &Processor{Store: clipstore.NewMemoryStore(), Encoder: enc, WorkDir: t.TempDir()}
	d := NewDispatcher(p, 2, 8, time.Minute)

	_ = d.Submit(Job{ID: "ok", Data: jpeg("a"), CapturedAt: capturedAt})
	_ = d.Submit(Job{ID: "blank", Data: []byte("nothing here")})
	if err := d.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	enc.err = errors.New("boom")
	d2 := NewDispatcher(p, 1, 1, time.Minute)
	_ = d2.Submit(Job{ID: "bad", Data: jpeg("a"), CapturedAt: capturedAt})
	_ = d2.Stop(context.Background())

	if st := d.Stats(); st.Stored != 1 || st.NoFrames != 1 {
		t.Fatalf("stats %+v", st)
	}
	if st := d2.Stats(); st.Failed != 1 {
		t.Fatalf("stats %+v", st)
	}
}
