package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/adminrpc"
	"github.com/valamuri2020/FYDP-2025-G55/shared/compact"
)

type stubAdmin struct {
	got     *adminrpc.CompactRequest
	started time.Time
	// reports are returned in turn; the last one repeats.
	reports []*adminrpc.LastReportResponse
	polls   int
}

func (s *stubAdmin) Compact(_ context.Context, req *adminrpc.CompactRequest) (*adminrpc.CompactResponse, error) {
	s.got = req
	return &adminrpc.CompactResponse{Accepted: true, StartedAt: s.started}, nil
}

func (s *stubAdmin) LastReport(context.Context) (*adminrpc.LastReportResponse, error) {
	r := s.reports[min(s.polls, len(s.reports)-1)]
	s.polls++
	return r, nil
}

func TestDispatch(t *testing.T) {
	s := &stubAdmin{reports: []*adminrpc.LastReportResponse{{}}}
	ctx := context.Background()

	out, err := dispatch(ctx, s, "compact", []string{"-gap", "15s"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if s.got.Threshold() != 15*time.Second || s.got.Reason != "clipctl" {
		t.Fatalf("request %+v", s.got)
	}
	if resp, ok := out.(*adminrpc.CompactResponse); !ok || !resp.Accepted {
		t.Fatalf("output %#v", out)
	}

	out, err = dispatch(ctx, s, "report", nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := out.(map[string]any); !ok || m["found"] != false {
		t.Fatalf("output %#v", out)
	}

	if _, err := dispatch(ctx, s, "compact", []string{"-gap", "-1s"}, io.Discard); err == nil {
		t.Fatal("negative gap accepted")
	}
	if _, err := dispatch(ctx, s, "purge", nil, io.Discard); err == nil {
		t.Fatal("unknown command accepted")
	}
}

func TestDispatchCompactWait(t *testing.T) {
	pollInterval = time.Millisecond
	started := time.Date(2025, 10, 14, 7, 0, 0, 0, time.UTC)
	old := &compact.Summary{MergedGroups: 9, StartedAt: started.Add(-time.Hour)}
	fresh := &compact.Summary{MergedGroups: 1, StartedAt: started.Add(time.Second)}
	s := &stubAdmin{
		started: started,
		reports: []*adminrpc.LastReportResponse{
			{},
			{Found: true, Summary: old},
			{Found: true, Summary: fresh},
		},
	}

	out, err := dispatch(context.Background(), s, "compact", []string{"-wait"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if sum, ok := out.(compact.Summary); !ok || sum.MergedGroups != 1 {
		t.Fatalf("output %#v", out)
	}
	if s.polls != 3 {
		t.Fatalf("%d polls, want 3", s.polls)
	}

	// A run that never reports gives up with the context.
	s = &stubAdmin{started: started, reports: []*adminrpc.LastReportResponse{{Found: true, Summary: old}}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := dispatch(ctx, s, "compact", []string{"-wait"}, io.Discard); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err %v", err)
	}
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("exit %d", code)
	}
	if !bytes.Contains(stderr.Bytes(), []byte("usage: clipctl")) {
		t.Fatalf("stderr %q", stderr.String())
	}
}
