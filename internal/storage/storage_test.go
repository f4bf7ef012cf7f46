package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

func TestWriteFileAtomicCreatesParentsAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "entity.md")
	if err := WriteFileAtomic(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "hello\n" {
		t.Fatalf("content = %q", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	for _, content := range []string{"one", "two", "three"} {
		if err := WriteTextAtomic(path, content); err != nil {
			t.Fatalf("write %q: %v", content, err)
		}
	}
	got, _ := os.ReadFile(path)
	if string(got) != "three" {
		t.Fatalf("content = %q, want final write", got)
	}
}

func TestReadTextNotFound(t *testing.T) {
	_, err := ReadText(filepath.Join(t.TempDir(), "missing.md"))
	if !errs.IsNotFound(err) {
		t.Fatalf("want NotFound, got %v", err)
	}
	_, ok, err := ReadTextOptional(filepath.Join(t.TempDir(), "missing.md"))
	if err != nil || ok {
		t.Fatalf("optional read: ok=%v err=%v", ok, err)
	}
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	in := map[string]any{"approved": true, "round": float64(2)}
	if err := WriteJSONAtomic(path, in); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.HasSuffix(string(raw), "\n") {
		t.Fatal("json file should end with newline")
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["approved"] != true || out["round"] != float64(2) {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

func TestAppendJSONLOrderAndShape(t *testing.T) {
	dir := t.TempDir()
	stream := filepath.Join(dir, "events.jsonl")
	for i := 0; i < 5; i++ {
		if err := AppendJSONL(stream, map[string]any{"seq": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	var seqs []int
	err := ScanJSONL(stream, func(line []byte) error {
		var rec struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("line not valid json: %q", line)
		}
		seqs = append(seqs, rec.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for i, s := range seqs {
		if s != i {
			t.Fatalf("order broken at %d: %v", i, seqs)
		}
	}
	if len(seqs) != 5 {
		t.Fatalf("got %d records", len(seqs))
	}
}

func TestScanJSONLMissingFile(t *testing.T) {
	called := false
	err := ScanJSONL(filepath.Join(t.TempDir(), "absent.jsonl"), func([]byte) error {
		called = true
		return nil
	})
	if err != nil || called {
		t.Fatalf("missing stream should scan empty: called=%v err=%v", called, err)
	}
}

func TestTailLinesDropsPartialFirstLine(t *testing.T) {
	dir := t.TempDir()
	stream := filepath.Join(dir, "s.jsonl")
	var want []string
	for i := 0; i < 20; i++ {
		rec := map[string]any{"i": i, "pad": strings.Repeat("x", 40)}
		if err := AppendJSONL(stream, rec); err != nil {
			t.Fatal(err)
		}
		b, _ := json.Marshal(rec)
		want = append(want, string(b))
	}
	lines, err := TailLines(stream, 300)
	if err != nil {
		t.Fatalf("TailLines: %v", err)
	}
	if len(lines) == 0 || len(lines) >= 20 {
		t.Fatalf("window should hold a strict suffix, got %d lines", len(lines))
	}
	// The returned suffix must match the stream's own tail, in order.
	tailWant := want[len(want)-len(lines):]
	for i, line := range lines {
		if string(line) != tailWant[i] {
			t.Fatalf("tail[%d] = %q, want %q", i, line, tailWant[i])
		}
	}
}

func TestDelayForAttempt(t *testing.T) {
	cfg := Backoff{InitialDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: 500 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond}, // capped
		{10, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := DelayForAttempt(tc.attempt, cfg, ""); got != tc.want {
			t.Fatalf("attempt %d: got %v want %v", tc.attempt, got, tc.want)
		}
	}

	jcfg := cfg
	jcfg.Jitter = true
	a := DelayForAttempt(2, jcfg, "seed-1")
	b := DelayForAttempt(2, jcfg, "seed-1")
	if a != b {
		t.Fatal("jitter must be deterministic for a fixed seed")
	}
	lo, hi := 100*time.Millisecond, 300*time.Millisecond
	if a < lo || a > hi {
		t.Fatalf("jittered delay %v outside [%v, %v]", a, lo, hi)
	}
}

func TestWithLockRetryContention(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "entity.md")

	lock, err := Acquire(target)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WithLockRetry(ctx, target, DefaultBackoff(), 10, func() error { return nil })
	var cancelled *errs.Cancelled
	if !errors.As(err, &cancelled) {
		t.Fatalf("want Cancelled while contended, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ran := false
	err = WithLockRetry(context.Background(), target, DefaultBackoff(), 10, func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("after release: ran=%v err=%v", ran, err)
	}
}
