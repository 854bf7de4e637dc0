package builder

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/regro/repodata-tools/internal/retry"
	"github.com/regro/repodata-tools/internal/shard"
	"github.com/regro/repodata-tools/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// idle keep-alive connections from httptest clients
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 5, BaseInterval: time.Microsecond, MaxInterval: time.Millisecond}
}

func urlFor(label, subdir, pkg string) string {
	return "https://mirror.invalid/" + label + "/" + subdir + "/" + pkg
}

func TestDefaultParallelism(t *testing.T) {
	tests := []struct {
		maxBytes int64
		want     int
	}{
		{0, 16},
		{100, 16},
		{50_000_000, 16},
		{100_000_000, 10},
		{300_000_000, 3},
		{1_000_000_000, 1},
		{2_500_000_000, 1},
	}
	for _, tt := range tests {
		if got := DefaultParallelism(tt.maxBytes); got != tt.want {
			t.Errorf("DefaultParallelism(%d) = %d, want %d", tt.maxBytes, got, tt.want)
		}
	}
}

type fakeBuilder struct {
	mu       sync.Mutex
	attempts map[shard.Key]int
	failFor  map[string]int // package -> failing attempts before success, -1 forever
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeBuilder) Build(ctx context.Context, req Request, url string) (*shard.Shard, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.attempts[req.Key]++
	n := f.attempts[req.Key]
	f.mu.Unlock()

	if fails, ok := f.failFor[req.Key.Package]; ok && (fails < 0 || n <= fails) {
		return nil, errors.New("upstream hiccup")
	}
	return &shard.Shard{
		Subdir:  req.Key.Subdir,
		Package: req.Key.Package,
		Labels:  []string{req.Label},
		URL:     url,
	}, nil
}

func requests(n int, size int64) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{
			Key:   shard.Key{Subdir: "linux-64", Package: string(rune('a'+i)) + "-1-0.tar.bz2"},
			Label: "main",
			Size:  size,
		}
	}
	return reqs
}

func TestPoolRunsAllAndBoundsParallelism(t *testing.T) {
	fb := &fakeBuilder{attempts: map[shard.Key]int{}, failFor: map[string]int{}}
	pool := NewPool(fb, urlFor,
		WithLogger(zaptest.NewLogger(t)),
		WithRetryPolicy(fastRetry()),
		WithParallelism(func(int64) int { return 3 }),
	)

	reqs := requests(12, 10)
	results := pool.Run(context.Background(), reqs)

	if len(results) != len(reqs) {
		t.Fatalf("Run() returned %d results, want %d", len(results), len(reqs))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("result %d error: %v", i, r.Err)
			continue
		}
		if r.Request.Key != reqs[i].Key || r.Shard.Key() != reqs[i].Key {
			t.Errorf("result %d out of order: %v", i, r.Shard.Key())
		}
		if want := urlFor("main", "linux-64", reqs[i].Key.Package); r.Shard.URL != want {
			t.Errorf("result %d url = %q, want %q", i, r.Shard.URL, want)
		}
	}
	if peak := fb.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	fb := &fakeBuilder{
		attempts: map[shard.Key]int{},
		failFor:  map[string]int{"a-1-0.tar.bz2": 2, "b-1-0.tar.bz2": -1},
	}
	pool := NewPool(fb, urlFor, WithRetryPolicy(fastRetry()))

	reqs := requests(3, 0)
	results := pool.Run(context.Background(), reqs)

	if results[0].Err != nil || results[0].Shard == nil {
		t.Errorf("flaky build should succeed after retries: %+v", results[0])
	}
	if results[1].Err == nil || results[1].Shard != nil {
		t.Errorf("persistent failure should yield an error and no shard: %+v", results[1])
	}
	if results[2].Err != nil {
		t.Errorf("healthy build failed: %v", results[2].Err)
	}

	if got := fb.attempts[reqs[0].Key]; got != 3 {
		t.Errorf("flaky attempts = %d, want 3", got)
	}
	if got := fb.attempts[reqs[1].Key]; got != 5 {
		t.Errorf("failing attempts = %d, want 5", got)
	}
}

func TestPoolEmpty(t *testing.T) {
	pool := NewPool(&fakeBuilder{}, urlFor)
	if got := pool.Run(context.Background(), nil); len(got) != 0 {
		t.Errorf("Run(nil) = %v, want empty", got)
	}
}

func TestHTTPBuilder(t *testing.T) {
	body := []byte("not really a tarball")
	sum := md5.Sum(body)
	md5hex := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cfg := upstream.DefaultConfig()
	cfg.ChannelURL = srv.URL + "/conda-forge"
	cfg.RetryMax = 0
	client, err := upstream.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := NewHTTPBuilder(client, zaptest.NewLogger(t))

	req := Request{
		Key:   shard.Key{Subdir: "noarch", Package: "a-1-0.tar.bz2"},
		Label: "dev",
		Size:  int64(len(body)),
		Entry: map[string]any{"md5": md5hex, "depends": []any{"python"}},
	}
	url := client.PackageURL("dev", "noarch", "a-1-0.tar.bz2")

	sh, err := b.Build(context.Background(), req, url)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"dev"}, sh.Labels); diff != "" {
		t.Errorf("Labels mismatch (-want +got):\n%s", diff)
	}
	if sh.URL != url {
		t.Errorf("URL = %q, want %q", sh.URL, url)
	}
	if sh.MD5() != md5hex || sh.Size() != int64(len(body)) {
		t.Errorf("digests = %q/%d", sh.MD5(), sh.Size())
	}
	if _, ok := sh.Repodata["sha256"].(string); !ok {
		t.Error("sha256 missing from repodata")
	}
	if sh.Repodata["depends"] == nil {
		t.Error("index entry fields not carried over")
	}

	bad := req
	bad.Size = 1
	if _, err := b.Build(context.Background(), bad, url); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Build() with wrong size error = %v, want ErrSizeMismatch", err)
	}

	bad = req
	bad.Entry = map[string]any{"md5": "0000"}
	if _, err := b.Build(context.Background(), bad, url); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Build() with wrong md5 error = %v, want ErrDigestMismatch", err)
	}
}
