package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/regro/repodata-tools/internal/batcher"
	"github.com/regro/repodata-tools/internal/budget"
	"github.com/regro/repodata-tools/internal/builder"
	"github.com/regro/repodata-tools/internal/retry"
	"github.com/regro/repodata-tools/internal/shard"
	"github.com/regro/repodata-tools/internal/store"
	"github.com/regro/repodata-tools/internal/upstream"
	"github.com/regro/repodata-tools/internal/vcs"
	"github.com/regro/repodata-tools/internal/vcs/memvcs"
)

const channelURL = "https://conda.anaconda.org/conda-forge"

// fakeIndex serves index documents keyed by "label/subdir".
type fakeIndex struct {
	mu       sync.Mutex
	docs     map[string]*upstream.Index
	requests []string
}

func (f *fakeIndex) Index(_ context.Context, label, subdir string) (*upstream.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, label+"/"+subdir)
	ix, ok := f.docs[label+"/"+subdir]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s returned 404", upstream.ErrIndexNotFound, label, subdir)
	}
	return ix, nil
}

// stubBuilder returns a shard carrying the index entry.
type stubBuilder struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (b *stubBuilder) Build(_ context.Context, req builder.Request, url string) (*shard.Shard, error) {
	b.mu.Lock()
	b.calls++
	fail := b.fail[req.Key.Package]
	b.mu.Unlock()

	if fail {
		return nil, errors.New("artifact unavailable")
	}
	repodata := make(map[string]any, len(req.Entry))
	for k, v := range req.Entry {
		repodata[k] = v
	}
	return &shard.Shard{
		Subdir:   req.Key.Subdir,
		Package:  req.Key.Package,
		Labels:   []string{req.Label},
		URL:      url,
		Repodata: repodata,
	}, nil
}

func (b *stubBuilder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type harness struct {
	fs      afero.Fs
	vcs     *memvcs.Store
	store   *store.Store
	clock   *clockwork.FakeClock
	builder *stubBuilder
	index   *fakeIndex
	channel upstream.Channel
	logger  *zap.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ch, err := upstream.NewChannel(channelURL)
	if err != nil {
		t.Fatal(err)
	}
	fsys := afero.NewMemMapFs()
	v := memvcs.New(fsys)
	logger := zaptest.NewLogger(t)

	return &harness{
		fs:      fsys,
		vcs:     v,
		store:   store.New(fsys, v, store.WithLogger(logger)),
		clock:   clockwork.NewFakeClock(),
		builder: &stubBuilder{fail: map[string]bool{}},
		index:   &fakeIndex{docs: map[string]*upstream.Index{}},
		channel: ch,
		logger:  logger,
	}
}

func (h *harness) engine(t *testing.T, limit time.Duration, rank, n int) *Engine {
	t.Helper()

	fast := retry.Policy{MaxAttempts: 5, BaseInterval: time.Microsecond, MaxInterval: time.Millisecond}
	pool := builder.NewPool(h.builder, h.channel.PackageURL,
		builder.WithLogger(h.logger),
		builder.WithRetryPolicy(fast),
	)
	b := batcher.New(h.store, h.vcs, batcher.WithLogger(h.logger), batcher.WithRetryPolicy(fast))

	e, err := New(Config{Rank: rank, NRanks: n}, Deps{
		Store:    h.store,
		Index:    h.index,
		Channel:  h.channel,
		Pool:     pool,
		Batcher:  b,
		Governor: budget.New(h.clock, limit),
	}, WithLogger(h.logger))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return e
}

// loadSet reads the store the way a fresh process does.
func (h *harness) loadSet(t *testing.T) *shard.Set {
	t.Helper()
	set := shard.NewSet()
	for _, subdir := range []string{"linux-64", "osx-64", "win-64", "noarch"} {
		if _, err := h.store.ReadAll(set, subdir); err != nil {
			t.Fatalf("ReadAll(%s) failed: %v", subdir, err)
		}
	}
	return set
}

func (h *harness) put(t *testing.T, p string, sh *shard.Shard) {
	t.Helper()
	data, err := shard.Encode(sh)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(h.fs, p, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) read(t *testing.T, key shard.Key) *shard.Shard {
	t.Helper()
	sh, err := h.store.Load(key)
	if err != nil {
		t.Fatalf("Load(%s) failed: %v", key, err)
	}
	return sh
}

func indexOf(pkgs map[string]int64) *upstream.Index {
	ix := &upstream.Index{Packages: map[string]map[string]any{}}
	for pkg, size := range pkgs {
		ix.Packages[pkg] = map[string]any{
			"size": json.Number(fmt.Sprint(size)),
			"md5":  "d41d8cd98f00b204e9800998ecf8427e",
		}
	}
	return ix
}

func manyPackages(n int) map[string]int64 {
	pkgs := make(map[string]int64, n)
	for i := 0; i < n; i++ {
		pkgs[fmt.Sprintf("pkg%03d-1.0-0.tar.bz2", i)] = 100
	}
	return pkgs
}

func labels(names ...string) []upstream.Label {
	out := make([]upstream.Label, len(names))
	for i, name := range names {
		out[i] = upstream.Label{Name: name, Count: int64(len(names) - i)}
	}
	return out
}

func TestChunkLaw(t *testing.T) {
	for L := 0; L <= 200; L++ {
		items := make([]int, L)
		for i := range items {
			items[i] = i
		}

		chunks := Chunk(items, ChunkSize)
		if want := (L + ChunkSize - 1) / ChunkSize; len(chunks) != want {
			t.Fatalf("L=%d: %d chunks, want %d", L, len(chunks), want)
		}

		var joined []int
		for i, c := range chunks {
			if len(c) == 0 || len(c) > ChunkSize {
				t.Fatalf("L=%d: chunk %d has %d items", L, i, len(c))
			}
			if i < len(chunks)-1 && len(c) != ChunkSize {
				t.Fatalf("L=%d: non-final chunk %d has %d items", L, i, len(c))
			}
			joined = append(joined, c...)
		}
		if L > 0 {
			if diff := cmp.Diff(items, joined); diff != "" {
				t.Fatalf("L=%d: concatenation mismatch (-want +got):\n%s", L, diff)
			}
		}
	}
}

func TestChunkDoesNotAlias(t *testing.T) {
	items := []int{1, 2, 3}
	chunks := Chunk(items, 2)
	chunks[0] = append(chunks[0], 99)
	if items[2] != 3 {
		t.Errorf("appending to a chunk overwrote the source: %v", items)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Rank: 2, NRanks: 2}, Deps{}); err == nil {
		t.Error("New() with rank outside range should fail")
	}
	if _, err := New(Config{Rank: 0, NRanks: 1}, Deps{}); err == nil {
		t.Error("New() without dependencies should fail")
	}
}

func TestScenarioFreshBuild(t *testing.T) {
	h := newHarness(t)
	h.index.docs["main/linux-64"] = indexOf(map[string]int64{
		"a-1.0-0.tar.bz2": 100,
		"b-2.0-0.tar.bz2": 100,
	})

	report, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), shard.NewSet(), labels("main"))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.Outcome != Completed || report.Built != 2 || report.Commits != 1 {
		t.Errorf("report = %+v", report)
	}

	var paths []string
	for _, pkg := range []string{"a-1.0-0.tar.bz2", "b-2.0-0.tar.bz2"} {
		key := shard.Key{Subdir: "linux-64", Package: pkg}
		sh := h.read(t, key)
		if diff := cmp.Diff([]string{"main"}, sh.Labels); diff != "" {
			t.Errorf("%s labels mismatch (-want +got):\n%s", pkg, diff)
		}
		if want := channelURL + "/linux-64/" + pkg; sh.URL != want {
			t.Errorf("%s url = %q, want %q", pkg, sh.URL, want)
		}
		paths = append(paths, shard.Path(key))
	}

	commits := h.vcs.Commits()
	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(commits))
	}
	if diff := cmp.Diff(paths, commits[0].Paths); diff != "" {
		t.Errorf("commit paths mismatch (-want +got):\n%s", diff)
	}
	if want := "chunk 1 of 1 main/linux-64 " + vcs.SkipCITag; commits[0].Message != want {
		t.Errorf("commit message = %q, want %q", commits[0].Message, want)
	}
	if h.vcs.Undelivered() != 0 {
		t.Errorf("Undelivered() = %d, want 0", h.vcs.Undelivered())
	}
}

func TestScenarioAddLabel(t *testing.T) {
	h := newHarness(t)
	key := shard.Key{Subdir: "linux-64", Package: "a-1.0-0.tar.bz2"}
	if _, err := h.store.Write(context.Background(), &shard.Shard{
		Subdir:   key.Subdir,
		Package:  key.Package,
		Labels:   []string{"main"},
		URL:      channelURL + "/linux-64/a-1.0-0.tar.bz2",
		Repodata: map[string]any{"size": json.Number("100")},
	}); err != nil {
		t.Fatal(err)
	}
	h.index.docs["staging/linux-64"] = indexOf(map[string]int64{key.Package: 100})

	report, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), h.loadSet(t), labels("staging"))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if diff := cmp.Diff([]string{"main", "staging"}, h.read(t, key).Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if report.Written != 1 || report.Patched != 1 || report.Commits != 1 {
		t.Errorf("report = %+v, want one dirty key and one commit", report)
	}
	if h.builder.Calls() != 0 {
		t.Errorf("builder called %d times for an existing shard", h.builder.Calls())
	}
	// URL is untouched for a non-main label
	if got := h.read(t, key).URL; got != channelURL+"/linux-64/a-1.0-0.tar.bz2" {
		t.Errorf("url = %q", got)
	}
}

func TestScenarioZeroBudget(t *testing.T) {
	h := newHarness(t)
	h.index.docs["main/linux-64"] = indexOf(manyPackages(130))
	h.index.docs["main/osx-64"] = indexOf(manyPackages(3))

	report, err := h.engine(t, 0, 0, 1).Run(context.Background(), shard.NewSet(), labels("main"))
	if err != nil {
		t.Fatalf("Run() returned error for budget expiry: %v", err)
	}
	if report.Outcome != BudgetExceeded {
		t.Fatalf("Outcome = %v, want budget exceeded", report.Outcome)
	}
	if report.Chunks != 1 {
		t.Errorf("Chunks = %d, want 1", report.Chunks)
	}

	commits := h.vcs.Commits()
	if len(commits) != 1 || len(commits[0].Paths) != ChunkSize {
		t.Fatalf("commits = %d, want one commit of %d shards", len(commits), ChunkSize)
	}
	if want := "chunk 1 of 3 main/linux-64 " + vcs.SkipCITag; commits[0].Message != want {
		t.Errorf("commit message = %q, want %q", commits[0].Message, want)
	}
	if h.vcs.PushAttempts() != 1 || h.vcs.Undelivered() != 0 {
		t.Errorf("push attempts = %d, undelivered = %d", h.vcs.PushAttempts(), h.vcs.Undelivered())
	}
	for _, req := range h.index.requests {
		if req == "main/osx-64" {
			t.Error("run continued past the expired checkpoint")
		}
	}
}

func TestIdempotentSecondRun(t *testing.T) {
	h := newHarness(t)
	h.index.docs["main/linux-64"] = indexOf(map[string]int64{"a-1.0-0.tar.bz2": 100, "b-2.0-0.tar.bz2": 100})
	h.index.docs["dev/linux-64"] = indexOf(map[string]int64{"b-2.0-0.tar.bz2": 100, "c-1-0.tar.bz2": 5})
	h.index.docs["main/noarch"] = indexOf(manyPackages(70))

	first, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), shard.NewSet(), labels("main", "dev"))
	if err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	if first.Commits == 0 {
		t.Fatal("first run made no commits")
	}
	builds := h.builder.Calls()
	commits := len(h.vcs.Commits())

	second, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), h.loadSet(t), labels("main", "dev"))
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if second.Written != 0 || second.Commits != 0 || second.Built != 0 || second.Patched != 0 {
		t.Errorf("second run report = %+v, want no changes", second)
	}
	if h.builder.Calls() != builds {
		t.Errorf("second run built %d shards", h.builder.Calls()-builds)
	}
	if len(h.vcs.Commits()) != commits {
		t.Errorf("second run created %d commits", len(h.vcs.Commits())-commits)
	}

	// b is in both labels exactly once
	b := h.read(t, shard.Key{Subdir: "linux-64", Package: "b-2.0-0.tar.bz2"})
	if diff := cmp.Diff([]string{"main", "dev"}, b.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestLabelsProcessedByCount(t *testing.T) {
	h := newHarness(t)
	h.index.docs["main/linux-64"] = indexOf(map[string]int64{"a-1-0.tar.bz2": 1})
	h.index.docs["dev/linux-64"] = indexOf(map[string]int64{"a-1-0.tar.bz2": 1})

	given := []upstream.Label{{Name: "dev", Count: 1}, {Name: "main", Count: 10}}
	if _, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), shard.NewSet(), given); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	sh := h.read(t, shard.Key{Subdir: "linux-64", Package: "a-1-0.tar.bz2"})
	if diff := cmp.Diff([]string{"main", "dev"}, sh.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if sh.URL != channelURL+"/linux-64/a-1-0.tar.bz2" {
		t.Errorf("url = %q, want canonical", sh.URL)
	}
}

func TestMigration(t *testing.T) {
	h := newHarness(t)

	moved := shard.Key{Subdir: "linux-64", Package: "m-1-0.tar.bz2"}
	dup := shard.Key{Subdir: "linux-64", Package: "d-1-0.tar.bz2"}

	h.put(t, shard.LegacyPaths(moved)[0], &shard.Shard{Subdir: moved.Subdir, Package: moved.Package, Labels: []string{"main"}, URL: "https://github.com/x"})
	h.put(t, shard.LegacyPaths(dup)[1], &shard.Shard{Subdir: dup.Subdir, Package: dup.Package, Labels: []string{"main"}, URL: "old"})
	h.put(t, shard.Path(dup), &shard.Shard{Subdir: dup.Subdir, Package: dup.Package, Labels: []string{"main"}, URL: "https://github.com/y"})

	h.index.docs["main/linux-64"] = indexOf(map[string]int64{moved.Package: 1, dup.Package: 1})

	report, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), h.loadSet(t), labels("main"))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.Migrated != 1 || report.Removed != 1 || report.Built != 0 {
		t.Errorf("report = %+v, want one move, one removal, no builds", report)
	}

	for _, key := range []shard.Key{moved, dup} {
		for _, p := range shard.LegacyPaths(key) {
			if ok, _ := afero.Exists(h.fs, p); ok {
				t.Errorf("legacy path %s still exists", p)
			}
		}
		if ok, _ := h.store.Exists(key); !ok {
			t.Errorf("%s missing at current path", key)
		}
	}
	if got := h.read(t, dup).URL; got != "https://github.com/y" {
		t.Errorf("current copy replaced by legacy: url = %q", got)
	}

	commits := h.vcs.Commits()
	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(commits))
	}
	joined := strings.Join(commits[0].Paths, "\n")
	for _, p := range []string{shard.LegacyPaths(moved)[0], shard.LegacyPaths(dup)[1], shard.Path(moved)} {
		if !strings.Contains(joined, p) {
			t.Errorf("commit missing %s", p)
		}
	}
}

func TestURLCanonicalization(t *testing.T) {
	h := newHarness(t)

	stale := shard.Key{Subdir: "linux-64", Package: "s-1-0.tar.bz2"}
	rehosted := shard.Key{Subdir: "linux-64", Package: "r-1-0.tar.bz2"}
	labelOnly := shard.Key{Subdir: "osx-64", Package: "l-1-0.tar.bz2"}

	ctx := context.Background()
	if _, err := h.store.Write(ctx,
		&shard.Shard{Subdir: stale.Subdir, Package: stale.Package, Labels: []string{"dev"}, URL: channelURL + "/label/dev/linux-64/s-1-0.tar.bz2"},
		&shard.Shard{Subdir: rehosted.Subdir, Package: rehosted.Package, Labels: []string{"main"}, URL: "https://github.com/regro/releases/r"},
		&shard.Shard{Subdir: labelOnly.Subdir, Package: labelOnly.Package, Labels: []string{"dev"}, URL: channelURL + "/label/dev/osx-64/l-1-0.tar.bz2"},
	); err != nil {
		t.Fatal(err)
	}

	h.index.docs["main/linux-64"] = indexOf(map[string]int64{stale.Package: 1, rehosted.Package: 1})
	h.index.docs["dev/osx-64"] = indexOf(map[string]int64{labelOnly.Package: 1})

	if _, err := h.engine(t, time.Hour, 0, 1).Run(ctx, h.loadSet(t), labels("main", "dev")); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if got, want := h.read(t, stale).URL, channelURL+"/linux-64/s-1-0.tar.bz2"; got != want {
		t.Errorf("stale mirror url = %q, want %q", got, want)
	}
	if got := h.read(t, rehosted).URL; got != "https://github.com/regro/releases/r" {
		t.Errorf("re-hosted url rewritten to %q", got)
	}
	if got, want := h.read(t, labelOnly).URL, channelURL+"/label/dev/osx-64/l-1-0.tar.bz2"; got != want {
		t.Errorf("label-only url = %q, want %q", got, want)
	}
}

func TestNoIndexSkipsFinalFlush(t *testing.T) {
	h := newHarness(t)

	report, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), shard.NewSet(), labels("main", "dev"))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.Chunks != 0 || report.Subdirs != 0 || report.Labels != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(h.vcs.Commits()) != 0 || h.vcs.PushAttempts() != 0 {
		t.Errorf("commits = %d, pushes = %d; want none", len(h.vcs.Commits()), h.vcs.PushAttempts())
	}
}

func TestBuildFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.builder.fail["b-1-0.tar.bz2"] = true
	h.index.docs["main/win-64"] = indexOf(map[string]int64{"a-1-0.tar.bz2": 1, "b-1-0.tar.bz2": 1})

	set := shard.NewSet()
	report, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), set, labels("main"))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(report.Failures) != 1 || report.Failures[0].Key.Package != "b-1-0.tar.bz2" {
		t.Fatalf("Failures = %+v", report.Failures)
	}
	if set.Has(report.Failures[0].Key) {
		t.Error("failed build present in shard set")
	}
	if ok, _ := h.store.Exists(report.Failures[0].Key); ok {
		t.Error("failed build written to store")
	}
	if report.Built != 1 || report.Commits != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestDeferredPushDoesNotFailRun(t *testing.T) {
	h := newHarness(t)
	h.vcs.FailPush(func(int) error { return vcs.ErrPushRejected })
	h.index.docs["main/linux-64"] = indexOf(map[string]int64{"a-1-0.tar.bz2": 1})

	report, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), shard.NewSet(), labels("main"))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.Outcome != Completed || report.DeferredPushes != 1 {
		t.Errorf("report = %+v, want completed with one deferred push", report)
	}
	if h.vcs.Undelivered() != 1 {
		t.Errorf("Undelivered() = %d, want 1", h.vcs.Undelivered())
	}
}

func TestRankFetchesOnlyOwnedSubdirs(t *testing.T) {
	h := newHarness(t)

	if _, err := h.engine(t, time.Hour, 1, 3).Run(context.Background(), shard.NewSet(), labels("main")); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := []string{"main/osx-64", "main/linux-aarch64"}
	if diff := cmp.Diff(want, h.index.requests); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpointThreshold(t *testing.T) {
	h := newHarness(t)
	h.index.docs["main/noarch"] = indexOf(manyPackages(200))

	report, err := h.engine(t, time.Hour, 0, 1).Run(context.Background(), shard.NewSet(), labels("main"))
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	var messages []string
	total := 0
	for _, c := range h.vcs.Commits() {
		messages = append(messages, strings.TrimSuffix(c.Message, " "+vcs.SkipCITag))
		total += len(c.Paths)
	}

	// 64 dirty after chunk 1 does not exceed the threshold; 128 after
	// chunk 2 does. Chunk 3 leaves 64, chunk 4 brings it to 72.
	want := []string{"chunk 2 of 4 main/noarch", "chunk 4 of 4 main/noarch"}
	if diff := cmp.Diff(want, messages); diff != "" {
		t.Errorf("commit messages mismatch (-want +got):\n%s", diff)
	}
	if total != 200 || report.Written != 200 {
		t.Errorf("committed %d paths, wrote %d keys; want 200", total, report.Written)
	}
}

// cancellingBuilder cancels the run once the stub has made after builds.
type cancellingBuilder struct {
	*stubBuilder
	after  int
	cancel context.CancelFunc
}

func (b *cancellingBuilder) Build(ctx context.Context, req builder.Request, url string) (*shard.Shard, error) {
	sh, err := b.stubBuilder.Build(ctx, req, url)
	if b.Calls() == b.after {
		b.cancel()
	}
	return sh, err
}

func TestCancelledRunCommitsLocally(t *testing.T) {
	for _, limit := range []time.Duration{time.Hour, 0} {
		t.Run(limit.String(), func(t *testing.T) {
			testCancelledRun(t, limit)
		})
	}
}

func testCancelledRun(t *testing.T, limit time.Duration) {
	h := newHarness(t)
	h.index.docs["main/noarch"] = indexOf(manyPackages(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := retry.Policy{MaxAttempts: 5, BaseInterval: time.Microsecond, MaxInterval: time.Millisecond}
	pool := builder.NewPool(&cancellingBuilder{stubBuilder: h.builder, after: ChunkSize, cancel: cancel}, h.channel.PackageURL,
		builder.WithLogger(h.logger),
		builder.WithRetryPolicy(fast),
	)
	e, err := New(Config{Rank: 0, NRanks: 1}, Deps{
		Store:    h.store,
		Index:    h.index,
		Channel:  h.channel,
		Pool:     pool,
		Batcher:  batcher.New(h.store, h.vcs, batcher.WithLogger(h.logger), batcher.WithRetryPolicy(fast)),
		Governor: budget.New(h.clock, limit),
	}, WithLogger(h.logger))
	if err != nil {
		t.Fatal(err)
	}

	report, err := e.Run(ctx, shard.NewSet(), labels("main"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if report.Built != ChunkSize || report.Written != ChunkSize || report.Commits != 1 {
		t.Errorf("report = %+v", report)
	}

	commits := h.vcs.Commits()
	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(commits))
	}
	if len(commits[0].Paths) != ChunkSize {
		t.Errorf("commit has %d paths, want %d", len(commits[0].Paths), ChunkSize)
	}
	if want := "chunk 1 of 2 main/noarch " + vcs.SkipCITag; commits[0].Message != want {
		t.Errorf("commit message = %q, want %q", commits[0].Message, want)
	}
	if staged := h.vcs.Staged(); len(staged) != 0 {
		t.Errorf("left %d paths staged", len(staged))
	}
	if h.vcs.PushAttempts() != 0 {
		t.Errorf("PushAttempts() = %d, want 0 after cancellation", h.vcs.PushAttempts())
	}

	// the next run builds only what the cancelled one did not reach
	set := h.loadSet(t)
	if set.Len() != ChunkSize {
		t.Fatalf("reloaded %d shards, want %d", set.Len(), ChunkSize)
	}
	report, err = h.engine(t, time.Hour, 0, 1).Run(context.Background(), set, labels("main"))
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if want := 100 - ChunkSize; report.Built != want || report.Patched != 0 {
		t.Errorf("second report = %+v, want %d built and none patched", report, want)
	}
	if got := len(h.vcs.Commits()); got != 2 {
		t.Errorf("got %d commits after resume, want 2", got)
	}
	if h.vcs.Undelivered() != 0 {
		t.Errorf("Undelivered() = %d, want 0 after resume", h.vcs.Undelivered())
	}
	if got := h.loadSet(t).Len(); got != 100 {
		t.Errorf("tree has %d shards, want 100", got)
	}
}
