package batch

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"image-squasher-go/internal/compressor"
	"image-squasher-go/internal/discovery"
	"image-squasher-go/internal/logger"
	"image-squasher-go/internal/probe"
	"image-squasher-go/internal/statistics"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) CompressFile(ctx context.Context, fm discovery.FileMapping) compressor.Result {
	return m.Called(ctx, fm).Get(0).(compressor.Result)
}

// fakeClient stands in for the remote service. Sources listed in fail
// return an error instead of bytes.
type fakeClient struct {
	mu     sync.Mutex
	calls  map[string]int
	widths map[string]int
	fail   map[string]bool
	count  int64
}

func newFakeClient(fail ...string) *fakeClient {
	c := &fakeClient{calls: map[string]int{}, widths: map[string]int{}, fail: map[string]bool{}}
	for _, f := range fail {
		c.fail[f] = true
	}
	return c
}

func (c *fakeClient) Compress(_ context.Context, sourcePath string, d compressor.Directive) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[sourcePath]++
	c.widths[sourcePath] = d.Resize.Width
	if c.fail[filepath.Base(sourcePath)] {
		return nil, errors.New("remote exploded")
	}
	atomic.AddInt64(&c.count, 1)
	return []byte("squashed:" + filepath.Base(sourcePath)), nil
}

func (c *fakeClient) CompressionCount() int {
	return int(atomic.LoadInt64(&c.count))
}

func (c *fakeClient) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func TestRun_NilMappings(t *testing.T) {
	proc := &mockProcessor{}
	o := NewOrchestrator(proc, logger.Discard(), nil, 2)

	results, err := o.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Nil(t, results)
	proc.AssertNotCalled(t, "CompressFile", mock.Anything, mock.Anything)
}

func TestRun_EmptyMappings(t *testing.T) {
	o := NewOrchestrator(&mockProcessor{}, logger.Discard(), nil, 2)

	results, err := o.Run(context.Background(), []discovery.FileMapping{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRun_ResultsInInputOrderAndStats(t *testing.T) {
	mappings := []discovery.FileMapping{
		{SourcePath: "r/a/1.png", TargetPath: "o/a/1.png"},
		{SourcePath: "r/a/2.jpg", TargetPath: "o/a/2.jpg"},
		{SourcePath: "r/b/3.png", TargetPath: "o/b/3.png"},
		{SourcePath: "r/b/4.png", TargetPath: "o/b/4.png"},
	}
	outcomes := []compressor.Result{
		{Outcome: compressor.OutcomeCompressed, OriginalSize: 1000, CompressedSize: 300},
		{Outcome: compressor.OutcomeSkippedExisting},
		{Outcome: compressor.OutcomeSkippedEmpty},
		{Outcome: compressor.OutcomeFailed, Err: errors.New("nope")},
	}

	proc := &mockProcessor{}
	for i, m := range mappings {
		r := outcomes[i]
		r.Mapping = m
		proc.On("CompressFile", mock.Anything, m).Return(r).Once()
	}

	stats := statistics.NewStatistics()
	var progressCalls int64
	o := NewOrchestratorWithProgress(proc, logger.Discard(), stats, 3, func(done, total int, _ compressor.Result) {
		atomic.AddInt64(&progressCalls, 1)
		assert.Equal(t, 4, total)
	})

	results, err := o.Run(context.Background(), mappings)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, mappings[i], r.Mapping)
		assert.Equal(t, outcomes[i].Outcome, r.Outcome)
	}

	assert.EqualValues(t, 4, progressCalls)
	assert.EqualValues(t, 4, stats.TotalFilesProcessed)
	assert.EqualValues(t, 1, stats.FilesCompressed)
	assert.EqualValues(t, 1, stats.FilesSkippedExists)
	assert.EqualValues(t, 1, stats.FilesSkippedEmpty)
	assert.EqualValues(t, 1, stats.GetFilesWithErrors())
	assert.EqualValues(t, 3, stats.FileTypeStats["PNG"])
	assert.Same(t, stats, o.Stats())
	proc.AssertExpectations(t)
}

type slowProcessor struct {
	inFlight int64
	maxSeen  int64
}

func (p *slowProcessor) CompressFile(_ context.Context, m discovery.FileMapping) compressor.Result {
	n := atomic.AddInt64(&p.inFlight, 1)
	for {
		old := atomic.LoadInt64(&p.maxSeen)
		if n <= old || atomic.CompareAndSwapInt64(&p.maxSeen, old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt64(&p.inFlight, -1)
	return compressor.Result{Mapping: m, Outcome: compressor.OutcomeCompressed}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	mappings := make([]discovery.FileMapping, 30)
	for i := range mappings {
		mappings[i] = discovery.FileMapping{SourcePath: filepath.Join("r", "d", string(rune('a'+i))+".png")}
	}

	proc := &slowProcessor{}
	results, err := NewOrchestrator(proc, logger.Discard(), nil, 3).Run(context.Background(), mappings)
	require.NoError(t, err)
	assert.Len(t, results, 30)
	assert.LessOrEqual(t, atomic.LoadInt64(&proc.maxSeen), int64(3))
	assert.Greater(t, atomic.LoadInt64(&proc.maxSeen), int64(0))
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	proc := &mockProcessor{}
	mappings := []discovery.FileMapping{{SourcePath: "r/a/1.png"}, {SourcePath: "r/a/2.png"}}
	results, err := NewOrchestrator(proc, logger.Discard(), nil, 1).Run(ctx, mappings)

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, compressor.OutcomeFailed, r.Outcome)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	proc.AssertNotCalled(t, "CompressFile", mock.Anything, mock.Anything)
}

// --- pipeline tests with the real FileCompressor ---

func buildPipeline(client compressor.Client, workers int) *Orchestrator {
	log := logger.Discard()
	fc := compressor.NewFileCompressor(client, probe.NewHeaderProber(log), log, compressor.Options{})
	return NewOrchestrator(fc, log, statistics.NewStatistics(), workers)
}

func TestPipeline_TwoSubdirectoryTree(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	writeImage(t, filepath.Join(root, "2023", "a.png"), 500, 300)
	writeImage(t, filepath.Join(root, "2024", "b.jpg"), 3000, 2000)
	writeFile(t, filepath.Join(root, "2024", "notes.txt"), "not an image")
	writeImage(t, filepath.Join(root, "loose.png"), 10, 10)

	client := newFakeClient()
	o := buildPipeline(client, 4)
	exts := discovery.NewExtensionSet(".png", ".jpg")

	mappings, err := o.Discover(root, out, exts, false)
	require.NoError(t, err)
	require.Len(t, mappings, 2)

	results, err := o.Run(context.Background(), mappings)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, compressor.OutcomeCompressed, r.Outcome)
		assert.NotZero(t, r.PercentChange)
	}

	assert.Equal(t, 500, client.widths[filepath.Join(root, "2023", "a.png")])
	assert.Equal(t, 1920, client.widths[filepath.Join(root, "2024", "b.jpg")])
	assert.FileExists(t, filepath.Join(out, "2023", "a.png"))
	assert.FileExists(t, filepath.Join(out, "2024", "b.jpg"))
	assert.NoFileExists(t, filepath.Join(out, "2024", "notes.txt"))
	assert.NoFileExists(t, filepath.Join(out, "loose.png"))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.EqualValues(t, 3, o.Stats().TotalFilesFound)
	assert.EqualValues(t, 2, o.Stats().FilesFiltered)
}

func TestPipeline_Idempotent(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writeImage(t, filepath.Join(root, "set", name), 40, 40)
	}
	exts := discovery.NewExtensionSet(".png")

	first := newFakeClient()
	o := buildPipeline(first, 2)
	mappings, err := o.Discover(root, out, exts, false)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), mappings)
	require.NoError(t, err)
	assert.Equal(t, 3, first.totalCalls())

	before := snapshot(t, out)

	second := newFakeClient()
	o = buildPipeline(second, 2)
	mappings, err = o.Discover(root, out, exts, false)
	require.NoError(t, err)
	results, err := o.Run(context.Background(), mappings)
	require.NoError(t, err)

	assert.Equal(t, 0, second.totalCalls())
	for _, r := range results {
		assert.Equal(t, compressor.OutcomeSkippedExisting, r.Outcome)
	}
	assert.Equal(t, before, snapshot(t, out))
}

func TestPipeline_PreexistingTargetUntouched(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	writeImage(t, filepath.Join(root, "2023", "a.png"), 500, 300)
	existing := make([]byte, 200)
	writeFile(t, filepath.Join(out, "2023", "a.png"), string(existing))

	client := newFakeClient()
	o := buildPipeline(client, 2)
	mappings, err := o.Discover(root, out, discovery.NewExtensionSet(".png"), false)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), mappings)
	require.NoError(t, err)

	assert.Equal(t, 0, client.totalCalls())
	data, err := os.ReadFile(filepath.Join(out, "2023", "a.png"))
	require.NoError(t, err)
	assert.Len(t, data, 200)
}

func TestPipeline_FailureIsolation(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	writeImage(t, filepath.Join(root, "lonely", "bad.png"), 20, 20)
	writeImage(t, filepath.Join(root, "shared", "bad.png"), 20, 20)
	for _, name := range []string{"g1.png", "g2.png", "g3.png"} {
		writeImage(t, filepath.Join(root, "shared", name), 20, 20)
	}
	writeFile(t, filepath.Join(root, "shared", "empty.png"), "")

	client := newFakeClient("bad.png")
	o := buildPipeline(client, 8)
	mappings, err := o.Discover(root, out, discovery.NewExtensionSet(".png"), false)
	require.NoError(t, err)

	results, err := o.Run(context.Background(), mappings)
	require.NoError(t, err)
	require.Len(t, results, 6)

	byOutcome := map[compressor.Outcome]int{}
	for _, r := range results {
		byOutcome[r.Outcome]++
	}
	assert.Equal(t, 3, byOutcome[compressor.OutcomeCompressed])
	assert.Equal(t, 2, byOutcome[compressor.OutcomeFailed])
	assert.Equal(t, 1, byOutcome[compressor.OutcomeSkippedEmpty])

	assert.NoDirExists(t, filepath.Join(out, "lonely"))
	assert.NoFileExists(t, filepath.Join(out, "shared", "bad.png"))
	assert.NoFileExists(t, filepath.Join(out, "shared", "empty.png"))
	for _, name := range []string{"g1.png", "g2.png", "g3.png"} {
		assert.FileExists(t, filepath.Join(out, "shared", name))
	}
	assert.EqualValues(t, 2, o.Stats().GetFilesWithErrors())
}

func TestPipeline_SingleFileMode(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	src := writeImage(t, filepath.Join(root, "album", "one.png"), 30, 30)
	exts := discovery.NewExtensionSet(".png")

	o := buildPipeline(newFakeClient(), 1)

	mappings, err := o.Discover(src, out, exts, false)
	require.NoError(t, err)
	assert.Empty(t, mappings)

	mappings, err = o.Discover(src, out, exts, true)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, filepath.Join(out, "album", "one.png"), mappings[0].TargetPath)
}

func TestPipeline_DiscoveryError(t *testing.T) {
	o := buildPipeline(newFakeClient(), 1)
	_, err := o.Discover(filepath.Join(t.TempDir(), "missing"), t.TempDir(), discovery.NewExtensionSet(".png"), false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func writeImage(t *testing.T, path string, width, height int) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, imaging.Save(imaging.New(width, height, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), path))
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		files[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}
