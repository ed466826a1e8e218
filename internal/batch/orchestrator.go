package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"image-squasher-go/internal/compressor"
	"image-squasher-go/internal/discovery"
	"image-squasher-go/internal/statistics"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidArgument is returned by Run when it is given no mapping slice at all.
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultWorkers is used when a non-positive worker count is configured.
const DefaultWorkers = 4

// FileProcessor handles one mapping end to end.
type FileProcessor interface {
	CompressFile(ctx context.Context, m discovery.FileMapping) compressor.Result
}

// ProgressFunc is called after each file reaches a terminal state.
type ProgressFunc func(done, total int, res compressor.Result)

// Orchestrator fans a FileProcessor out over a batch of mappings.
type Orchestrator struct {
	processor FileProcessor
	logger    logrus.FieldLogger
	stats     *statistics.Statistics
	workers   int
	progress  ProgressFunc
}

// NewOrchestrator returns a new Orchestrator.
func NewOrchestrator(
	processor FileProcessor,
	logger logrus.FieldLogger,
	stats *statistics.Statistics,
	workers int,
) *Orchestrator {
	return NewOrchestratorWithProgress(processor, logger, stats, workers, nil)
}

// NewOrchestratorWithProgress also reports every finished file to progress.
func NewOrchestratorWithProgress(
	processor FileProcessor,
	logger logrus.FieldLogger,
	stats *statistics.Statistics,
	workers int,
	progress ProgressFunc,
) *Orchestrator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if stats == nil {
		stats = statistics.NewStatistics()
	}
	return &Orchestrator{
		processor: processor,
		logger:    logger,
		stats:     stats,
		workers:   workers,
		progress:  progress,
	}
}

// Discover maps root into targetRoot and keeps only supported files.
//
// A directory root is mapped one level deep. A file root yields no
// mappings unless singleFile is set, in which case that one file is mapped.
func (o *Orchestrator) Discover(root, targetRoot string, exts discovery.ExtensionSet, singleFile bool) ([]discovery.FileMapping, error) {
	o.logger.Infof("Checking '%s'...", root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	var mappings []discovery.FileMapping
	if info.IsDir() {
		o.logger.Infof("Path '%s' is a directory, compressing all files in all directories, one level", root)
		mappings, err = discovery.MapFiles(root, targetRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to discover files: %w", err)
		}
	} else if singleFile {
		o.logger.Infof("Path '%s' is a file, single-file mode", root)
		m, err := discovery.MapFile(root, targetRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to discover files: %w", err)
		}
		mappings = []discovery.FileMapping{m}
	} else {
		o.logger.Warnf("Path '%s' is a file; single-file mode is disabled, nothing to compress", root)
		mappings = []discovery.FileMapping{}
	}

	filtered := discovery.FilterByExtension(mappings, exts)
	o.stats.AddFilesFound(len(mappings))
	o.stats.AddFilesFiltered(len(filtered))
	o.logger.Infof("Found %d files, %d with supported extensions", len(mappings), len(filtered))

	return filtered, nil
}

// Run processes every mapping with at most o.workers running at once and
// waits until all of them are finished. Results come back in input order.
//
// Per-file failures are reported in the results only. The returned error is
// ErrInvalidArgument for a nil slice, or ctx.Err() if the batch was cancelled.
func (o *Orchestrator) Run(ctx context.Context, mappings []discovery.FileMapping) ([]compressor.Result, error) {
	if mappings == nil {
		return nil, fmt.Errorf("%w: mappings must not be nil", ErrInvalidArgument)
	}

	o.logger.Infof("Starting compression of %d files with %d workers", len(mappings), o.workers)
	results := make([]compressor.Result, len(mappings))
	total := len(mappings)
	var done int64

	finish := func(i int, res compressor.Result) {
		results[i] = res
		o.record(res)
		n := atomic.AddInt64(&done, 1)
		if o.progress != nil {
			o.progress(int(n), total, res)
		}
	}

	var g errgroup.Group
	g.SetLimit(o.workers)

	for i, m := range mappings {
		i, m := i, m
		if err := ctx.Err(); err != nil {
			finish(i, canceled(m, err))
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				finish(i, canceled(m, err))
				return nil
			}
			finish(i, o.processor.CompressFile(ctx, m))
			return nil
		})
	}

	_ = g.Wait()
	o.stats.Finalize()

	if err := ctx.Err(); err != nil {
		o.logger.Warnf("Compression cancelled: %v", err)
		return results, err
	}
	o.logger.Info("Compression complete")
	return results, nil
}

// Stats returns the statistics the orchestrator records into.
func (o *Orchestrator) Stats() *statistics.Statistics {
	return o.stats
}

func (o *Orchestrator) record(res compressor.Result) {
	o.stats.IncrementFilesProcessed()
	o.stats.IncrementFileType(strings.ToUpper(strings.TrimPrefix(filepath.Ext(res.Mapping.SourcePath), ".")))

	switch res.Outcome {
	case compressor.OutcomeCompressed:
		o.stats.RecordCompressed(res.OriginalSize, res.CompressedSize)
	case compressor.OutcomeSkippedExisting:
		o.stats.IncrementSkippedExists()
	case compressor.OutcomeSkippedEmpty:
		o.stats.IncrementSkippedEmpty()
	case compressor.OutcomeDryRun:
		o.stats.IncrementDryRun()
	case compressor.OutcomeFailed:
		msg := res.Message
		if res.Err != nil {
			msg = res.Err.Error()
		}
		o.stats.AddError(res.Mapping.SourcePath, "compress", msg)
	}
}

// canceled builds the result for a mapping that never started.
func canceled(m discovery.FileMapping, err error) compressor.Result {
	now := time.Now()
	return compressor.Result{
		Mapping:    m,
		Outcome:    compressor.OutcomeFailed,
		Message:    "not started: " + err.Error(),
		Err:        err,
		StartedAt:  now,
		FinishedAt: now,
	}
}
