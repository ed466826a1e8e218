package compressor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"image-squasher-go/internal/discovery"
	"image-squasher-go/internal/logger"
	"image-squasher-go/internal/probe"
	"image-squasher-go/internal/statistics"

	"github.com/sirupsen/logrus"
)

// DefaultMaxWidth caps the width requested from the remote service.
const DefaultMaxWidth = 1920

const partSuffix = ".part"

// metadata kept by the remote service when preservation is enabled
var preservedMetadata = []string{"copyright", "creation"}

// Options tunes a FileCompressor.
type Options struct {
	MaxWidth         int
	PreserveMetadata bool
	DryRun           bool
}

// FileCompressor compresses one mapped file at a time. A single instance is
// shared by all workers of a batch.
type FileCompressor struct {
	client Client
	prober probe.Prober
	logger logrus.FieldLogger
	opts   Options

	// Held for reading while a target directory is created and populated,
	// and for writing while an empty directory is pruned.
	dirMu sync.RWMutex
}

// NewFileCompressor returns a new FileCompressor.
func NewFileCompressor(client Client, prober probe.Prober, log logrus.FieldLogger, opts Options) *FileCompressor {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	return &FileCompressor{
		client: client,
		prober: prober,
		logger: log,
		opts:   opts,
	}
}

// CompressFile runs the whole per-file policy for m and always returns a
// terminal Result. Failures are reported in Result.Err, never as a panic.
func (c *FileCompressor) CompressFile(ctx context.Context, m discovery.FileMapping) Result {
	res := Result{Mapping: m, StartedAt: time.Now()}
	log := logger.WithOperation(logger.WithMapping(c.logger, m.SourcePath, m.TargetPath), "compress")

	if info, err := os.Stat(m.TargetPath); err == nil && info.Size() > 0 {
		log.Info("Target already compressed, skipping")
		return c.finish(res, OutcomeSkippedExisting, "target already exists")
	}

	srcInfo, err := os.Stat(m.SourcePath)
	if err != nil {
		return c.fail(log, res, fmt.Errorf("stat source: %w", err), false)
	}
	res.OriginalSize = srcInfo.Size()
	if res.OriginalSize == 0 {
		log.Info("Source file is empty, skipping")
		return c.finish(res, OutcomeSkippedEmpty, "source file is empty")
	}

	if err := ctx.Err(); err != nil {
		return c.fail(log, res, err, false)
	}

	img, err := c.prober.Probe(m.SourcePath)
	if err != nil {
		return c.fail(log, res, fmt.Errorf("probe dimensions: %w", err), true)
	}

	directive := Directive{
		Resize: Resize{Method: ResizeMethodScale, Width: min(img.Width, c.opts.MaxWidth)},
	}
	if c.opts.PreserveMetadata && img.HasEXIF {
		directive.Preserve = preservedMetadata
	}
	res.Width = directive.Resize.Width

	if c.opts.DryRun {
		log.WithField("width", res.Width).Infof("DRY-RUN: Would compress %s -> %s", filepath.Base(m.SourcePath), m.TargetPath)
		return c.finish(res, OutcomeDryRun, "dry run")
	}

	log.WithField("width", res.Width).Infof("Compressing %s...", filepath.Base(m.SourcePath))
	data, err := c.client.Compress(ctx, m.SourcePath, directive)
	if err != nil {
		return c.fail(log, res, fmt.Errorf("remote compression: %w", err), true)
	}
	if len(data) == 0 {
		return c.fail(log, res, errors.New("remote compression returned no data"), true)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(log, res, err, true)
	}

	if err := c.materialize(m.TargetPath); err != nil {
		return c.fail(log, res, fmt.Errorf("create target: %w", err), true)
	}
	if err := writeTarget(m.TargetPath, data); err != nil {
		return c.fail(log, res, fmt.Errorf("write target: %w", err), true)
	}

	res.CompressedSize = int64(len(data))
	res.PercentChange = PercentChange(res.OriginalSize, res.CompressedSize)
	logger.WithSizes(log, res.OriginalSize, res.CompressedSize).Infof("Compression complete. %s was %s, now %s (%+.0f%%)",
		filepath.Base(m.SourcePath),
		statistics.FormatBytes(res.OriginalSize),
		statistics.FormatBytes(res.CompressedSize),
		res.PercentChange)

	return c.finish(res, OutcomeCompressed, "image compressed")
}

// materialize makes sure the target's directory exists and that an empty
// placeholder sits at the target path.
func (c *FileCompressor) materialize(target string) error {
	c.dirMu.RLock()
	defer c.dirMu.RUnlock()

	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// writeTarget writes data next to the target and renames it into place,
// so a reader never sees a half-written file at the target path.
func writeTarget(target string, data []byte) error {
	tmpPath := target + partSuffix
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// cleanup removes whatever a failed attempt left behind: the temporary file,
// an empty placeholder, and the target directory if nothing else is in it.
func (c *FileCompressor) cleanup(log logrus.FieldLogger, target string) {
	_ = os.Remove(target + partSuffix)

	info, err := os.Stat(target)
	if err == nil && info.Size() > 0 {
		return
	}
	if err == nil {
		if err := os.Remove(target); err != nil {
			log.WithError(err).Warn("Could not remove placeholder")
		}
	}

	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	dir := filepath.Dir(target)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil {
		log.WithError(err).Warn("Could not remove empty target directory")
		return
	}
	log.WithField("dir", dir).Debug("Removed empty target directory")
}

func (c *FileCompressor) fail(log logrus.FieldLogger, res Result, err error, cleanup bool) Result {
	log.WithError(err).Errorf("An error occurred compressing %s", filepath.Base(res.Mapping.SourcePath))
	if cleanup {
		c.cleanup(log, res.Mapping.TargetPath)
	}
	res.Err = err
	return c.finish(res, OutcomeFailed, err.Error())
}

func (c *FileCompressor) finish(res Result, outcome Outcome, message string) Result {
	res.Outcome = outcome
	res.Message = message
	res.FinishedAt = time.Now()
	return res
}
