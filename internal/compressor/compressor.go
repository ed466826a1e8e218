package compressor

import (
	"context"
	"time"

	"image-squasher-go/internal/discovery"
)

// ResizeMethodScale scales the image proportionally to the given width.
const ResizeMethodScale = "scale"

// Resize is the resize instruction sent along with a compression request.
type Resize struct {
	Method string `json:"method"`
	Width  int    `json:"width"`
}

// Directive defines what the remote service should do with an image.
type Directive struct {
	Resize   Resize
	Preserve []string
}

// Client is the remote compression capability.
type Client interface {
	// Compress uploads the file at sourcePath and returns the optimized bytes.
	Compress(ctx context.Context, sourcePath string, directive Directive) ([]byte, error)
	// CompressionCount returns the number of compressions used this billing
	// period, as last reported by the service.
	CompressionCount() int
}

// Outcome is the terminal state a file reaches.
type Outcome int

const (
	OutcomeCompressed Outcome = iota
	OutcomeSkippedExisting
	OutcomeSkippedEmpty
	OutcomeDryRun
	OutcomeFailed
)

// String returns a short label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompressed:
		return "compressed"
	case OutcomeSkippedExisting:
		return "skipped (exists)"
	case OutcomeSkippedEmpty:
		return "skipped (empty)"
	case OutcomeDryRun:
		return "dry-run"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes what happened to a single file.
type Result struct {
	Mapping        discovery.FileMapping
	Outcome        Outcome
	OriginalSize   int64
	CompressedSize int64
	PercentChange  float64
	Width          int // width sent to the remote service, 0 if no request was built
	Message        string
	Err            error
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Success reports whether the file ended in a non-failure state.
func (r Result) Success() bool {
	return r.Outcome != OutcomeFailed
}

// Duration returns how long the file took to process.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// PercentChange returns (compressed-original)*100/original.
func PercentChange(original, compressed int64) float64 {
	if original == 0 {
		return 0
	}
	return float64(compressed-original) * 100 / float64(original)
}
