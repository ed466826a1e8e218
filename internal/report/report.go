// Package report renders batch results for the terminal.
package report

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"image-squasher-go/internal/compressor"
	"image-squasher-go/internal/statistics"

	"github.com/olekukonko/tablewriter"
)

// ResultsTable renders one row per result. Source paths are shown relative
// to root when possible.
func ResultsTable(root string, results []compressor.Result) string {
	var buf bytes.Buffer
	WriteResults(&buf, root, results)
	return buf.String()
}

// WriteResults writes the results table to w.
func WriteResults(w io.Writer, root string, results []compressor.Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"File", "Outcome", "Width", "Before", "After", "Change", "Time"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	var before, after int64
	for _, res := range results {
		row := []string{displayPath(root, res.Mapping.SourcePath), res.Outcome.String(), "-", "-", "-", "-", formatDuration(res.Duration())}
		if res.Width > 0 {
			row[2] = strconv.Itoa(res.Width)
		}
		if res.OriginalSize > 0 {
			row[3] = statistics.FormatBytes(res.OriginalSize)
		}
		if res.Outcome == compressor.OutcomeCompressed {
			row[4] = statistics.FormatBytes(res.CompressedSize)
			row[5] = fmt.Sprintf("%+.1f%%", res.PercentChange)
			before += res.OriginalSize
			after += res.CompressedSize
		}
		if res.Outcome == compressor.OutcomeFailed && res.Err != nil {
			row[1] = "failed: " + res.Err.Error()
		}
		table.Append(row)
	}

	footer := []string{fmt.Sprintf("%d files", len(results)), "", "", "", "", "", ""}
	if before > 0 {
		footer[3] = statistics.FormatBytes(before)
		footer[4] = statistics.FormatBytes(after)
		footer[5] = fmt.Sprintf("%+.1f%%", compressor.PercentChange(before, after))
	}
	table.SetFooter(footer)
	table.Render()
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func displayPath(root, path string) string {
	if root == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
