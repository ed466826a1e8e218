package probe

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"
)

// HeaderProber reads image headers through the decoders registered with the
// image package (JPEG, PNG, GIF via imaging's imports, BMP/TIFF via imaging,
// WebP via x/image).
type HeaderProber struct {
	logger logrus.FieldLogger
}

// NewHeaderProber returns a new HeaderProber.
func NewHeaderProber(logger logrus.FieldLogger) *HeaderProber {
	return &HeaderProber{logger: logger}
}

// Probe returns the pixel dimensions of the image at filePath.
func (p *HeaderProber) Probe(filePath string) (Info, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	cfg, name, err := image.DecodeConfig(file)
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode %s header: %w", formatFromFilename(filePath), err)
	}
	if cfg.Width <= 0 {
		return Info{}, fmt.Errorf("image reports invalid width %d", cfg.Width)
	}

	info := Info{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: formatFromName(name),
	}

	if info.Format.MayCarryEXIF() {
		if _, err := file.Seek(0, 0); err == nil {
			if _, err := exif.Decode(file); err == nil {
				info.HasEXIF = true
			}
		}
	}

	p.logger.WithFields(logrus.Fields{
		"file":   filePath,
		"width":  info.Width,
		"height": info.Height,
		"format": info.Format.String(),
		"exif":   info.HasEXIF,
	}).Debug("Probed image header")

	return info, nil
}

// formatFromName maps the name reported by image.DecodeConfig.
func formatFromName(name string) Format {
	switch name {
	case "jpeg":
		return FormatJPEG
	case "png":
		return FormatPNG
	case "webp":
		return FormatWebP
	case "gif":
		return FormatGIF
	case "tiff":
		return FormatTIFF
	case "bmp":
		return FormatBMP
	default:
		return FormatUnknown
	}
}

// formatFromFilename guesses the format from the extension alone.
func formatFromFilename(filePath string) Format {
	if strings.EqualFold(filepath.Ext(filePath), ".webp") {
		return FormatWebP
	}
	f, err := imaging.FormatFromFilename(filePath)
	if err != nil {
		return FormatUnknown
	}
	switch f {
	case imaging.JPEG:
		return FormatJPEG
	case imaging.PNG:
		return FormatPNG
	case imaging.GIF:
		return FormatGIF
	case imaging.TIFF:
		return FormatTIFF
	case imaging.BMP:
		return FormatBMP
	default:
		return FormatUnknown
	}
}
