package probe

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderProber_Probe(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		file   string
		width  int
		height int
		format Format
	}{
		{"png", "a.png", 500, 300, FormatPNG},
		{"jpeg", "b.jpg", 64, 32, FormatJPEG},
		{"uppercase extension", "c.JPEG", 10, 40, FormatJPEG},
	}

	p := NewHeaderProber(quietLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			img := imaging.New(tt.width, tt.height, color.NRGBA{R: 200, A: 255})
			require.NoError(t, imaging.Save(img, path))

			info, err := p.Probe(path)
			require.NoError(t, err)
			assert.Equal(t, tt.width, info.Width)
			assert.Equal(t, tt.height, info.Height)
			assert.Equal(t, tt.format, info.Format)
			assert.False(t, info.HasEXIF)
		})
	}
}

func TestHeaderProber_NotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.png")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a png"), 0o644))

	_, err := NewHeaderProber(quietLogger()).Probe(path)
	assert.ErrorContains(t, err, "failed to decode PNG header")
}

func TestHeaderProber_MissingFile(t *testing.T) {
	_, err := NewHeaderProber(quietLogger()).Probe(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "WebP", FormatWebP.String())
	assert.Equal(t, "Unknown", Format(99).String())
	assert.True(t, FormatJPEG.MayCarryEXIF())
	assert.False(t, FormatPNG.MayCarryEXIF())
	assert.Equal(t, FormatWebP, formatFromFilename("x.WEBP"))
	assert.Equal(t, FormatTIFF, formatFromFilename("x.tif"))
	assert.Equal(t, FormatUnknown, formatFromFilename("x.heic"))
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
