package probe

// Prober reads the dimensions of an image without decoding its pixels.
type Prober interface {
	Probe(filePath string) (Info, error)
}

// Info describes what the probe learned about an image.
type Info struct {
	Width   int
	Height  int
	Format  Format
	HasEXIF bool
}

// Format represents the encoded format of an image.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatWebP
	FormatGIF
	FormatTIFF
	FormatBMP
)

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	case FormatWebP:
		return "WebP"
	case FormatGIF:
		return "GIF"
	case FormatTIFF:
		return "TIFF"
	case FormatBMP:
		return "BMP"
	default:
		return "Unknown"
	}
}

// MayCarryEXIF reports whether files of this format can hold an EXIF block
// that goexif understands.
func (f Format) MayCarryEXIF() bool {
	return f == FormatJPEG || f == FormatTIFF
}
