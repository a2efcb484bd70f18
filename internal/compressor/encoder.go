package compressor

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/disintegration/imaging"
)

// Encoder encodes a raster at a given quality in [1,100].
type Encoder interface {
	Encode(w io.Writer, img image.Image, quality int) error
	// Extension is the file extension of the encoded output, with the dot.
	Extension() string
}

// PNGEncoder produces PNG output. PNG is lossless, so quality below 100 is
// applied by reducing the number of levels per colour channel before the
// deflate pass.
type PNGEncoder struct{}

// NewPNGEncoder returns a PNGEncoder.
func NewPNGEncoder() *PNGEncoder {
	return &PNGEncoder{}
}

// Encode writes img as PNG at the given quality.
func (e *PNGEncoder) Encode(w io.Writer, img image.Image, quality int) error {
	if quality >= InitialQuality {
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression))
	}
	return imaging.Encode(w, posterize(img, quality), imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
}

// Extension returns ".png".
func (e *PNGEncoder) Extension() string {
	return ".png"
}

// JPEGEncoder produces JPEG output using quality directly.
type JPEGEncoder struct{}

// NewJPEGEncoder returns a JPEGEncoder.
func NewJPEGEncoder() *JPEGEncoder {
	return &JPEGEncoder{}
}

// Encode writes img as JPEG at the given quality.
func (e *JPEGEncoder) Encode(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(clampQuality(quality)))
}

// Extension returns ".jpg".
func (e *JPEGEncoder) Extension() string {
	return ".jpg"
}

// NewEncoder returns the encoder registered for format ("png" or "jpeg").
func NewEncoder(format string) (Encoder, error) {
	switch strings.ToLower(format) {
	case "", "png":
		return NewPNGEncoder(), nil
	case "jpg", "jpeg":
		return NewJPEGEncoder(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// posterize maps every colour channel onto channelLevels(quality) evenly
// spaced values. Alpha is kept.
func posterize(img image.Image, quality int) *image.NRGBA {
	levels := channelLevels(quality)
	step := 255.0 / float64(levels-1)
	var lut [256]uint8
	for v := range lut {
		lut[v] = uint8(math.Round(math.Round(float64(v)/step) * step))
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: lut[c.R], G: lut[c.G], B: lut[c.B], A: c.A}
	})
}

// channelLevels returns 4 levels at quality 1 up to 256 at quality 100.
func channelLevels(quality int) int {
	q := clampQuality(quality)
	return 2 + q*254/100
}

func clampQuality(q int) int {
	return max(1, min(q, 100))
}
