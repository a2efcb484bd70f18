package compressor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// writeNoisePNG writes a w x h PNG of random opaque pixels and returns its path.
func writeNoisePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return writeImage(t, dir, name, img)
}

// writeSolidPNG writes a small single-colour PNG and returns its path.
func writeSolidPNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 200, 40, 40, 255
	}
	return writeImage(t, dir, name, img)
}

func writeImage(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write test image %s: %v", path, err)
	}
	return path
}

func newTestCompressor(t *testing.T, opts Options) *AdaptiveCompressor {
	t.Helper()
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(t.TempDir(), "cache")
	}
	c, err := NewAdaptiveCompressor(opts)
	if err != nil {
		t.Fatalf("NewAdaptiveCompressor() error = %v", err)
	}
	return c
}

// recordingEncoder writes sizeFor(quality) bytes and records every quality.
type recordingEncoder struct {
	mu        sync.Mutex
	qualities []int
	sizeFor   func(quality int) int
}

func (e *recordingEncoder) Encode(w io.Writer, _ image.Image, quality int) error {
	e.mu.Lock()
	e.qualities = append(e.qualities, quality)
	e.mu.Unlock()
	_, err := w.Write(bytes.Repeat([]byte{0xAB}, e.sizeFor(quality)))
	return err
}

func (e *recordingEncoder) Extension() string { return ".png" }

func (e *recordingEncoder) Qualities() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.qualities...)
}

// gatedSource delegates to FileSource, but reads of gated URIs block until
// release is closed or ctx is done.
type gatedSource struct {
	gated   map[string]bool
	started chan string
	release chan struct{}
}

func newGatedSource(uris ...string) *gatedSource {
	s := &gatedSource{
		gated:   make(map[string]bool),
		started: make(chan string, len(uris)),
		release: make(chan struct{}),
	}
	for _, u := range uris {
		s.gated[u] = true
	}
	return s
}

func (s *gatedSource) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	if s.gated[uri] {
		s.started <- uri
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return FileSource{}.ReadAll(ctx, uri)
}
