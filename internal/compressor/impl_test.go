package compressor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"tasky-photos/internal/statistics"
)

func TestCompress_ValidAndMissingURI(t *testing.T) {
	dir := t.TempDir()
	valid := writeNoisePNG(t, dir, "photo.png", 400, 400)
	missing := filepath.Join(dir, "missing.png")

	info, err := os.Stat(valid)
	if err != nil {
		t.Fatalf("Failed to stat test image: %v", err)
	}
	if info.Size() < 400_000 {
		t.Fatalf("Test image is %d bytes, want a large image", info.Size())
	}

	c := newTestCompressor(t, Options{})
	res, err := c.Compress(context.Background(), CompressionRequest{
		URIs:           []string{valid, missing},
		ThresholdBytes: 100_000,
	})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	paths := res.Paths()
	if len(paths) != 2 {
		t.Fatalf("Expected 2 paths, got %d", len(paths))
	}
	if !strings.HasSuffix(paths[0], "-compressed.png") {
		t.Errorf("Expected path ending in -compressed.png, got %q", paths[0])
	}
	if !filepath.IsAbs(paths[0]) {
		t.Errorf("Expected absolute path, got %q", paths[0])
	}
	if _, err := os.Stat(paths[0]); err != nil {
		t.Errorf("Expected compressed file to exist: %v", err)
	}
	if paths[1] != "" {
		t.Errorf("Expected empty path for missing URI, got %q", paths[1])
	}
	if !errors.Is(res.Items[1].Err, ErrUnreadableSource) {
		t.Errorf("Expected ErrUnreadableSource, got %v", res.Items[1].Err)
	}
	if res.Items[0].CompressedSize >= res.Items[0].OriginalSize {
		t.Errorf("Expected compressed size %d below original %d",
			res.Items[0].CompressedSize, res.Items[0].OriginalSize)
	}
}

func TestCompress_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	uris := []string{
		writeSolidPNG(t, dir, "a.png"),
		filepath.Join(dir, "nope.png"),
		writeSolidPNG(t, dir, "b.png"),
		writeNoisePNG(t, dir, "c.png", 64, 64),
		filepath.Join(dir, "also-missing.png"),
	}

	c := newTestCompressor(t, Options{})
	res, err := c.Compress(context.Background(), CompressionRequest{URIs: uris, ThresholdBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	if len(res.Items) != len(uris) {
		t.Fatalf("Expected %d items, got %d", len(uris), len(res.Items))
	}
	for i, item := range res.Items {
		if item.URI != uris[i] {
			t.Errorf("Item %d: URI = %q, want %q", i, item.URI, uris[i])
		}
	}

	paths := res.Paths()
	for _, i := range []int{0, 2, 3} {
		want := filepath.Join(c.CacheDir(), CacheFileName(uris[i], ".png"))
		if paths[i] != want {
			t.Errorf("Path %d = %q, want %q", i, paths[i], want)
		}
	}
	for _, i := range []int{1, 4} {
		if paths[i] != "" {
			t.Errorf("Path %d = %q, want empty", i, paths[i])
		}
	}
	if res.Failed() != 2 {
		t.Errorf("Failed() = %d, want 2", res.Failed())
	}
}

func TestCompress_EmptyRequest(t *testing.T) {
	c := newTestCompressor(t, Options{})
	res, err := c.Compress(context.Background(), CompressionRequest{ThresholdBytes: 10})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if len(res.Paths()) != 0 {
		t.Errorf("Expected no paths, got %v", res.Paths())
	}
}

func TestCompress_SinglePassWhenUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	uri := writeSolidPNG(t, dir, "small.png")
	enc := &recordingEncoder{sizeFor: func(int) int { return 10 }}

	c := newTestCompressor(t, Options{Encoder: enc})
	res, err := c.Compress(context.Background(), CompressionRequest{URIs: []string{uri}, ThresholdBytes: 1000})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	if got := enc.Qualities(); !reflect.DeepEqual(got, []int{100}) {
		t.Errorf("Encoded qualities = %v, want [100]", got)
	}
	item := res.Items[0]
	if item.Iterations != 1 || item.Quality != 100 {
		t.Errorf("Iterations = %d, Quality = %d, want 1 and 100", item.Iterations, item.Quality)
	}
	if item.CompressedSize != 10 {
		t.Errorf("CompressedSize = %d, want 10", item.CompressedSize)
	}
}

func TestCompress_DecaysUntilUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	uri := writeSolidPNG(t, dir, "photo.png")
	enc := &recordingEncoder{sizeFor: func(q int) int { return q * 10 }}

	c := newTestCompressor(t, Options{Encoder: enc})
	res, err := c.Compress(context.Background(), CompressionRequest{URIs: []string{uri}, ThresholdBytes: 500})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	want := []int{100, 90, 81, 73, 66, 59, 53, 48}
	if got := enc.Qualities(); !reflect.DeepEqual(got, want) {
		t.Errorf("Encoded qualities = %v, want %v", got, want)
	}
	item := res.Items[0]
	if item.Quality != 48 || item.Iterations != len(want) {
		t.Errorf("Quality = %d, Iterations = %d, want 48 and %d", item.Quality, item.Iterations, len(want))
	}

	data, err := os.ReadFile(item.OutputPath)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if len(data) != 480 {
		t.Errorf("Written file is %d bytes, want 480", len(data))
	}
}

func TestCompress_StopsAtQualityFloor(t *testing.T) {
	dir := t.TempDir()
	uri := writeSolidPNG(t, dir, "photo.png")
	enc := &recordingEncoder{sizeFor: func(int) int { return 100 }}

	c := newTestCompressor(t, Options{Encoder: enc})
	res, err := c.Compress(context.Background(), CompressionRequest{URIs: []string{uri}, ThresholdBytes: 10})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	got := enc.Qualities()
	if !reflect.DeepEqual(got, QualitySchedule()) {
		t.Errorf("Encoded qualities = %v, want %v", got, QualitySchedule())
	}
	for i := 1; i < len(got); i++ {
		if got[i] >= got[i-1] {
			t.Errorf("Quality did not decrease at pass %d: %d -> %d", i, got[i-1], got[i])
		}
	}
	if res.Items[0].OutputPath == "" {
		t.Error("Expected an output file even when the floor is reached")
	}
	if res.Items[0].Quality != 6 {
		t.Errorf("Final quality = %d, want 6", res.Items[0].Quality)
	}
}

func TestCompress_DecodeFailure(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.png")
	if err := os.WriteFile(garbage, []byte("not an image"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	valid := writeSolidPNG(t, dir, "ok.png")

	c := newTestCompressor(t, Options{})
	res, err := c.Compress(context.Background(), CompressionRequest{URIs: []string{garbage, valid}, ThresholdBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	if res.Paths()[0] != "" {
		t.Errorf("Expected empty path for undecodable image, got %q", res.Paths()[0])
	}
	if !errors.Is(res.Items[0].Err, ErrDecodeFailure) {
		t.Errorf("Expected ErrDecodeFailure, got %v", res.Items[0].Err)
	}
	if res.Paths()[1] == "" {
		t.Error("Expected valid image to be compressed")
	}
}

func TestCompress_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	uri := writeSolidPNG(t, dir, "photo.png")

	c := newTestCompressor(t, Options{})
	if err := os.RemoveAll(c.CacheDir()); err != nil {
		t.Fatalf("Failed to remove cache dir: %v", err)
	}

	res, err := c.Compress(context.Background(), CompressionRequest{URIs: []string{uri}, ThresholdBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if res.Paths()[0] != "" {
		t.Errorf("Expected empty path, got %q", res.Paths()[0])
	}
	if !errors.Is(res.Items[0].Err, ErrWriteFailure) {
		t.Errorf("Expected ErrWriteFailure, got %v", res.Items[0].Err)
	}
}

func TestCompress_WaitsForSlowestImage(t *testing.T) {
	dir := t.TempDir()
	fast := writeSolidPNG(t, dir, "fast.png")
	slow := writeSolidPNG(t, dir, "slow.png")
	src := newGatedSource(slow)

	c := newTestCompressor(t, Options{Source: src})

	type outcome struct {
		res CompressionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Compress(context.Background(), CompressionRequest{URIs: []string{slow, fast}, ThresholdBytes: 1 << 20})
		done <- outcome{res, err}
	}()

	select {
	case <-src.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Slow read never started")
	}

	select {
	case <-done:
		t.Fatal("Compress returned before the slow image finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(src.release)

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("Compress() error = %v", out.err)
		}
		for i, p := range out.res.Paths() {
			if p == "" {
				t.Errorf("Path %d is empty: %v", i, out.res.Items[i].Err)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Compress did not return after the slow image was released")
	}
}

func TestCompress_CancelledBatchLeavesNoCacheFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeSolidPNG(t, dir, "a.png")
	b := writeSolidPNG(t, dir, "b.png")
	src := newGatedSource(a, b)
	stats := statistics.NewStatistics()

	c := newTestCompressor(t, Options{Source: src, Stats: stats})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var res CompressionResult
	var err error
	go func() {
		defer close(done)
		res, err = c.Compress(ctx, CompressionRequest{URIs: []string{a, b}, ThresholdBytes: 1 << 20})
	}()

	<-src.started
	<-src.started
	cancel()
	<-done

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Compress() error = %v, want context.Canceled", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(res.Items))
	}
	for i, item := range res.Items {
		if item.OutputPath != "" {
			t.Errorf("Item %d: expected no output, got %q", i, item.OutputPath)
		}
		if !errors.Is(item.Err, context.Canceled) {
			t.Errorf("Item %d: expected context.Canceled, got %v", i, item.Err)
		}
	}

	entries, err := os.ReadDir(c.CacheDir())
	if err != nil {
		t.Fatalf("Failed to read cache dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty cache dir, found %d entries", len(entries))
	}
	if got := stats.Snapshot().FailuresByOperation["cancelled"]; got != 2 {
		t.Errorf("Cancelled failures = %d, want 2", got)
	}
}

func TestCompress_ImageTimeout(t *testing.T) {
	dir := t.TempDir()
	slow := writeSolidPNG(t, dir, "slow.png")
	fast := writeSolidPNG(t, dir, "fast.png")
	src := newGatedSource(slow)

	c := newTestCompressor(t, Options{Source: src, ImageTimeout: 50 * time.Millisecond})
	res, err := c.Compress(context.Background(), CompressionRequest{URIs: []string{slow, fast}, ThresholdBytes: 1 << 20})
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	if !errors.Is(res.Items[0].Err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", res.Items[0].Err)
	}
	if res.Paths()[1] == "" {
		t.Errorf("Expected fast image to succeed: %v", res.Items[1].Err)
	}
}

func TestCompress_SameURISamePath(t *testing.T) {
	dir := t.TempDir()
	uri := writeSolidPNG(t, dir, "photo.png")
	c := newTestCompressor(t, Options{})

	first, _ := c.Compress(context.Background(), CompressionRequest{URIs: []string{uri}, ThresholdBytes: 1 << 20})
	second, _ := c.Compress(context.Background(), CompressionRequest{URIs: []string{uri}, ThresholdBytes: 1 << 20})

	if first.Paths()[0] == "" || first.Paths()[0] != second.Paths()[0] {
		t.Errorf("Expected identical non-empty paths, got %q and %q", first.Paths()[0], second.Paths()[0])
	}
}

func TestCompress_RecordsStatistics(t *testing.T) {
	dir := t.TempDir()
	stats := statistics.NewStatistics()
	uris := []string{writeSolidPNG(t, dir, "a.png"), filepath.Join(dir, "missing.png")}

	c := newTestCompressor(t, Options{Stats: stats})
	if _, err := c.Compress(context.Background(), CompressionRequest{URIs: uris, ThresholdBytes: 1 << 20}); err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	snap := stats.Snapshot()
	if snap.ImagesRequested != 2 || snap.ImagesCompressed != 1 || snap.ImagesFailed != 1 {
		t.Errorf("Unexpected counters: %+v", snap)
	}
	if snap.FailuresByOperation["read"] != 1 {
		t.Errorf("Read failures = %d, want 1", snap.FailuresByOperation["read"])
	}
}

func TestNewAdaptiveCompressor_OwnsTempCacheDir(t *testing.T) {
	c, err := NewAdaptiveCompressor(Options{})
	if err != nil {
		t.Fatalf("NewAdaptiveCompressor() error = %v", err)
	}
	dir := c.CacheDir()
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("Expected cache dir to exist: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Expected cache dir to be removed, stat error = %v", err)
	}
}

func TestCacheFileName(t *testing.T) {
	tests := []struct {
		uri  string
		ext  string
		want string
	}{
		{"content://media/external/images/42", ".png", "content:%2F%2Fmedia%2Fexternal%2Fimages%2F42-compressed.png"},
		{"photo", ".png", "photo-compressed.png"},
		{"/tmp/a b.jpg", ".jpg", "%2Ftmp%2Fa%20b.jpg-compressed.jpg"},
	}
	for _, tt := range tests {
		if got := CacheFileName(tt.uri, tt.ext); got != tt.want {
			t.Errorf("CacheFileName(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}

	long := CacheFileName(strings.Repeat("x", 300), ".png")
	if len(long) != 64+len("-compressed.png") || !strings.HasSuffix(long, "-compressed.png") {
		t.Errorf("Unexpected long name %q", long)
	}
}
