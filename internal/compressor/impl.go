package compressor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"tasky-photos/internal/logger"
	"tasky-photos/internal/statistics"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// maxCacheNameLen keeps cache file names under common filesystem limits.
const maxCacheNameLen = 200

// Options configures an AdaptiveCompressor.
type Options struct {
	// CacheDir receives the compressed files. Empty means a fresh temporary
	// directory owned by the compressor.
	CacheDir string
	// Encoder defaults to PNGEncoder.
	Encoder Encoder
	// Source defaults to FileSource.
	Source Source
	// EncodeWorkers bounds concurrent encode passes. Defaults to NumCPU.
	EncodeWorkers int
	// ImageTimeout bounds the work on a single image. Zero disables it.
	ImageTimeout time.Duration
	Logger       *logrus.Logger
	Stats        *statistics.Statistics
}

// AdaptiveCompressor re-encodes images at decreasing quality until they fit
// under a byte threshold, and stages them in a cache directory.
type AdaptiveCompressor struct {
	cacheDir     string
	ownsCacheDir bool
	encoder      Encoder
	source       Source
	encodeSlots  chan struct{}
	imageTimeout time.Duration
	logger       *logrus.Logger
	stats        *statistics.Statistics
}

// NewAdaptiveCompressor creates the cache directory and returns a compressor.
func NewAdaptiveCompressor(opts Options) (*AdaptiveCompressor, error) {
	c := &AdaptiveCompressor{
		encoder:      opts.Encoder,
		source:       opts.Source,
		imageTimeout: opts.ImageTimeout,
		logger:       opts.Logger,
		stats:        opts.Stats,
	}
	if c.encoder == nil {
		c.encoder = NewPNGEncoder()
	}
	if c.source == nil {
		c.source = FileSource{}
	}
	if c.logger == nil {
		c.logger = logger.Discard()
	}
	if c.stats == nil {
		c.stats = statistics.NewStatistics()
	}

	workers := opts.EncodeWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	c.encodeSlots = make(chan struct{}, workers)

	if opts.CacheDir == "" {
		dir, err := os.MkdirTemp("", "tasky-photos-*")
		if err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		c.cacheDir = dir
		c.ownsCacheDir = true
	} else {
		if err := os.MkdirAll(opts.CacheDir, 0755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		dir, err := filepath.Abs(opts.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("resolve cache dir: %w", err)
		}
		c.cacheDir = dir
	}
	return c, nil
}

// CacheDir returns the absolute path of the cache directory.
func (c *AdaptiveCompressor) CacheDir() string {
	return c.cacheDir
}

// Close removes the cache directory if the compressor created it.
func (c *AdaptiveCompressor) Close() error {
	if !c.ownsCacheDir {
		return nil
	}
	return os.RemoveAll(c.cacheDir)
}

// Compress launches one goroutine per URI and waits for all of them.
func (c *AdaptiveCompressor) Compress(ctx context.Context, req CompressionRequest) (CompressionResult, error) {
	start := time.Now()
	items := make([]ItemResult, len(req.URIs))
	c.stats.AddImagesRequested(len(req.URIs))

	type result struct {
		index int
		res   ItemResult
	}
	results := make(chan result, len(req.URIs))

	var wg sync.WaitGroup
	wg.Add(len(req.URIs))
	for i, uri := range req.URIs {
		go func(index int, uri string) {
			defer wg.Done()
			results <- result{index: index, res: c.compressOne(ctx, uri, req.ThresholdBytes)}
		}(i, uri)
	}

	wg.Wait()
	close(results)

	for r := range results {
		items[r.index] = r.res
	}

	res := CompressionResult{Items: items}
	c.logger.WithFields(logrus.Fields{
		"operation": "compress",
		"images":    len(items),
		"failed":    res.Failed(),
		"threshold": req.ThresholdBytes,
		"duration":  time.Since(start).String(),
	}).Info("Compression batch finished")

	return res, ctx.Err()
}

// compressOne runs the read, decode, encode and write steps for one URI.
// Every failure is folded into the returned ItemResult.
func (c *AdaptiveCompressor) compressOne(ctx context.Context, uri string, thresholdBytes int64) ItemResult {
	if c.imageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.imageTimeout)
		defer cancel()
	}

	res := ItemResult{URI: uri, StartedAt: time.Now()}

	data, err := c.source.ReadAll(ctx, uri)
	if err != nil {
		return c.fail(ctx, res, ErrUnreadableSource, err)
	}
	res.OriginalSize = int64(len(data))

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return c.fail(ctx, res, ErrDecodeFailure, err)
	}

	out, quality, iterations, err := c.encodeAdaptive(ctx, img, thresholdBytes)
	res.Quality = quality
	res.Iterations = iterations
	if err != nil {
		return c.fail(ctx, res, ErrEncodeFailure, err)
	}
	res.CompressedSize = int64(len(out))

	path, err := c.writeCacheFile(ctx, uri, out)
	if err != nil {
		return c.fail(ctx, res, ErrWriteFailure, err)
	}
	res.OutputPath = path
	res.FinishedAt = time.Now()

	c.stats.RecordCompressed(res.OriginalSize, res.CompressedSize, res.Iterations)
	logger.WithURI(c.logger, uri).WithFields(logrus.Fields{
		"output":          path,
		"original_size":   res.OriginalSize,
		"compressed_size": res.CompressedSize,
		"quality":         res.Quality,
		"iterations":      res.Iterations,
	}).Debug("Image compressed")
	return res
}

// encodeAdaptive encodes img at decreasing quality. It returns the last
// buffer together with the quality it was encoded at and the number of passes.
func (c *AdaptiveCompressor) encodeAdaptive(ctx context.Context, img image.Image, thresholdBytes int64) ([]byte, int, int, error) {
	var buf bytes.Buffer
	quality := InitialQuality
	iterations := 0
	for {
		if err := c.acquireEncodeSlot(ctx); err != nil {
			return nil, quality, iterations, err
		}
		buf.Reset()
		err := c.encoder.Encode(&buf, img, quality)
		c.releaseEncodeSlot()
		if err != nil {
			return nil, quality, iterations, err
		}
		iterations++

		used := quality
		quality = NextQuality(quality)
		if !shouldContinue(int64(buf.Len()), thresholdBytes, quality) {
			return buf.Bytes(), used, iterations, nil
		}
	}
}

func (c *AdaptiveCompressor) acquireEncodeSlot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.encodeSlots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *AdaptiveCompressor) releaseEncodeSlot() {
	<-c.encodeSlots
}

// writeCacheFile stages data in a temporary file and renames it into place,
// so a cancelled or failed write never leaves a partial cache file behind.
func (c *AdaptiveCompressor) writeCacheFile(ctx context.Context, uri string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(c.cacheDir, CacheFileName(uri, c.encoder.Extension()))

	tmp, err := os.CreateTemp(c.cacheDir, ".partial-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return path, nil
}

// fail records a per-image failure. Context errors take precedence over the
// step's own kind so cancelled items are reported as such.
func (c *AdaptiveCompressor) fail(ctx context.Context, res ItemResult, kind error, cause error) ItemResult {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(cause, ctxErr) {
		kind = ctxErr
	}
	res.Err = &ItemError{Kind: kind, URI: res.URI, Err: cause}
	res.OutputPath = ""
	res.FinishedAt = time.Now()

	c.stats.RecordFailure(res.URI, failureOperation(kind), cause.Error())
	logger.WithURI(c.logger, res.URI).
		WithField("operation", failureOperation(kind)).
		WithError(cause).Warn("Image compression failed")
	return res
}

func failureOperation(kind error) string {
	switch {
	case errors.Is(kind, ErrUnreadableSource):
		return "read"
	case errors.Is(kind, ErrDecodeFailure):
		return "decode"
	case errors.Is(kind, ErrEncodeFailure):
		return "encode"
	case errors.Is(kind, ErrWriteFailure):
		return "write"
	case errors.Is(kind, context.Canceled), errors.Is(kind, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}

// CacheFileName returns the deterministic cache file name for uri:
// the path-escaped URI followed by "-compressed" and ext. Names that would be
// too long are replaced by the SHA-256 of the URI.
func CacheFileName(uri, ext string) string {
	name := url.PathEscape(uri)
	if len(name) > maxCacheNameLen {
		sum := sha256.Sum256([]byte(uri))
		name = hex.EncodeToString(sum[:])
	}
	return name + "-compressed" + ext
}
