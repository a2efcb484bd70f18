package compressor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Per-image failure kinds. None of them aborts a batch.
var (
	ErrUnreadableSource = errors.New("unreadable source")
	ErrDecodeFailure    = errors.New("decode failure")
	ErrEncodeFailure    = errors.New("encode failure")
	ErrWriteFailure     = errors.New("write failure")
)

// CompressionRequest defines the input of a compression batch.
type CompressionRequest struct {
	URIs           []string
	ThresholdBytes int64
}

// ItemResult describes the outcome of compressing a single URI.
type ItemResult struct {
	URI            string
	OutputPath     string
	OriginalSize   int64
	CompressedSize int64
	Quality        int
	Iterations     int
	StartedAt      time.Time
	FinishedAt     time.Time
	Err            error
}

// Success reports whether the item produced a cache file.
func (r ItemResult) Success() bool {
	return r.Err == nil && r.OutputPath != ""
}

// CompressionResult holds one ItemResult per requested URI, in request order.
type CompressionResult struct {
	Items []ItemResult
}

// Paths returns the output location of every item. Failed items map to "".
func (r CompressionResult) Paths() []string {
	paths := make([]string, len(r.Items))
	for i, item := range r.Items {
		if item.Success() {
			paths[i] = item.OutputPath
		}
	}
	return paths
}

// Failed returns the number of items without an output file.
func (r CompressionResult) Failed() int {
	n := 0
	for _, item := range r.Items {
		if !item.Success() {
			n++
		}
	}
	return n
}

// ItemError wraps the cause of a per-image failure with its kind.
type ItemError struct {
	Kind error
	URI  string
	Err  error
}

func (e *ItemError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.URI, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.URI, e.Kind, e.Err)
}

// Is matches the failure kind, so errors.Is(err, ErrDecodeFailure) works.
func (e *ItemError) Is(target error) bool {
	return e.Kind == target
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Compressor defines the interface for adaptive image compression.
type Compressor interface {
	// Compress compresses every URI of the request concurrently and returns
	// one result per URI in request order. The returned error is non-nil only
	// when ctx was cancelled; the result is complete in either case.
	Compress(ctx context.Context, req CompressionRequest) (CompressionResult, error)
}
