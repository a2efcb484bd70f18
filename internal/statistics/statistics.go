package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxErrors caps the number of failures kept for reporting.
const maxErrors = 100

// Statistics contains counters for compression batches, jobs and uploads.
type Statistics struct {
	ImagesRequested  int64
	ImagesCompressed int64
	ImagesFailed     int64
	EncodePasses     int64
	BytesIn          int64
	BytesOut         int64

	JobsEnqueued  int64
	JobsSucceeded int64
	JobsFailed    int64
	JobsCancelled int64

	UploadsSucceeded int64
	UploadsFailed    int64
	PhotosUploaded   int64

	StartTime time.Time

	Errors []StatError

	// FailuresByOperation counts failures per step (read, decode, encode, write, cancelled).
	FailuresByOperation map[string]int64

	mutex sync.RWMutex
}

// StatError represents an error that occurred during processing.
type StatError struct {
	URI       string
	Operation string
	Error     string
	Timestamp time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:           time.Now(),
		Errors:              make([]StatError, 0),
		FailuresByOperation: make(map[string]int64),
	}
}

// AddImagesRequested increases the count of requested images by n.
func (s *Statistics) AddImagesRequested(n int) {
	atomic.AddInt64(&s.ImagesRequested, int64(n))
}

// RecordCompressed records a successfully staged image.
func (s *Statistics) RecordCompressed(originalSize, compressedSize int64, passes int) {
	atomic.AddInt64(&s.ImagesCompressed, 1)
	atomic.AddInt64(&s.BytesIn, originalSize)
	atomic.AddInt64(&s.BytesOut, compressedSize)
	atomic.AddInt64(&s.EncodePasses, int64(passes))
}

// RecordFailure records an image that produced no cache file.
func (s *Statistics) RecordFailure(uri, operation, errorMsg string) {
	atomic.AddInt64(&s.ImagesFailed, 1)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.FailuresByOperation[operation]++
	if len(s.Errors) >= maxErrors {
		s.Errors = s.Errors[1:]
	}
	s.Errors = append(s.Errors, StatError{
		URI:       uri,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// IncrementJobsEnqueued increases the count of enqueued jobs by 1.
func (s *Statistics) IncrementJobsEnqueued() {
	atomic.AddInt64(&s.JobsEnqueued, 1)
}

// IncrementJobsSucceeded increases the count of succeeded jobs by 1.
func (s *Statistics) IncrementJobsSucceeded() {
	atomic.AddInt64(&s.JobsSucceeded, 1)
}

// IncrementJobsFailed increases the count of failed jobs by 1.
func (s *Statistics) IncrementJobsFailed() {
	atomic.AddInt64(&s.JobsFailed, 1)
}

// IncrementJobsCancelled increases the count of cancelled jobs by 1.
func (s *Statistics) IncrementJobsCancelled() {
	atomic.AddInt64(&s.JobsCancelled, 1)
}

// RecordUpload records the outcome of a multipart upload.
func (s *Statistics) RecordUpload(photos int, err error) {
	if err != nil {
		atomic.AddInt64(&s.UploadsFailed, 1)
		return
	}
	atomic.AddInt64(&s.UploadsSucceeded, 1)
	atomic.AddInt64(&s.PhotosUploaded, int64(photos))
}

// Snapshot is a point-in-time copy of the counters, suitable for JSON.
type Snapshot struct {
	ImagesRequested     int64            `json:"images_requested"`
	ImagesCompressed    int64            `json:"images_compressed"`
	ImagesFailed        int64            `json:"images_failed"`
	EncodePasses        int64            `json:"encode_passes"`
	BytesIn             int64            `json:"bytes_in"`
	BytesOut            int64            `json:"bytes_out"`
	PercentageSaved     float64          `json:"percentage_saved"`
	JobsEnqueued        int64            `json:"jobs_enqueued"`
	JobsSucceeded       int64            `json:"jobs_succeeded"`
	JobsFailed          int64            `json:"jobs_failed"`
	JobsCancelled       int64            `json:"jobs_cancelled"`
	UploadsSucceeded    int64            `json:"uploads_succeeded"`
	UploadsFailed       int64            `json:"uploads_failed"`
	PhotosUploaded      int64            `json:"photos_uploaded"`
	FailuresByOperation map[string]int64 `json:"failures_by_operation"`
	Uptime              string           `json:"uptime"`
}

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		ImagesRequested:  atomic.LoadInt64(&s.ImagesRequested),
		ImagesCompressed: atomic.LoadInt64(&s.ImagesCompressed),
		ImagesFailed:     atomic.LoadInt64(&s.ImagesFailed),
		EncodePasses:     atomic.LoadInt64(&s.EncodePasses),
		BytesIn:          atomic.LoadInt64(&s.BytesIn),
		BytesOut:         atomic.LoadInt64(&s.BytesOut),
		JobsEnqueued:     atomic.LoadInt64(&s.JobsEnqueued),
		JobsSucceeded:    atomic.LoadInt64(&s.JobsSucceeded),
		JobsFailed:       atomic.LoadInt64(&s.JobsFailed),
		JobsCancelled:    atomic.LoadInt64(&s.JobsCancelled),
		UploadsSucceeded: atomic.LoadInt64(&s.UploadsSucceeded),
		UploadsFailed:    atomic.LoadInt64(&s.UploadsFailed),
		PhotosUploaded:   atomic.LoadInt64(&s.PhotosUploaded),
		Uptime:           time.Since(s.StartTime).Round(time.Second).String(),
	}
	if snap.BytesIn > 0 {
		snap.PercentageSaved = float64(snap.BytesIn-snap.BytesOut) * 100 / float64(snap.BytesIn)
	}

	s.mutex.RLock()
	snap.FailuresByOperation = make(map[string]int64, len(s.FailuresByOperation))
	for op, n := range s.FailuresByOperation {
		snap.FailuresByOperation[op] = n
	}
	s.mutex.RUnlock()
	return snap
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()
	return fmt.Sprintf(`Tasky Photos Statistics Summary:

Images:
		Requested: %d
		Compressed: %d
		Failed: %d
		Encode Passes: %d
		Bytes In: %s
		Bytes Out: %s
		Saved: %.2f%%

Jobs:
		Enqueued: %d
		Succeeded: %d
		Failed: %d
		Cancelled: %d

Uploads:
		Succeeded: %d
		Failed: %d
		Photos: %d`,
		snap.ImagesRequested,
		snap.ImagesCompressed,
		snap.ImagesFailed,
		snap.EncodePasses,
		formatBytes(snap.BytesIn),
		formatBytes(snap.BytesOut),
		snap.PercentageSaved,
		snap.JobsEnqueued,
		snap.JobsSucceeded,
		snap.JobsFailed,
		snap.JobsCancelled,
		snap.UploadsSucceeded,
		snap.UploadsFailed,
		snap.PhotosUploaded)
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			fmt.Fprintf(&b, "  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		fmt.Fprintf(&b, "  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.URI,
			err.Error)
	}
	return b.String()
}

// GetFailureBreakdown returns failures per operation, sorted by operation.
func (s *Statistics) GetFailureBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.FailuresByOperation) == 0 {
		return "No failures recorded"
	}
	ops := make([]string, 0, len(s.FailuresByOperation))
	for op := range s.FailuresByOperation {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	result := "Failure Breakdown:\n"
	for _, op := range ops {
		result += fmt.Sprintf("  %s: %d\n", op, s.FailuresByOperation[op])
	}
	return result
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
