package worker

import (
	"encoding/json"
	"fmt"
	"math"
)

// Keys of the compression job payloads.
const (
	KeyContentURIs          = "KEY_CONTENT_URIS"
	KeyCompressionThreshold = "KEY_COMPRESSION_THRESHOLD"
	KeyResultPaths          = "KEY_RESULT_PATHS"
)

// Data is the key-value payload passed into and out of a job.
type Data map[string]any

// NewCompressionInput builds the input payload of a compression job.
func NewCompressionInput(uris []string, thresholdBytes int64) Data {
	return Data{
		KeyContentURIs:          append([]string(nil), uris...),
		KeyCompressionThreshold: thresholdBytes,
	}
}

// StringArray returns the string array stored under key. It accepts the
// []any produced by JSON decoding as well as []string.
func (d Data) StringArray(key string) ([]string, bool) {
	switch v := d[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Long returns the integer stored under key, or def when it is absent or
// not an integral number.
func (d Data) Long(key string, def int64) int64 {
	switch v := d[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		if v == math.Trunc(v) {
			return int64(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return def
}

// compressionInput extracts the URIs and threshold of a job payload.
func compressionInput(d Data) ([]string, int64, error) {
	if _, ok := d[KeyContentURIs]; !ok {
		return nil, 0, fmt.Errorf("missing %s", KeyContentURIs)
	}
	uris, ok := d.StringArray(KeyContentURIs)
	if !ok {
		return nil, 0, fmt.Errorf("%s must be an array of strings", KeyContentURIs)
	}
	return uris, d.Long(KeyCompressionThreshold, 0), nil
}
