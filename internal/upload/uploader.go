package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"tasky-photos/internal/logger"
	"tasky-photos/internal/statistics"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// EventRequestField carries the event JSON on both create and update requests.
const EventRequestField = "create_event_request"

const photoContentType = "image/png"

// Options configures an Uploader.
type Options struct {
	BaseURL    string
	EventRoute string
	APIKey     string
	Token      string
	Timeout    time.Duration
	Logger     *logrus.Logger
	Stats      *statistics.Statistics
}

// Uploader posts agenda events with their compressed photos as multipart forms.
type Uploader struct {
	client     *resty.Client
	eventRoute string
	logger     *logrus.Logger
	stats      *statistics.Statistics
}

// Photo is one multipart file part.
type Photo struct {
	Name     string
	FileName string
	Data     []byte
}

// NewUploader returns an Uploader for the API at opts.BaseURL.
func NewUploader(opts Options) *Uploader {
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout)
	if opts.APIKey != "" {
		client.SetHeader("x-api-key", opts.APIKey)
	}
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}

	u := &Uploader{
		client:     client,
		eventRoute: opts.EventRoute,
		logger:     opts.Logger,
		stats:      opts.Stats,
	}
	if u.eventRoute == "" {
		u.eventRoute = "/event"
	}
	if u.logger == nil {
		u.logger = logger.Discard()
	}
	if u.stats == nil {
		u.stats = statistics.NewStatistics()
	}
	return u
}

// LoadPhotos reads the compressed files into photo parts named photo<i>,
// with filename photo<i>.png. Empty paths are failed compressions and are
// skipped without leaving a gap in the numbering.
func LoadPhotos(paths []string) ([]Photo, error) {
	photos := make([]Photo, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read compressed photo: %w", err)
		}
		name := fmt.Sprintf("photo%d", len(photos))
		photos = append(photos, Photo{Name: name, FileName: name + ".png", Data: data})
	}
	return photos, nil
}

// CreateEvent posts a new event with its photos and decodes the response into out.
func (u *Uploader) CreateEvent(ctx context.Context, event any, photoPaths []string, out any) error {
	return u.send(ctx, http.MethodPost, EventRequestField, event, photoPaths, out)
}

// UpdateEvent puts an updated event with its new photos and decodes the response into out.
func (u *Uploader) UpdateEvent(ctx context.Context, event any, photoPaths []string, out any) error {
	return u.send(ctx, http.MethodPut, EventRequestField, event, photoPaths, out)
}

func (u *Uploader) send(ctx context.Context, method, field string, event any, photoPaths []string, out any) error {
	photos, err := LoadPhotos(photoPaths)
	if err != nil {
		return err
	}
	err = u.sendPhotos(ctx, method, field, event, photos, out)
	u.stats.RecordUpload(len(photos), err)
	return err
}

func (u *Uploader) sendPhotos(ctx context.Context, method, field string, event any, photos []Photo, out any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req := u.client.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{field: string(payload)})
	for _, p := range photos {
		req.SetMultipartField(p.Name, p.FileName, photoContentType, bytes.NewReader(p.Data))
	}
	if out != nil {
		req.SetResult(out)
	}

	log := logger.WithOperation(u.logger, "upload").WithFields(logrus.Fields{
		"method": method,
		"route":  u.eventRoute,
		"photos": len(photos),
	})

	resp, err := req.Execute(method, u.eventRoute)
	if err != nil {
		log.WithError(err).Error("Event upload failed")
		return fmt.Errorf("upload event: %w", err)
	}
	if resp.IsError() {
		log.WithField("status", resp.StatusCode()).Error("Event upload rejected")
		return fmt.Errorf("upload event: status %d: %s", resp.StatusCode(), resp.String())
	}
	log.Info("Event uploaded")
	return nil
}
