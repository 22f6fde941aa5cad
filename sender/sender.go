// Package sender uploads serialized recordings to a Pyroscope ingestion
// endpoint.
package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultSpyName is the profiler-kind marker attached to every upload.
const DefaultSpyName = "jfrspy"

type Config struct {
	ServerURL string
	AuthToken string
	AppName   string
	SpyName   string        // Defaults to DefaultSpyName
	Timeout   time.Duration // HTTP client timeout, defaults to 1 minute
}

// UploadJob is one completed recording ready for ingestion.
type UploadJob struct {
	Name         string // Recording name, for logging only
	StartTime    time.Time
	EndTime      time.Time
	SampleRateHz int
	Profile      []byte
}

type Sender struct {
	config Config
	client *http.Client
}

func New(config Config) *Sender {
	if config.SpyName == "" {
		config.SpyName = DefaultSpyName
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	return &Sender{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Upload sends one recording payload as a single POST to the /ingest
// endpoint. Any 2xx response is success; anything else is an error carrying
// a snippet of the response body. No retry is attempted.
func (s *Sender) Upload(ctx context.Context, job UploadJob) error {
	params := url.Values{}
	params.Set("name", s.config.AppName)
	params.Set("spyName", s.config.SpyName)
	if !job.StartTime.IsZero() {
		params.Set("from", strconv.FormatInt(job.StartTime.Unix(), 10))
	}
	if !job.EndTime.IsZero() {
		params.Set("until", strconv.FormatInt(job.EndTime.Unix(), 10))
	}
	if job.SampleRateHz > 0 {
		params.Set("sampleRate", strconv.Itoa(job.SampleRateHz))
	}

	ingestURL := fmt.Sprintf("%s/ingest?%s", s.config.ServerURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ingestURL, bytes.NewReader(job.Profile))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status code: %d, response: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
