package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
)

const defaultBaseURL = "https://api.assemblyai.com/v2"

// Config controls the AssemblyAI REST client.
type Config struct {
	APIKey     string
	APIBaseURL string
	Timeout    time.Duration
}

// Client implements ports.TranscriptionService against the AssemblyAI v2 API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tracer     trace.Tracer
}

func NewClient(cfg Config) *Client {
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tracer:     otel.Tracer("astrovoice/internal/providers/assemblyai"),
	}
}

// Upload sends raw audio bytes and returns the upload URL used for submission.
func (c *Client) Upload(ctx context.Context, audio io.Reader) (string, error) {
	ctx, span := c.tracer.Start(ctx, "assemblyai.upload")
	defer span.End()

	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/upload", "application/octet-stream", audio, &out); err != nil {
		return "", spanError(span, err)
	}
	if strings.TrimSpace(out.UploadURL) == "" {
		return "", spanError(span, errors.New("upload response missing upload_url"))
	}
	return out.UploadURL, nil
}

// Submit requests transcription of an uploaded resource and returns the job id.
func (c *Client) Submit(ctx context.Context, audioURL string, languageCode string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "assemblyai.submit", trace.WithAttributes(attribute.String("language", languageCode)))
	defer span.End()

	body, err := json.Marshal(submitRequest{AudioURL: audioURL, LanguageCode: languageCode})
	if err != nil {
		return "", spanError(span, err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/transcript", "application/json", bytes.NewReader(body), &out); err != nil {
		return "", spanError(span, err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", spanError(span, errors.New("transcript response missing id"))
	}
	span.SetAttributes(attribute.String("job.id", out.ID))
	return out.ID, nil
}

// Poll fetches the current state of a transcription job.
func (c *Client) Poll(ctx context.Context, jobID string) (domain.TranscriptJob, error) {
	ctx, span := c.tracer.Start(ctx, "assemblyai.poll", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	var out domain.TranscriptJob
	if err := c.do(ctx, http.MethodGet, "/transcript/"+url.PathEscape(jobID), "", nil, &out); err != nil {
		return domain.TranscriptJob{}, spanError(span, err)
	}
	span.SetAttributes(attribute.String("job.status", string(out.Status)))
	return out, nil
}

type submitRequest struct {
	AudioURL     string `json:"audio_url"`
	LanguageCode string `json:"language_code"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("assemblyai: status %d", e.StatusCode)
	}
	return fmt.Sprintf("assemblyai: status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method string, path string, contentType string, body io.Reader, out interface{}) error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return errors.New("ASSEMBLYAI_API_KEY is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("authorization", c.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("content-type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var decoded struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &decoded) == nil {
			apiErr.Message = strings.TrimSpace(decoded.Error)
		}
		logging.Warnw("assemblyai request failed", "method", method, "path", path, "status", resp.StatusCode, "err", apiErr.Message)
		return apiErr
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
