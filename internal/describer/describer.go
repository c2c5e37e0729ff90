// Package describer is the HTTP client for the external vision-language
// describer endpoint (an Ollama-compatible /api/generate). Its backoff and
// Retry-After helpers are grounded in the price-service pack repo's
// internal/http client and ratelimit packages: exponential backoff with
// jitter, Retry-After awareness, and a clear split between retryable and
// permanent failures. The client itself does not retry; the Distributed
// Queue uses Backoff and the error classification to schedule retries.
package describer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
	"github.com/zhunismp/vision-batch-dispatch/internal/telemetry"
)

const (
	defaultTimeout = 300 * time.Second
	defaultModel   = "llava"
)

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Client calls the describer's /api/generate endpoint.
type Client struct {
	baseURL string
	model   string
	prompt  string
	http    *http.Client
	log     zerolog.Logger
	metrics *telemetry.Recorder
}

func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		model:   defaultModel,
		prompt:  "Describe this image in one concise sentence.",
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log,
		metrics: telemetry.NewRecorder(),
	}
}

// Describe sends image as base64 to the describer and returns its text
// response. A non-2xx status or network failure is classified as a
// describer error: 5xx, 429, network/timeout and body-read failures are
// DescribeTransient; other 4xx and an unparseable response are
// DescribePermanent. Describe makes a single request; it does not retry.
func (c *Client) Describe(ctx context.Context, image []byte) (string, error) {
	start := time.Now()
	description, err := c.doDescribe(ctx, image)

	if err != nil {
		c.metrics.RecordDescribeLatency("error", time.Since(start).Seconds())
		c.metrics.IncrementDescribeError(errorKind(err))
	} else {
		c.metrics.RecordDescribeLatency("success", time.Since(start).Seconds())
	}
	return description, err
}

func errorKind(err error) string {
	for _, code := range []apperrors.Code{apperrors.CodeDescribeTransient, apperrors.CodeDescribePermanent, apperrors.CodeInvalidInput} {
		if apperrors.Is(err, code) {
			return string(code)
		}
	}
	return string(apperrors.CodeDescribePermanent)
}

func (c *Client) doDescribe(ctx context.Context, image []byte) (string, error) {
	body := generateRequest{
		Model:  c.model,
		Prompt: c.prompt,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
		Stream: false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", apperrors.New(apperrors.CodeInvalidInput, "failed to encode describe request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.New(apperrors.CodeInvalidInput, "failed to build describe request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("describer request failed")
		return "", apperrors.New(apperrors.CodeDescribeTransient, "describer unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", apperrors.New(apperrors.CodeDescribeTransient, fmt.Sprintf("describer returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		rateLimitErr := apperrors.New(apperrors.CodeDescribeTransient, "describer returned 429", nil)
		if d, ok := RetryAfter(resp); ok {
			rateLimitErr.RetryAfter = d
		}
		return "", rateLimitErr
	}
	if resp.StatusCode >= 400 {
		return "", apperrors.New(apperrors.CodeDescribePermanent, fmt.Sprintf("describer returned %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.New(apperrors.CodeDescribeTransient, "failed to read describer response", err)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperrors.New(apperrors.CodeDescribePermanent, "failed to parse describer response", err)
	}

	return out.Response, nil
}

// Backoff returns the wait duration for attempt N (0-indexed) of a retry
// loop, given the base delay associated with the job's priority, with
// +/-20% jitter to avoid synchronized retry storms across workers.
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	return d + jitter
}

// RetryAfter parses the Retry-After header (seconds form) if present.
func RetryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
