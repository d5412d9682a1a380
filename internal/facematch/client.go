package facematch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	// ErrNoFace means the extraction service could not find exactly one
	// usable face in the image.
	ErrNoFace = errors.New("no usable face detected")

	// ErrNotReady means the extraction service has not yet passed a health
	// probe. Retriable: the model is still warming up.
	ErrNotReady = errors.New("face matching service warming up")
)

// EmbedResult is the extraction service's answer for one image.
type EmbedResult struct {
	Embedding     []float32
	Score         float64
	FacesDetected int
}

// Client calls the external embedding-extraction microservice. The service
// is treated as untrusted: responses are validated before use, and the
// client refuses work until a health probe has succeeded.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool

	ready atomic.Bool
}

// NewClient creates a client. Skip enables a deterministic mock mode for
// dev environments without the model service.
func NewClient(baseURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
	if skip {
		c.ready.Store(true)
	}
	return c
}

// Ready reports whether a health probe has succeeded since startup.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// Health probes the service once and records readiness on success.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("embedding service unhealthy: %s", resp.Status)
	}
	c.ready.Store(true)
	return nil
}

// WaitReady probes health with bounded retries and doubling backoff. It
// returns the last probe error if the service never comes up; the caller
// decides whether that is fatal.
func (c *Client) WaitReady(ctx context.Context, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = 5
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	var last error
	for i := 0; i < attempts; i++ {
		if last = c.Health(ctx); last == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("embedding service not ready after %d attempts: %w", attempts, last)
}

// Extract requests an embedding for a captured image. A missing or multiple
// face is reported as ErrNoFace; transport and server failures come back
// as ordinary errors. Calls before a successful health probe fail fast
// with ErrNotReady.
func (c *Client) Extract(ctx context.Context, image []byte) ([]float32, float64, error) {
	if c.Skip {
		return mockEmbedding(image), 0.95, nil
	}
	if !c.ready.Load() {
		return nil, 0, ErrNotReady
	}
	if len(image) == 0 {
		return nil, 0, ErrNoFace
	}

	body, _ := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// The service signals "no face" / "multiple faces" with a 422.
		return nil, 0, ErrNoFace
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("embedding service error %s: %s", resp.Status, string(b))
	}

	var out struct {
		Embedding     []float32 `json:"embedding"`
		Score         float64   `json:"score"`
		FacesDetected int       `json:"faces_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	// Some service versions return 200 with an empty embedding instead of
	// a 422; treat both failure shapes the same way.
	if len(out.Embedding) == 0 || out.FacesDetected != 1 {
		return nil, 0, ErrNoFace
	}
	return out.Embedding, out.Score, nil
}

// LivenessResult is the anti-spoofing verdict for one image.
type LivenessResult struct {
	IsLive     bool
	Confidence float64
}

// Liveness asks the service whether the captured face is a live person
// rather than a photo or screen replay. Same readiness contract as Extract.
func (c *Client) Liveness(ctx context.Context, image []byte) (*LivenessResult, error) {
	if c.Skip {
		return &LivenessResult{IsLive: true, Confidence: 0.85}, nil
	}
	if !c.ready.Load() {
		return nil, ErrNotReady
	}

	body, _ := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/liveness", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("liveness request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("liveness service error %s: %s", resp.Status, string(b))
	}

	var out struct {
		IsLive     bool    `json:"is_live"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode liveness response: %w", err)
	}
	return &LivenessResult{IsLive: out.IsLive, Confidence: out.Confidence}, nil
}

// mockEmbedding derives a stable vector from the image bytes so dev-mode
// check-ins are repeatable.
func mockEmbedding(image []byte) []float32 {
	v := make([]float32, 8)
	for i, b := range image {
		v[i%8] += float32(b) / 255
	}
	if len(image) == 0 {
		v[0] = 1
	}
	return v
}
