package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/plb/pkg/types"
)

// HTTPReporter posts report batches as JSON to a health subsystem endpoint
type HTTPReporter struct {
	// URL is the full endpoint URL (e.g., "http://health-manager:8080/v1/reports")
	URL string

	// Method is the HTTP method to use (default: POST)
	Method string

	// Headers are custom HTTP headers to include in the request
	Headers map[string]string

	// ExpectedStatusMin is the minimum acceptable HTTP status code (default: 200)
	ExpectedStatusMin int

	// ExpectedStatusMax is the maximum acceptable HTTP status code (default: 299)
	ExpectedStatusMax int

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// wireReport is the JSON shape of one report
type wireReport struct {
	Kind              types.HealthEntityKind `json:"kind"`
	EntityID          string                 `json:"entity_id"`
	SourceID          string                 `json:"source_id"`
	Property          string                 `json:"property"`
	State             types.HealthState      `json:"state"`
	Description       string                 `json:"description"`
	TTLSeconds        float64                `json:"ttl_seconds"`
	RemoveWhenExpired bool                   `json:"remove_when_expired"`
	CreatedAt         time.Time              `json:"created_at"`
}

// NewHTTPReporter creates a new HTTP health reporter
func NewHTTPReporter(url string) *HTTPReporter {
	return &HTTPReporter{
		URL:               url,
		Method:            http.MethodPost,
		Headers:           make(map[string]string),
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 299,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// AddHealthReports posts the batch
func (h *HTTPReporter) AddHealthReports(ctx context.Context, reports []types.HealthReport) error {
	body := make([]wireReport, 0, len(reports))
	for _, r := range reports {
		body = append(body, wireReport{
			Kind:              r.Kind,
			EntityID:          r.EntityID,
			SourceID:          r.SourceID,
			Property:          r.Property,
			State:             r.State,
			Description:       r.Description,
			TTLSeconds:        r.TTL.Seconds(),
			RemoveWhenExpired: r.RemoveWhenExpired,
			CreatedAt:         r.CreatedAt,
		})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode health reports: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < h.ExpectedStatusMin || resp.StatusCode > h.ExpectedStatusMax {
		return fmt.Errorf("HTTP %d %s (expected %d-%d)", resp.StatusCode, http.StatusText(resp.StatusCode),
			h.ExpectedStatusMin, h.ExpectedStatusMax)
	}
	return nil
}

// WithMethod sets the HTTP method
func (h *HTTPReporter) WithMethod(method string) *HTTPReporter {
	h.Method = method
	return h
}

// WithHeader adds a custom HTTP header
func (h *HTTPReporter) WithHeader(key, value string) *HTTPReporter {
	h.Headers[key] = value
	return h
}

// WithStatusRange sets the expected status code range
func (h *HTTPReporter) WithStatusRange(min, max int) *HTTPReporter {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPReporter) WithTimeout(timeout time.Duration) *HTTPReporter {
	h.Client.Timeout = timeout
	return h
}
