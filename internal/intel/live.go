package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultBaseURL = "https://api.abuseipdb.com/api/v2"
	lookupTimeout  = 5 * time.Second
	maxAgeInDays   = "90"
)

// LiveSource queries the AbuseIPDB check endpoint.
type LiveSource struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewLiveSource builds a live reputation client. Returns nil when no
// API key is configured, so callers can wire the fallback path directly.
func NewLiveSource(apiKey, baseURL string, logger *slog.Logger) *LiveSource {
	if apiKey == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveSource{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: lookupTimeout},
		logger:  logger,
	}
}

type checkResponse struct {
	Data struct {
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		UsageType            string `json:"usageType"`
		Domain               string `json:"domain"`
		CountryCode          string `json:"countryCode"`
		ISP                  string `json:"isp"`
		LastReportedAt       string `json:"lastReportedAt"`
	} `json:"data"`
}

// Lookup queries the API once, retrying a single time on a transient
// failure (network error or 5xx). 4xx responses are not retried.
func (s *LiveSource) Lookup(ctx context.Context, address string) (Report, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		rep, retriable, err := s.lookupOnce(ctx, address)
		if err == nil {
			return rep, nil
		}
		lastErr = err
		if !retriable || ctx.Err() != nil {
			break
		}
	}
	return Report{}, lastErr
}

func (s *LiveSource) lookupOnce(ctx context.Context, address string) (Report, bool, error) {
	q := url.Values{}
	q.Set("ipAddress", address)
	q.Set("maxAgeInDays", maxAgeInDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/check?"+q.Encode(), nil)
	if err != nil {
		return Report{}, false, err
	}
	req.Header.Set("Key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Report{}, true, fmt.Errorf("reputation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("reputation API status %d: %s", resp.StatusCode, string(body))
		return Report{}, resp.StatusCode >= 500, err
	}

	var parsed checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Report{}, false, fmt.Errorf("decode reputation response: %w", err)
	}

	score := parsed.Data.AbuseConfidenceScore
	category := "clean"
	if score > 0 {
		category = "abuse_report"
	}
	return Report{
		Address:     address,
		Reputation:  reputationForScore(score),
		ThreatScore: score,
		Category:    category,
		Details: fmt.Sprintf("Usage Type: %s. Domain: %s",
			orUnknown(parsed.Data.UsageType), orNA(parsed.Data.Domain)),
		Geolocation: map[string]any{
			"country": parsed.Data.CountryCode,
			"isp":     parsed.Data.ISP,
		},
		Source: "abuseipdb",
	}, false, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
