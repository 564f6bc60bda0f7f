// Package engage provides the HTTP client for the profile export API.
// The API uses session-based pagination: page 0 returns a session id that
// must be echoed on every later page request so the export sees a
// consistent snapshot of the profile set.
package engage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mixstream/engage-export/pkg/quota"
)

// Prometheus metrics for profile API operations.
var (
	engageRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_requests_total",
		Help: "Total profile page requests by status",
	}, []string{"status"})

	engageRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engage_request_duration_seconds",
		Help:    "Profile page request duration in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	engageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_errors_total",
		Help: "Total profile API errors by class",
	}, []string{"class"})
)

// DefaultPageSize is the number of profiles the API returns per page.
// A page with fewer results is the last page of the export.
const DefaultPageSize = 1000

const engagePath = "/api/2.0/engage"

// RawProfile is one profile record as returned by the API.
type RawProfile struct {
	DistinctID string         `json:"$distinct_id"`
	Properties map[string]any `json:"$properties"`
}

// PageRequest describes one page fetch.
type PageRequest struct {
	// Page is the zero-based page index.
	Page int

	// SessionID continues the snapshot started by page 0. Empty for page 0.
	SessionID string

	// Where is an optional filter expression.
	Where string

	// CohortID restricts the export to one cohort.
	CohortID string

	// OutputProperties limits which properties are returned.
	OutputProperties []string
}

// Page is the result of fetching one page.
type Page struct {
	// Index is the zero-based page index this page was fetched as.
	Index int

	// Profiles are the raw records, in API order.
	Profiles []RawProfile

	// SessionID is the snapshot session. Callers record it from page 0
	// and pass it back unchanged on every later request.
	SessionID string

	// HasMore indicates further pages exist beyond this one.
	HasMore bool
}

// Client is the profile export API client. Safe for concurrent use by
// multiple fetch workers.
type Client struct {
	httpClient *http.Client
	config     Config
	quota      *quota.Tracker
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the analytics provider.
	BaseURL string

	// ProjectID selects the project to export from.
	ProjectID string

	// ServiceAccount credentials (basic auth).
	Username string
	Secret   string

	// UserAgent header sent on every request.
	UserAgent string

	// Timeout per page request. Zero means DefaultConfig's value.
	Timeout time.Duration

	// Quota optionally tracks requests against the shared hourly budget.
	Quota *quota.Tracker

	// EnforceQuota rejects requests locally once the hourly budget is
	// exhausted instead of letting the provider return 429s. Off by
	// default: the export engine treats quota pressure as observability,
	// not flow control.
	EnforceQuota bool
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(username, secret, projectID string) Config {
	return Config{
		BaseURL:   "https://mixpanel.com",
		ProjectID: projectID,
		Username:  username,
		Secret:    secret,
		UserAgent: "engage-export/0.1.0",
		Timeout:   120 * time.Second,
	}
}

// New creates a new profile export API client.
func New(cfg Config) (*Client, error) {
	if cfg.Username == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("service account credentials are required")
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://mixpanel.com"
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	logger := log.With().Str("component", "engage-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		quota:  cfg.Quota,
		logger: logger,
	}, nil
}

// engageResponse is the provider's wire format for one page.
type engageResponse struct {
	Status    string       `json:"status"`
	Error     string       `json:"error"`
	SessionID string       `json:"session_id"`
	Page      int          `json:"page"`
	PageSize  int          `json:"page_size"`
	Results   []RawProfile `json:"results"`
}

// FetchPage fetches a single page of profiles. The call is made exactly
// once: the export engine records failures instead of retrying them.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	startTime := time.Now()
	defer func() {
		engageRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Record against the shared hourly quota
	if c.quota != nil {
		state, err := c.quota.Record(ctx)
		if err != nil {
			// Quota bookkeeping must never fail an export
			c.logger.Warn().Err(err).Msg("Quota tracking unavailable")
		} else if state.Exhausted() && c.config.EnforceQuota {
			engageRequestsTotal.WithLabelValues("quota_blocked").Inc()
			engageErrorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			return nil, &APIError{
				StatusCode: http.StatusTooManyRequests,
				ErrorClass: ErrorClassRateLimit,
				Message:    fmt.Sprintf("hourly quota exhausted, resets in %s", state.TimeUntilReset().Round(time.Second)),
			}
		}
	}

	// Step 2: Build the form body
	form := url.Values{}
	form.Set("project_id", c.config.ProjectID)
	form.Set("page", strconv.Itoa(req.Page))
	if req.SessionID != "" {
		form.Set("session_id", req.SessionID)
	}
	if req.Where != "" {
		form.Set("where", req.Where)
	}
	if req.CohortID != "" {
		form.Set("filter_by_cohort", fmt.Sprintf(`{"id": %s}`, req.CohortID))
	}
	if len(req.OutputProperties) > 0 {
		props, err := json.Marshal(req.OutputProperties)
		if err != nil {
			return nil, fmt.Errorf("encode output properties: %w", err)
		}
		form.Set("output_properties", string(props))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+engagePath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.SetBasicAuth(c.config.Username, c.config.Secret)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	c.logger.Debug().
		Int("page", req.Page).
		Bool("has_session", req.SessionID != "").
		Msg("Fetching profile page")

	// Step 3: Execute the request
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		engageErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		engageRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Error().Err(err).Int("page", req.Page).Msg("Profile page request failed")
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	// Step 4: Handle HTTP errors
	if resp.StatusCode >= 400 {
		errClass := classifyStatus(resp.StatusCode)
		engageErrorsTotal.WithLabelValues(string(errClass)).Inc()
		engageRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn().
			Int("page", req.Page).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Profile page request error")

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	// Step 5: Decode the page
	var decoded engageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		engageErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		return nil, fmt.Errorf("decode page %d: %w", req.Page, err)
	}

	if decoded.Status != "" && decoded.Status != "ok" {
		engageErrorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		engageRequestsTotal.WithLabelValues("api_error").Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassClient,
			Message:    decoded.Error,
		}
	}

	engageRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	pageSize := decoded.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	page := &Page{
		Index:     req.Page,
		Profiles:  decoded.Results,
		SessionID: decoded.SessionID,
		// A full page means further pages exist; a short page is terminal.
		HasMore: len(decoded.Results) == pageSize,
	}

	c.logger.Debug().
		Int("page", page.Index).
		Int("profiles", len(page.Profiles)).
		Bool("has_more", page.HasMore).
		Msg("Profile page fetched")

	return page, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
