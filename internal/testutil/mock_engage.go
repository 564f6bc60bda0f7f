// Package testutil provides testing utilities for the profile export engine.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockProfile mirrors the provider's raw profile wire format.
type MockProfile struct {
	DistinctID string         `json:"$distinct_id"`
	Properties map[string]any `json:"$properties"`
}

// MockPage configures one page served by the mock profile API.
type MockPage struct {
	Profiles   []MockProfile
	StatusCode int           // 0 means 200
	Body       string        // overrides the JSON page body when set
	Delay      time.Duration // simulated fetch latency
}

// MockEngage is a configurable mock profile export server. It implements
// the provider's session-based pagination: page 0 issues a session id and
// every later request must echo it back.
type MockEngage struct {
	server *httptest.Server
	mu     sync.Mutex

	pages     []MockPage
	pageSize  int
	sessionID string

	// Tracking
	RequestCount    int
	BadSessionCount int
	inFlight        int
	MaxInFlight     int
}

// NewMockEngage creates a mock server issuing the given session id.
// pageSize controls the "full page" size used for the has-more signal.
func NewMockEngage(sessionID string, pageSize int) *MockEngage {
	mock := &MockEngage{
		pageSize:  pageSize,
		sessionID: sessionID,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockEngage) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockEngage) Close() {
	m.server.Close()
}

// SetPages replaces the pages the server will serve, indexed by page number.
func (m *MockEngage) SetPages(pages []MockPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// GetRequestCount returns the number of page requests received.
func (m *MockEngage) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetMaxInFlight returns the high-water mark of concurrent page requests.
func (m *MockEngage) GetMaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MaxInFlight
}

func (m *MockEngage) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	pageIdx, _ := strconv.Atoi(r.FormValue("page"))
	session := r.FormValue("session_id")

	m.mu.Lock()
	m.RequestCount++
	m.inFlight++
	if m.inFlight > m.MaxInFlight {
		m.MaxInFlight = m.inFlight
	}

	// Pages past 0 must carry the session id issued with page 0
	if pageIdx > 0 && session != m.sessionID {
		m.BadSessionCount++
	}

	var page MockPage
	if pageIdx >= 0 && pageIdx < len(m.pages) {
		page = m.pages[pageIdx]
	} else {
		page.StatusCode = http.StatusBadRequest
		page.Body = `{"error": "page out of range"}`
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if page.Delay > 0 {
		time.Sleep(page.Delay)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if page.StatusCode != 0 && page.StatusCode != http.StatusOK {
		w.WriteHeader(page.StatusCode)
		if page.Body != "" {
			fmt.Fprint(w, page.Body)
		}
		return
	}

	if page.Body != "" {
		fmt.Fprint(w, page.Body)
		return
	}

	resp := map[string]any{
		"status":     "ok",
		"session_id": m.sessionID,
		"page":       pageIdx,
		"page_size":  m.pageSize,
		"results":    page.Profiles,
	}
	if resp["results"] == nil {
		resp["results"] = []MockProfile{}
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
	}
}

// NewMockProfiles builds n profiles with sequential distinct ids, offset by
// the first id. Useful for asserting exact row counts per page.
func NewMockProfiles(first, n int) []MockProfile {
	profiles := make([]MockProfile, 0, n)
	for i := 0; i < n; i++ {
		profiles = append(profiles, MockProfile{
			DistinctID: fmt.Sprintf("user-%d", first+i),
			Properties: map[string]any{
				"$name":  fmt.Sprintf("User %d", first+i),
				"$email": fmt.Sprintf("user%d@example.com", first+i),
				"plan":   "free",
			},
		})
	}
	return profiles
}
