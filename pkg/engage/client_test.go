package engage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mixstream/engage-export/internal/testutil"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	client, err := New(Config{
		BaseURL:   baseURL,
		ProjectID: "12345",
		Username:  "export.sa",
		Secret:    "secret",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  Config{ProjectID: "1", Username: "sa", Secret: "s"},
			wantErr: false,
		},
		{
			name:    "missing credentials",
			config:  Config{ProjectID: "1"},
			wantErr: true,
		},
		{
			name:    "missing secret",
			config:  Config{ProjectID: "1", Username: "sa"},
			wantErr: true,
		},
		{
			name:    "missing project id",
			config:  Config{Username: "sa", Secret: "s"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFetchPage_FullPageHasMore(t *testing.T) {
	mock := testutil.NewMockEngage("sess-abc", 2)
	defer mock.Close()
	mock.SetPages([]testutil.MockPage{
		{Profiles: testutil.NewMockProfiles(0, 2)},
	})

	client := newTestClient(t, mock.URL())

	page, err := client.FetchPage(context.Background(), PageRequest{Page: 0})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if page.SessionID != "sess-abc" {
		t.Errorf("SessionID = %q, want sess-abc", page.SessionID)
	}
	if !page.HasMore {
		t.Error("HasMore = false for a full page, want true")
	}
	if len(page.Profiles) != 2 {
		t.Fatalf("len(Profiles) = %d, want 2", len(page.Profiles))
	}
	if page.Profiles[0].DistinctID != "user-0" {
		t.Errorf("DistinctID = %q, want user-0", page.Profiles[0].DistinctID)
	}
	if page.Profiles[0].Properties["$name"] != "User 0" {
		t.Errorf("Properties[$name] = %v, want User 0", page.Profiles[0].Properties["$name"])
	}
}

func TestFetchPage_ShortPageIsLast(t *testing.T) {
	mock := testutil.NewMockEngage("sess-abc", 100)
	defer mock.Close()
	mock.SetPages([]testutil.MockPage{
		{Profiles: testutil.NewMockProfiles(0, 3)},
	})

	client := newTestClient(t, mock.URL())

	page, err := client.FetchPage(context.Background(), PageRequest{Page: 0})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if page.HasMore {
		t.Error("HasMore = true for a short page, want false")
	}
}

func TestFetchPage_SessionEchoed(t *testing.T) {
	mock := testutil.NewMockEngage("sess-abc", 1)
	defer mock.Close()
	mock.SetPages([]testutil.MockPage{
		{Profiles: testutil.NewMockProfiles(0, 1)},
		{Profiles: testutil.NewMockProfiles(1, 1)},
	})

	client := newTestClient(t, mock.URL())

	_, err := client.FetchPage(context.Background(), PageRequest{Page: 1, SessionID: "sess-abc"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if mock.BadSessionCount != 0 {
		t.Errorf("BadSessionCount = %d, want 0", mock.BadSessionCount)
	}
}

func TestFetchPage_HTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantClass ErrorClass
	}{
		{"bad request", http.StatusBadRequest, ErrorClassClient},
		{"unauthorized", http.StatusUnauthorized, ErrorClassClient},
		{"rate limited", http.StatusTooManyRequests, ErrorClassRateLimit},
		{"server error", http.StatusInternalServerError, ErrorClassServer},
		{"bad gateway", http.StatusBadGateway, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockEngage("sess-abc", 10)
			defer mock.Close()
			mock.SetPages([]testutil.MockPage{
				{StatusCode: tt.status, Body: `{"error": "nope"}`},
			})

			client := newTestClient(t, mock.URL())

			_, err := client.FetchPage(context.Background(), PageRequest{Page: 0})
			if err == nil {
				t.Fatal("FetchPage() error = nil, want APIError")
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error type = %T, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.ErrorClass != tt.wantClass {
				t.Errorf("ErrorClass = %q, want %q", apiErr.ErrorClass, tt.wantClass)
			}
		})
	}
}

func TestFetchPage_APIStatusError(t *testing.T) {
	mock := testutil.NewMockEngage("sess-abc", 10)
	defer mock.Close()
	mock.SetPages([]testutil.MockPage{
		{Body: `{"status": "error", "error": "invalid where expression"}`},
	})

	client := newTestClient(t, mock.URL())

	_, err := client.FetchPage(context.Background(), PageRequest{Page: 0})
	if err == nil {
		t.Fatal("FetchPage() error = nil, want APIError")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("ErrorClass = %q, want %q", apiErr.ErrorClass, ErrorClassClient)
	}
	if apiErr.Message != "invalid where expression" {
		t.Errorf("Message = %q, want the API error text", apiErr.Message)
	}
}

func TestFetchPage_NetworkError(t *testing.T) {
	mock := testutil.NewMockEngage("sess-abc", 10)
	url := mock.URL()
	mock.Close() // connection refused from here on

	client := newTestClient(t, url)

	_, err := client.FetchPage(context.Background(), PageRequest{Page: 0})
	if err == nil {
		t.Fatal("FetchPage() error = nil, want network APIError")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %q, want %q", apiErr.ErrorClass, ErrorClassNetwork)
	}
	if apiErr.Unwrap() == nil {
		t.Error("Unwrap() = nil, want wrapped transport error")
	}
}

func TestFetchPage_RequestEncoding(t *testing.T) {
	var gotForm map[string]string
	var gotUser, gotPass string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotForm = map[string]string{}
		for key := range r.PostForm {
			gotForm[key] = r.PostForm.Get(key)
		}
		gotUser, gotPass, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok", "session_id": "s", "page": 2, "page_size": 1000, "results": []}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	req := PageRequest{
		Page:             2,
		SessionID:        "sess-xyz",
		Where:            `properties["plan"] == "pro"`,
		CohortID:         "777",
		OutputProperties: []string{"$name", "plan"},
	}
	if _, err := client.FetchPage(context.Background(), req); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if gotUser != "export.sa" || gotPass != "secret" {
		t.Errorf("basic auth = %q/%q, want service account credentials", gotUser, gotPass)
	}

	want := map[string]string{
		"project_id":        "12345",
		"page":              "2",
		"session_id":        "sess-xyz",
		"where":             `properties["plan"] == "pro"`,
		"filter_by_cohort":  `{"id": 777}`,
		"output_properties": `["$name","plan"]`,
	}
	for key, wantVal := range want {
		if gotForm[key] != wantVal {
			t.Errorf("form[%q] = %q, want %q", key, gotForm[key], wantVal)
		}
	}
}

func TestFetchPage_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockEngage("sess-abc", 10)
	defer mock.Close()
	mock.SetPages([]testutil.MockPage{
		{Profiles: testutil.NewMockProfiles(0, 1)},
	})

	client := newTestClient(t, mock.URL())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.FetchPage(ctx, PageRequest{Page: 0}); err == nil {
		t.Fatal("FetchPage() error = nil with cancelled context, want error")
	}
}
