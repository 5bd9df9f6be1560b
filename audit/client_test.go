package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testHTTPClient(url string) *HTTPClient {
	c := NewHTTPClient(url, "key")
	c.Backoff = time.Millisecond
	return c
}

func TestFetchViewRetriesTransientFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data": [
			{"session": {"id": "id1", "label": "A"}},
			{"session": {"id": "id2", "label": "B", "deleted": "2020-01-01"}}
		]}`))
	}))
	defer srv.Close()

	cfg := mustConfig(t, labelTemplate)
	records, err := testHTTPClient(srv.URL).FetchView(context.Background(), cfg, "grp/proj")
	if err != nil {
		t.Fatalf("fetch view: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
	if len(records) != 1 {
		t.Fatalf("deleted containers must be filtered, got %d records", len(records))
	}
	if records[0].ID != "id1" || records[0].Fields["session.label"] != "A" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := mustConfig(t, labelTemplate)
	if _, err := testHTTPClient(srv.URL).FetchView(context.Background(), cfg, "grp/proj"); err == nil {
		t.Fatalf("expected error for 404")
	}
	if attempts != 1 {
		t.Fatalf("4xx must fail immediately, got %d attempts", attempts)
	}
}

func TestFetchViewGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testHTTPClient(srv.URL)
	c.MaxAttempts = 3
	cfg := mustConfig(t, labelTemplate)
	if _, err := c.FetchView(context.Background(), cfg, "grp/proj"); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestMarkValidated(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := mustConfig(t, labelTemplate)
	if err := testHTTPClient(srv.URL).MarkValidated(context.Background(), cfg, "id1"); err != nil {
		t.Fatalf("mark validated: %v", err)
	}
	if gotPath != "/sessions/id1/info" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
}
