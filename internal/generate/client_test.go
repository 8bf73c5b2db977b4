package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReviseSendsContextAndContent(t *testing.T) {
	var received reviseRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/revisions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "revised text"})
	}))
	defer server.Close()

	client := New(server.URL, "secret-token")
	revised, err := client.Revise(context.Background(), "feedback blob", "original text")
	if err != nil {
		t.Fatalf("Revise() error = %v", err)
	}
	if revised != "revised text" {
		t.Fatalf("Revise() = %q, want revised text", revised)
	}
	if received.FeedbackContext != "feedback blob" || received.Content != "original text" {
		t.Fatalf("provider received %+v", received)
	}
}

func TestReviseSurfacesProviderErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL, "")
	if _, err := client.Revise(context.Background(), "ctx", "content"); err == nil {
		t.Fatal("expected error from provider failure")
	}
}

func TestReviseRejectsEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "   "})
	}))
	defer server.Close()

	client := New(server.URL, "")
	if _, err := client.Revise(context.Background(), "ctx", "content"); err == nil {
		t.Fatal("expected error for empty revised content")
	}
}
