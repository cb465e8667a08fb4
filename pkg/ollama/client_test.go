package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("localhost"); err == nil {
		t.Error("Expected error for URL without scheme")
	}
}

func TestDescribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected /api/chat, got %s", r.URL.Path)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req["model"] != "llava" {
			t.Errorf("Expected model llava, got %v", req["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "llava",
			"message": map[string]any{"role": "assistant", "content": "a red car"},
			"done":    true,
		})
	}))
	defer server.Close()

	c, err := NewClient(server.URL + "/api/chat")
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Describe(context.Background(), "llava", "describe", "aGVsbG8=")
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if got != "a red car" {
		t.Errorf("Expected 'a red car', got %q", got)
	}
}

func TestDescribeBadBase64(t *testing.T) {
	c, err := NewClient("http://localhost:11434")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Describe(context.Background(), "llava", "p", "%%%"); err == nil {
		t.Error("Expected error for invalid base64")
	}
}

func TestModelOptions(t *testing.T) {
	if opts := modelOptions("openbmb/minicpm-v4.5"); opts["num_ctx"] != 4096 {
		t.Errorf("Expected tuned options for minicpm, got %v", opts)
	}
	if opts := modelOptions("llava"); len(opts) != 0 {
		t.Errorf("Expected no overrides for llava, got %v", opts)
	}
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	c, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Expected reachable server, got %v", err)
	}

	server.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Expected error once the server is gone")
	}
}
