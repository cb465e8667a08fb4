package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		rel    string
		want   string
	}{
		{"", "a.png", "a.png"},
		{"datasets/run1", "a.png", "datasets/run1/a.png"},
		{"/datasets/run1/", "captions/a.txt", "datasets/run1/captions/a.txt"},
		{"run", filepath.Join("captions", "a.txt"), "run/captions/a.txt"},
	}

	for _, tt := range tests {
		if got := objectKey(tt.prefix, tt.rel); got != tt.want {
			t.Errorf("objectKey(%q, %q): expected %q, got %q", tt.prefix, tt.rel, tt.want, got)
		}
	}
}

func TestCollectObjects(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"a.png",
		filepath.Join("captions", "a.txt"),
		"dataset.toml",
	}
	for _, f := range files {
		p := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	objects, err := collectObjects(dir, "lora")
	if err != nil {
		t.Fatalf("collectObjects failed: %v", err)
	}

	var keys []string
	for _, o := range objects {
		keys = append(keys, o.key)
		if !strings.HasPrefix(o.path, dir) {
			t.Errorf("Expected local path under %s, got %s", dir, o.path)
		}
	}
	sort.Strings(keys)

	want := []string{"lora/a.png", "lora/captions/a.txt", "lora/dataset.toml"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("Expected keys %v, got %v", want, keys)
	}
}

func TestCollectObjectsMissingDir(t *testing.T) {
	if _, err := collectObjects(filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("a.PNG"); got != "image/png" {
		t.Errorf("Expected image/png, got %s", got)
	}
	if got := contentType("dataset.unknownext"); got != "application/octet-stream" {
		t.Errorf("Expected octet-stream fallback, got %s", got)
	}
}

func TestNewMinioSyncerValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewMinioSyncer(ctx, Options{Bucket: "b"}); err == nil {
		t.Error("Expected error for missing endpoint")
	}
	if _, err := NewMinioSyncer(ctx, Options{Endpoint: "localhost:9000"}); err == nil {
		t.Error("Expected error for missing bucket")
	}
}
