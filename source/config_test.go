package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	path := writeConfig(t, `
sources:
  - id: quickmart
    search_url: "https://quickmart.example/s?q={query}"
  - id: megastore
    name: MegaStore
    requires_rendering: true
    search_url: "https://megastore.example/search/{query}"
    alternate_urls:
      - "https://megastore.example/s/{query}"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.BatchSize != 4 {
		t.Errorf("BatchSize: got %d, want 4", cfg.BatchSize)
	}
	if cfg.CacheTTL.Std() != 15*time.Minute {
		t.Errorf("CacheTTL: got %v, want 15m", cfg.CacheTTL.Std())
	}
	if cfg.Sources[0].Name != "quickmart" {
		t.Errorf("Name default: got %q", cfg.Sources[0].Name)
	}
	if cfg.Sources[0].BaseURL != "https://quickmart.example" {
		t.Errorf("BaseURL derived: got %q", cfg.Sources[0].BaseURL)
	}
}

func TestLoadFile_DurationString(t *testing.T) {
	path := writeConfig(t, `
cache_ttl: 90s
sources:
  - id: quickmart
    search_url: "https://quickmart.example/s?q={query}"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.CacheTTL.Std() != 90*time.Second {
		t.Errorf("CacheTTL: got %v, want 90s", cfg.CacheTTL.Std())
	}
}

func TestLoadFile_DuplicateID(t *testing.T) {
	path := writeConfig(t, `
sources:
  - id: a
    search_url: "https://a.example/s?q={query}"
  - id: a
    search_url: "https://a.example/s2?q={query}"
`)
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestLoadFile_MissingSearchURL(t *testing.T) {
	path := writeConfig(t, `
sources:
  - id: broken
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for missing search_url")
	}
}

func TestSource_Expand(t *testing.T) {
	s := Source{SearchURL: "https://shop.example/s?q={query}"}
	got := s.SearchFor("toned milk 500ml")
	want := "https://shop.example/s?q=toned+milk+500ml"
	if got != want {
		t.Errorf("SearchFor: got %q, want %q", got, want)
	}
}

func TestSource_ResolveURL(t *testing.T) {
	s := Source{BaseURL: "https://shop.example"}
	cases := map[string]string{
		"/p/milk-29":                   "https://shop.example/p/milk-29",
		"https://cdn.example/img.jpg":  "https://cdn.example/img.jpg",
		"":                             "",
	}
	for in, want := range cases {
		if got := s.ResolveURL(in); got != want {
			t.Errorf("ResolveURL(%q): got %q, want %q", in, got, want)
		}
	}
}
