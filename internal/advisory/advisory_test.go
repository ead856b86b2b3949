package advisory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticProviderQuery(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "transfer caps", Content: "transfers are bounded per operation and per hour", Keywords: []string{"transfer", "send"}},
		{Title: "swap unsupported", Content: "exchange operations require the swap toggle", Keywords: []string{"swap", "exchange"}},
		{Title: "general", Content: "all operations pass the full check pipeline"},
	}, 2)

	results := provider.Query("transfer", "send 5 to treasurer")
	if len(results) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(results))
	}
	if results[0].Title != "transfer caps" {
		t.Fatalf("unexpected first snippet: %+v", results[0])
	}

	results = provider.Query("exchange", "swap 10 usdc")
	if len(results) != 2 || results[0].Title != "swap unsupported" {
		t.Fatalf("unexpected swap results: %+v", results)
	}
}

func TestLoadStaticProvider(t *testing.T) {
	entries := []Snippet{{Title: "halt", Content: "halt blocks everything", Keywords: []string{"halt"}}}
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal entries: %v", err)
	}
	path := filepath.Join(t.TempDir(), "advisories.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	provider, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("LoadStaticProvider: %v", err)
	}
	results := provider.Query("", "activate the halt switch")
	if len(results) != 1 || results[0].Title != "halt" {
		t.Fatalf("unexpected results: %+v", results)
	}

	if _, err := LoadStaticProvider("", 3); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
