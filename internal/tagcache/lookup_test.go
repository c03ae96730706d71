package tagcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/observability"
)

func writeTagChatResponse(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"choices":[{"message":{"content":` + jsonQuote(content) + `}}]}`))
}

func jsonQuote(s string) string {
	out := []byte{'"'}
	for _, r := range s {
		switch r {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, string(r)...)
		}
	}
	out = append(out, '"')
	return string(out)
}

func newTestClassifier(t *testing.T, serverURL string, offline bool) *Classifier {
	t.Helper()
	cache := New(filepath.Join(t.TempDir(), "cache.json.gz"), zap.NewNop())
	return NewClassifier(cache, serverURL, 2*time.Second, offline, observability.NewMetrics(), zap.NewNop())
}

func TestTagsCacheMissQueriesModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTagChatResponse(w, `["network_tool"]`)
	}))
	defer server.Close()

	classifier := newTestClassifier(t, server.URL, false)

	tags, err := classifier.Tags(context.Background(), "curl")
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if len(tags) != 1 || tags[0] != "network_tool" {
		t.Fatalf("Tags = %v, want [network_tool]", tags)
	}

	cached, ok := classifier.cache.Get("curl")
	if !ok || len(cached) != 1 || cached[0] != "network_tool" {
		t.Fatalf("cache after Tags = %v, %v, want populated", cached, ok)
	}
}

func TestTagsCacheHitSkipsModel(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeTagChatResponse(w, `["should_not_be_used"]`)
	}))
	defer server.Close()

	classifier := newTestClassifier(t, server.URL, false)
	classifier.cache.Put("bash", []string{"shell"})

	tags, err := classifier.Tags(context.Background(), "BASH")
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if len(tags) != 1 || tags[0] != "shell" {
		t.Fatalf("Tags = %v, want [shell]", tags)
	}
	if calls != 0 {
		t.Fatalf("model called %d times, want 0 (cache hit)", calls)
	}
}

func TestTagsOfflineSkipsModelEntirely(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeTagChatResponse(w, `["x"]`)
	}))
	defer server.Close()

	classifier := newTestClassifier(t, server.URL, true)

	tags, err := classifier.Tags(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if len(tags) != 1 || tags[0] != "offline" {
		t.Fatalf("Tags (offline) = %v, want [offline]", tags)
	}
	if calls != 0 {
		t.Fatalf("model called %d times in offline mode, want 0", calls)
	}
}

func TestParseTagResponseStripsCodeFence(t *testing.T) {
	tags, err := parseTagResponse("```json\n[\"package_manager\", \"cli_tool\"]\n```")
	if err != nil {
		t.Fatalf("parseTagResponse: %v", err)
	}
	if len(tags) != 2 || tags[0] != "package_manager" || tags[1] != "cli_tool" {
		t.Fatalf("parseTagResponse = %v, want [package_manager cli_tool]", tags)
	}
}

func TestParseTagResponseInvalidJSONFails(t *testing.T) {
	if _, err := parseTagResponse("not json"); err == nil {
		t.Fatal("parseTagResponse(\"not json\") = nil error, want error")
	}
}

func TestParseTagResponseNormalizesToSnakeCase(t *testing.T) {
	tags, err := parseTagResponse(`["Network Tool", "CLI-Tool"]`)
	if err != nil {
		t.Fatalf("parseTagResponse: %v", err)
	}
	if len(tags) != 2 || tags[0] != "network_tool" || tags[1] != "cli_tool" {
		t.Fatalf("parseTagResponse = %v, want [network_tool cli_tool]", tags)
	}
}

func TestParseTagResponseClampsToThreeTags(t *testing.T) {
	tags, err := parseTagResponse(`["a", "b", "c", "d", "e"]`)
	if err != nil {
		t.Fatalf("parseTagResponse: %v", err)
	}
	if len(tags) != 3 {
		t.Fatalf("parseTagResponse returned %d tags, want 3", len(tags))
	}
}

func TestParseTagResponseRejectsAllUnusableTags(t *testing.T) {
	if _, err := parseTagResponse(`["", "   ", "!!!"]`); err == nil {
		t.Fatal("parseTagResponse with no usable tags = nil error, want error")
	}
}
