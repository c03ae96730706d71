package tagcache

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestGetPutRoundTripsNormalizedKey(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "cache.json.gz"), zap.NewNop())

	c.Put("  CURL  ", []string{"network_tool"})

	tags, ok := c.Get("curl")
	if !ok {
		t.Fatal("Get(\"curl\") ok = false, want true")
	}
	if len(tags) != 1 || tags[0] != "network_tool" {
		t.Fatalf("Get(\"curl\") = %v, want [network_tool]", tags)
	}
}

func TestPutDropsNewKeysPastCap(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "cache.json.gz"), zap.NewNop())

	for i := 0; i < maxEntries; i++ {
		c.Put(string(rune('a'))+itoa(i), []string{"tag"})
	}
	if c.Len() != maxEntries {
		t.Fatalf("Len() = %d, want %d", c.Len(), maxEntries)
	}

	c.Put("one-too-many", []string{"tag"})
	if c.Len() != maxEntries {
		t.Fatalf("Len() after over-cap insert = %d, want %d (new key dropped)", c.Len(), maxEntries)
	}

	c.Put("a0", []string{"updated"})
	tags, _ := c.Get("a0")
	if len(tags) != 1 || tags[0] != "updated" {
		t.Fatalf("updating an existing key past cap should still succeed, got %v", tags)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := ""
	for i > 0 {
		digits = string(rune('0'+i%10)) + digits
		i /= 10
	}
	return digits
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json.gz")

	c := New(path, zap.NewNop())
	c.Put("docker", []string{"container_runtime"})

	saved, err := c.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !saved {
		t.Fatal("Save() = false on dirty cache, want true")
	}

	saved, err = c.Save()
	if err != nil {
		t.Fatalf("Save (second, not dirty): %v", err)
	}
	if saved {
		t.Fatal("Save() on clean cache = true, want false")
	}

	reloaded := New(path, zap.NewNop())
	reloaded.Load()

	tags, ok := reloaded.Get("docker")
	if !ok || len(tags) != 1 || tags[0] != "container_runtime" {
		t.Fatalf("reloaded Get(\"docker\") = %v, %v, want [container_runtime], true", tags, ok)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nonexistent.json.gz"), zap.NewNop())
	c.Load() // must not panic
	if c.Len() != 0 {
		t.Fatalf("Len() after loading missing file = %d, want 0", c.Len())
	}
}
