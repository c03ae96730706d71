package tagcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/observability"
	"github.com/longregen/linnix/internal/reasoner"
)

const (
	tagTemperature  = 0
	tagMaxTokens    = 48
	tagSystemPrompt = "You classify Linux command names into semantic categories. " +
		"Respond with a JSON array of lowercase snake_case tags. Output JSON only, " +
		"no prose, no code fences, no explanations."
)

// tagModel returns the tagging model name, overridable via LLM_TAG_MODEL
// (falling back to the classification model's own override chain).
func tagModel() string {
	if m := os.Getenv("LLM_TAG_MODEL"); m != "" {
		return m
	}
	return reasoner.DefaultModel()
}

// offlineTag is returned without contacting the model when Offline is true.
var offlineTag = []string{"offline"}

// Classifier looks up semantic tags for a command name, consulting Cache
// first and falling back to a dedicated low-token LLM chat on a miss.
type Classifier struct {
	cache   *Cache
	client  *reasoner.Client
	metrics *observability.Metrics
	log     *zap.Logger
	offline bool
}

// NewClassifier constructs a Classifier. endpoint is the tagging-specific
// LLM endpoint (LLM_TAG_ENDPOINT, falling back to LLM_ENDPOINT at the
// config layer); offline, when true, skips every model call.
func NewClassifier(cache *Cache, endpoint string, timeout time.Duration, offline bool, metrics *observability.Metrics, log *zap.Logger) *Classifier {
	return &Classifier{
		cache:   cache,
		client:  reasoner.NewClient(endpoint, timeout),
		metrics: metrics,
		log:     log,
		offline: offline,
	}
}

// Tags returns 1-3 semantic tags for comm, consulting the cache first.
func (c *Classifier) Tags(ctx context.Context, comm string) ([]string, error) {
	if c.offline {
		return offlineTag, nil
	}

	if tags, ok := c.cache.Get(comm); ok {
		if c.metrics != nil {
			c.metrics.TagCacheHitsTotal.Inc()
		}
		return tags, nil
	}
	if c.metrics != nil {
		c.metrics.TagCacheMissesTotal.Inc()
	}

	tags, err := c.queryModel(ctx, comm)
	if err != nil {
		if c.metrics != nil {
			c.metrics.TagFailuresTotal.Inc()
		}
		return nil, err
	}

	c.cache.Put(comm, tags)
	return tags, nil
}

func (c *Classifier) queryModel(ctx context.Context, comm string) ([]string, error) {
	prompt := fmt.Sprintf(
		"Command: %s\nReturn a JSON array of 1-3 lowercase snake_case tags describing what "+
			"this command typically does (e.g., \"package_manager\", \"network_tool\"). "+
			"Respond with JSON only and nothing else.", comm)

	messages := []reasoner.ChatMessage{
		{Role: "system", Content: tagSystemPrompt},
		{Role: "user", Content: prompt},
	}

	text, err := c.client.ChatCompletion(ctx, messages, reasoner.ChatOptions{
		Model:       tagModel(),
		Temperature: tagTemperature,
		MaxTokens:   tagMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("tagcache: LLM tagging request failed: %w", err)
	}

	tags, err := parseTagResponse(text)
	if err != nil {
		return nil, err
	}
	if c.log != nil {
		c.log.Debug("cached tags for command", zap.String("comm", normalizeComm(comm)), zap.Strings("tags", tags))
	}
	return tags, nil
}

const maxTagsPerComm = 3

// parseTagResponse accepts either a bare JSON array or one wrapped in a
// markdown code fence, since small local models frequently add one despite
// being told not to. The prompt asks for 1-3 lowercase snake_case tags, and
// small models drift from that too: each tag is normalized to snake_case
// and the result is clamped to 3 entries, so whatever the model returns,
// the cache only ever holds the promised shape.
func parseTagResponse(content string) ([]string, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var raw []string
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("tagcache: failed to parse tags JSON: %w (output: %q)", err, trimmed)
	}

	tags := make([]string, 0, maxTagsPerComm)
	for _, t := range raw {
		if tag := snakeCaseTag(t); tag != "" {
			tags = append(tags, tag)
		}
		if len(tags) == maxTagsPerComm {
			break
		}
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("tagcache: no usable tags in response (output: %q)", trimmed)
	}
	return tags, nil
}

// snakeCaseTag lowercases a tag and folds runs of anything outside
// [a-z0-9] into single underscores ("Network Tool" -> "network_tool").
// Returns "" if nothing usable remains.
func snakeCaseTag(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return b.String()
}
