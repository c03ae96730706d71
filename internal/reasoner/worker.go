package reasoner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/enforcement"
	"github.com/longregen/linnix/internal/insights"
	"github.com/longregen/linnix/internal/observability"
	"github.com/longregen/linnix/internal/psi"
	"github.com/longregen/linnix/internal/toolkit"
	"github.com/longregen/linnix/internal/window"
)

// Config controls the reasoning worker's behavior.
type Config struct {
	Enabled        bool
	Endpoint       string
	WindowSeconds  int
	TimeoutMs      int
	MinEPSToEnable float64
	TopKKB         int
	ToolsEnabled   bool
}

// KBIndex looks up short knowledge-base snippets relevant to a query
// string. The worker keeps only maxKBSnippets of the returned results and
// truncates each to kbSnippetMaxChars before splicing it into a prompt.
type KBIndex interface {
	Query(query string, topK int) []string
}

const (
	maxKBSnippets      = 1
	kbSnippetMaxChars  = 256
	followupBudgetSlop = 20 * time.Millisecond
)

// Handler is the reasoning worker: it receives WindowSummary values from
// the window aggregator, queries a local inference server for a
// classification, and emits validated insights (and, where the model
// proposes a kill, enforcement proposals). The window aggregator already
// applies the events-per-second gate before a summary ever reaches a
// Handler, so ProcessWindow runs unconditionally on every summary it is
// given.
type Handler struct {
	cfg     Config
	client  *Client
	metrics *observability.Metrics
	kb      KBIndex
	store   *insights.Store
	queue   *enforcement.Queue
	log     *zap.Logger

	lastInsight *insights.Insight
	lastError   string
}

// TryNew constructs a Handler, or returns nil if the reasoner is disabled
// in configuration, misconfigured, or its endpoint is unreachable at
// startup. A disabled reasoner is not an error: the caller simply never
// wires window summaries to a nil Handler.
func TryNew(cfg Config, metrics *observability.Metrics, kb KBIndex, store *insights.Store, queue *enforcement.Queue, log *zap.Logger) *Handler {
	if !cfg.Enabled {
		metrics.SetIlmDisabled("disabled_in_config")
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		metrics.SetIlmDisabled("empty_endpoint")
		return nil
	}

	client := NewClient(cfg.Endpoint, time.Duration(cfg.TimeoutMs)*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), client.Timeout())
	defer cancel()
	if err := client.CheckHealth(ctx); err != nil {
		log.Warn("reasoner endpoint unreachable at startup", zap.Error(err))
		metrics.SetIlmDisabled("unreachable")
		return nil
	}

	metrics.SetIlmDisabled("")
	return &Handler{cfg: cfg, client: client, metrics: metrics, kb: kb, store: store, queue: queue, log: log}
}

// ProcessWindow runs one full reasoning turn for a window summary: builds
// the telemetry prompt, queries the inference server, optionally executes
// one tool round, validates the response (with one fix-up retry), and
// emits the resulting insight.
func (h *Handler) ProcessWindow(summary window.WindowSummary) {
	deadline := time.Now().Add(h.client.Timeout())
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	sys := psi.ReadSystemMetrics()
	la := readLoadAverage()
	telemetry := buildTelemetryPrompt(summary, sys, la)

	snippets := h.kbSnippets(summary)

	messages := []ChatMessage{
		{Role: "system", Content: buildSystemPrompt(h.cfg.ToolsEnabled)},
		{Role: "user", Content: buildUserPrompt(telemetry, snippets)},
	}

	response, err := h.client.Chat(ctx, messages)
	if err != nil {
		h.handleChatError(err)
		return
	}

	if h.cfg.ToolsEnabled {
		if tool, pid, ok := detectToolRequest(response); ok && time.Until(deadline) > followupBudgetSlop {
			if output, found := toolkit.Execute(tool, pid); found {
				followup := buildFollowupPrompt(telemetry, snippets, tool, pid, output, response)
				followupMessages := []ChatMessage{
					{Role: "system", Content: buildSystemPrompt(h.cfg.ToolsEnabled)},
					{Role: "user", Content: followup},
				}
				followupResponse, followupErr := h.client.Chat(ctx, followupMessages)
				if followupErr != nil {
					h.metrics.IlmTimeoutsTotal.WithLabelValues("request_failed").Inc()
					reason := fmt.Sprintf("followup_failed:%v", followupErr)
					h.metrics.SetIlmDisabled(reason)
					h.logOnce(reason)
					return
				}
				response = followupResponse
			}
		}
	}

	h.parseAndEmit(ctx, response)
}

func (h *Handler) kbSnippets(summary window.WindowSummary) []string {
	if h.kb == nil {
		return nil
	}
	query := buildQueryString(summary)
	results := h.kb.Query(query, h.cfg.TopKKB)

	snippets := make([]string, 0, maxKBSnippets)
	for _, r := range results {
		if len(snippets) >= maxKBSnippets {
			break
		}
		if len(r) > kbSnippetMaxChars {
			r = r[:kbSnippetMaxChars]
		}
		snippets = append(snippets, r)
	}
	return snippets
}

func (h *Handler) handleChatError(err error) {
	reason := "request_failed"
	if isTimeoutErr(err) {
		reason = "timeout"
	}
	h.metrics.IlmTimeoutsTotal.WithLabelValues(reason).Inc()
	h.metrics.SetIlmDisabled(reason)
	h.logOnce(fmt.Sprintf("chat request failed: %v", err))
}

// isTimeoutErr unwraps err looking for a net-style Timeout() bool method,
// distinguishing a deadline expiring from any other transport failure.
func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if te, ok := e.(timeouter); ok {
			return te.Timeout()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// parseAndEmit validates response, retrying once with a fix-up prompt on
// failure, falling back to the last known-good insight if both fail.
func (h *Handler) parseAndEmit(ctx context.Context, response string) {
	insight, err := ParseAndValidate(response)
	if err == nil {
		h.emitInsight(insight)
		h.lastError = ""
		h.metrics.SetIlmDisabled("")
		return
	}

	// The original failure counts even if the fix-up below succeeds.
	h.metrics.IlmSchemaErrorsTotal.Inc()

	fixMessages := []ChatMessage{
		{Role: "system", Content: buildSystemPrompt(h.cfg.ToolsEnabled)},
		{Role: "user", Content: buildFixPrompt(err, response)},
	}
	fixResponse, fixErr := h.client.Chat(ctx, fixMessages)
	if fixErr == nil {
		if fixed, fixedErr := ParseAndValidate(fixResponse); fixedErr == nil {
			h.emitInsight(fixed)
			h.lastError = ""
			h.metrics.SetIlmDisabled("")
			return
		}
	}

	if h.lastInsight != nil {
		h.emitInsight(*h.lastInsight)
		h.metrics.IlmFallbackInsightsTotal.Inc()
		h.metrics.SetIlmDisabled("fallback_last_insight")
		h.logOnce(fmt.Sprintf("schema validation failed, falling back to last insight: %v", err))
		return
	}

	h.metrics.SetIlmDisabled("schema_error")
	h.logOnce(fmt.Sprintf("schema validation failed, no fallback available: %v", err))
}

// emitInsight records the insight, updates the last-known-good cache, and
// proposes enforcement actions for any "kill <pid>" action it lists.
func (h *Handler) emitInsight(insight insights.Insight) {
	h.log.Info("insight emitted",
		zap.String("class", string(insight.Class)),
		zap.Float64("confidence", insight.Confidence),
		zap.String("why", insight.Why))

	h.metrics.InsightsEmittedTotal.Inc()
	if insight.Class.TriggersAlert() {
		h.metrics.IlmAlertsTotal.Inc()
	}

	if err := h.store.Record(insight); err != nil {
		h.log.Warn("failed to record insight", zap.Error(err))
	}

	cp := insight
	h.lastInsight = &cp

	for _, action := range insight.Actions {
		pid, ok := parseKillAction(action)
		if !ok {
			continue
		}
		confidence := insight.Confidence
		if _, err := h.queue.Propose(enforcement.KillProcess(pid, 9), insight.Why, "llm", &confidence); err != nil {
			h.log.Warn("enforcement proposal rejected", zap.Uint32("pid", pid), zap.Error(err))
		}
	}
}

// logOnce only warns when message differs from the last message logged,
// so a stuck endpoint doesn't spam identical warnings every window tick.
func (h *Handler) logOnce(message string) {
	if message == h.lastError {
		return
	}
	h.lastError = message
	h.log.Warn(message)
}

// detectToolRequest recognizes a "TOOL: <name> <pid>" response as the
// first line of response, case-insensitive on the tool name.
func detectToolRequest(response string) (tool string, pid int32, ok bool) {
	firstLine := response
	if idx := strings.IndexByte(response, '\n'); idx >= 0 {
		firstLine = response[:idx]
	}
	firstLine = strings.TrimSpace(firstLine)

	rest, found := strings.CutPrefix(firstLine, "TOOL:")
	if !found {
		return "", 0, false
	}
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", 0, false
	}
	var parsedPID int
	if _, err := fmt.Sscanf(fields[1], "%d", &parsedPID); err != nil {
		return "", 0, false
	}
	return strings.ToLower(fields[0]), int32(parsedPID), true
}
