package incidents

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/reasoner"
)

const (
	analyzerModel       = "linnix-3b-distilled"
	analyzerTemperature = 0.1
	analyzerMaxTokens   = 500

	analyzerSystemPrompt = "You are Linnix AI, an expert system performance analyst. " +
		"Analyze circuit breaker incidents and provide concise root cause analysis, " +
		"severity assessment, and actionable recommendations."
)

// Analysis is the parsed, structured form of the analyzer's LLM response.
type Analysis struct {
	ActionSummary  string
	RootCause      string
	Impact         string
	Severity       string // low | medium | high | critical
	Recommendation string
	Confidence     float64
}

var validSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Analyzer produces an on-demand, asynchronous root-cause narrative for one
// incident by asking a local LLM.
type Analyzer struct {
	client *reasoner.Client
	log    *zap.Logger
}

// NewAnalyzer constructs an Analyzer talking to endpoint with the given
// per-request timeout.
func NewAnalyzer(endpoint string, timeout time.Duration, log *zap.Logger) *Analyzer {
	return &Analyzer{client: reasoner.NewClient(endpoint, timeout), log: log}
}

// Analyze asks the LLM to analyze incident and returns its raw text
// response. Callers pass the result to ParseAnalysis.
func (a *Analyzer) Analyze(ctx context.Context, incident Incident) (string, error) {
	messages := []reasoner.ChatMessage{
		{Role: "system", Content: analyzerSystemPrompt},
		{Role: "user", Content: buildAnalysisPrompt(incident)},
	}

	text, err := a.client.ChatCompletion(ctx, messages, reasoner.ChatOptions{
		Model:       analyzerModel,
		Temperature: analyzerTemperature,
		MaxTokens:   analyzerMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("incidents: analyzer chat request: %w", err)
	}
	return text, nil
}

// AnalyzeAndRecord runs Analyze, parses the result, and stores the raw text
// back onto the incident via store.AddLLMAnalysis. Returns the parsed
// Analysis for callers that want the structured severity/confidence fields
// (e.g. for alerting), even though only the raw text is persisted.
func (a *Analyzer) AnalyzeAndRecord(ctx context.Context, store *Store, incident Incident) (*Analysis, error) {
	text, err := a.Analyze(ctx, incident)
	if err != nil {
		return nil, err
	}

	analysis, parseErr := ParseAnalysis(text)
	if parseErr != nil {
		a.log.Warn("incident analysis response failed to parse",
			zap.Int64("incident_id", incident.ID), zap.Error(parseErr))
	}

	if err := store.AddLLMAnalysis(incident.ID, text, time.Now()); err != nil {
		return analysis, fmt.Errorf("incidents: recording analysis for %d: %w", incident.ID, err)
	}
	return analysis, parseErr
}

func buildAnalysisPrompt(incident Incident) string {
	timestamp := time.Unix(incident.Timestamp, 0).UTC().Format("2006-01-02 15:04:05 UTC")

	targetName := "unknown"
	if incident.TargetName != nil {
		targetName = *incident.TargetName
	}
	var targetPID int32
	if incident.TargetPID != nil {
		targetPID = *incident.TargetPID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INCIDENT REPORT\n\n")
	fmt.Fprintf(&b, "Timestamp: %s\n", timestamp)
	fmt.Fprintf(&b, "Event Type: %s\n\n", incident.EventType)
	fmt.Fprintf(&b, "ACTION TAKEN BY CIRCUIT BREAKER:\n")
	fmt.Fprintf(&b, "%s - Target Process: %s (PID: %d)\n\n", incident.Action, targetName, targetPID)
	fmt.Fprintf(&b, "SYSTEM METRICS AT INCIDENT TIME:\n")
	fmt.Fprintf(&b, "- CPU Usage: %.1f%%\n", incident.CPUPercent)
	fmt.Fprintf(&b, "- CPU PSI (Pressure Stall): %.1f%%\n", incident.PSICPU)
	fmt.Fprintf(&b, "- Memory PSI (Full): %.1f%%\n", incident.PSIMemory)
	fmt.Fprintf(&b, "- Load Average: %s\n\n", incident.LoadAvg)
	fmt.Fprintf(&b, "CIRCUIT BREAKER TRIGGER REASON:\n%s\n\n", explainEventType(incident.EventType, incident.PSICPU, incident.CPUPercent))
	b.WriteString("ANALYSIS TASK:\n")
	b.WriteString("You are analyzing a circuit breaker incident where an automated action was taken to protect system stability.\n\n")
	b.WriteString("Provide a concise analysis covering:\n\n")
	b.WriteString("1. ACTION_SUMMARY: Clearly state what action was taken and to which process (1 sentence)\n")
	b.WriteString("2. ROOT_CAUSE: Why did this process cause the circuit breaker to trigger? (1-2 sentences)\n")
	b.WriteString("3. IMPACT: What would have happened if we didn't kill this process? (1 sentence)\n")
	b.WriteString(`4. SEVERITY: Rate as "low", "medium", "high", or "critical"` + "\n")
	b.WriteString("5. RECOMMENDATION: What should be investigated or changed to prevent this? (2-3 sentences)\n")
	b.WriteString("6. CONFIDENCE: Your confidence level (0.0-1.0)\n\n")
	b.WriteString("Format your response as:\n\n")
	b.WriteString("ACTION_SUMMARY: <what we did>\n")
	b.WriteString("ROOT_CAUSE: <why it happened>\n")
	b.WriteString("IMPACT: <consequences of inaction>\n")
	b.WriteString("SEVERITY: <level>\n")
	b.WriteString("RECOMMENDATION: <suggestion>\n")
	b.WriteString("CONFIDENCE: <0.0-1.0>\n")
	return b.String()
}

func explainEventType(eventType string, psiCPU, cpuPercent float32) string {
	switch eventType {
	case "circuit_breaker_cpu":
		return fmt.Sprintf(
			"Dual-signal CPU thrashing detected: CPU usage at %.1f%% AND PSI at %.1f%%. "+
				"This indicates processes were stalled %.1f%% of the time - not just busy, but blocked. "+
				"High PSI means context switching overhead dominated actual work.",
			cpuPercent, psiCPU, psiCPU,
		)
	case "circuit_breaker_memory":
		return "Memory thrashing detected: System was spending excessive time managing memory pressure " +
			"rather than doing useful work. Processes were blocked waiting for memory."
	default:
		return fmt.Sprintf("Circuit breaker triggered for event type: %s", eventType)
	}
}

// ParseAnalysis extracts the six required fields from the LLM's line-prefix
// formatted response. Any missing field is a failure.
func ParseAnalysis(text string) (*Analysis, error) {
	var actionSummary, rootCause, impact, severity, recommendation string
	var confidence *float64

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		switch {
		case strings.HasPrefix(line, "ACTION_SUMMARY:"):
			actionSummary = strings.TrimSpace(strings.TrimPrefix(line, "ACTION_SUMMARY:"))
		case strings.HasPrefix(line, "ROOT_CAUSE:"):
			rootCause = strings.TrimSpace(strings.TrimPrefix(line, "ROOT_CAUSE:"))
		case strings.HasPrefix(line, "IMPACT:"):
			impact = strings.TrimSpace(strings.TrimPrefix(line, "IMPACT:"))
		case strings.HasPrefix(line, "SEVERITY:"):
			severity = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "SEVERITY:")))
		case strings.HasPrefix(line, "RECOMMENDATION:"):
			recommendation = strings.TrimSpace(strings.TrimPrefix(line, "RECOMMENDATION:"))
		case strings.HasPrefix(line, "CONFIDENCE:"):
			if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "CONFIDENCE:")), 64); err == nil {
				confidence = &v
			}
		}
	}

	switch {
	case actionSummary == "":
		return nil, fmt.Errorf("incidents: analysis response missing ACTION_SUMMARY")
	case rootCause == "":
		return nil, fmt.Errorf("incidents: analysis response missing ROOT_CAUSE")
	case impact == "":
		return nil, fmt.Errorf("incidents: analysis response missing IMPACT")
	case severity == "":
		return nil, fmt.Errorf("incidents: analysis response missing SEVERITY")
	case !validSeverities[severity]:
		return nil, fmt.Errorf("incidents: analysis response has invalid SEVERITY %q", severity)
	case recommendation == "":
		return nil, fmt.Errorf("incidents: analysis response missing RECOMMENDATION")
	case confidence == nil:
		return nil, fmt.Errorf("incidents: analysis response missing or unparseable CONFIDENCE")
	}

	return &Analysis{
		ActionSummary:  actionSummary,
		RootCause:      rootCause,
		Impact:         impact,
		Severity:       severity,
		Recommendation: recommendation,
		Confidence:     *confidence,
	}, nil
}
