package reasoner

import (
	"fmt"
	"strings"

	"github.com/longregen/linnix/internal/psi"
	"github.com/longregen/linnix/internal/toolkit"
	"github.com/longregen/linnix/internal/window"
)

// buildSystemPrompt is the fixed instruction text sent as the system message
// on every chat turn. It enumerates exactly the keys, classes and format
// rules the model must follow, plus the optional tool-call protocol.
func buildSystemPrompt(toolsEnabled bool) string {
	var b strings.Builder
	b.WriteString("You are a Linux node reliability analyst. You receive a compact ")
	b.WriteString("telemetry summary for one time window and must classify it.\n\n")
	b.WriteString("Reply with exactly one JSON object, nothing else. No arrays, no code ")
	b.WriteString("fences, no markdown, no commentary before or after the object.\n\n")
	b.WriteString("The object has exactly these keys:\n")
	b.WriteString("  class: one of \"fork_storm\", \"short_job_flood\", \"runaway_tree\", ")
	b.WriteString("\"cpu_spin\", \"io_saturation\", \"oom_risk\", \"normal\"\n")
	b.WriteString("  confidence: a number between 0 and 1\n")
	b.WriteString("  primary_process: the command name most responsible, as a quoted ")
	b.WriteString("string, or null if none stands out\n")
	b.WriteString("  why: a short explanation, at most 120 characters\n")
	b.WriteString("  actions: an array of at most 3 suggested actions, as strings. ")
	b.WriteString("An action of the form \"kill <pid>\" proposes terminating that process.\n")

	if toolsEnabled {
		b.WriteString("\nIf you need more information before deciding, reply with a single ")
		b.WriteString("line of the form \"TOOL: <name> <pid>\" instead of JSON, using one of ")
		b.WriteString("these tools: " + strings.Join(toolkit.Names(), ", ") + ". ")
		b.WriteString("You will then be given the tool's output and one more chance to answer.\n")
	}

	return b.String()
}

// schemaReminder is spliced into the user, fix-up and followup prompts so
// every turn restates the exact structure expected.
const schemaReminder = `{"class": CLASS_VALUE, "confidence": CONFIDENCE_VALUE, "primary_process": PROCESS_VALUE, "why": "WHY_TEXT", "actions": [ACTION_VALUES]}`

// buildUserPrompt is the first-turn user message: schema reminder, optional
// knowledge-base snippets, the telemetry line, and the template the model
// must fill in.
func buildUserPrompt(telemetry string, snippets []string) string {
	var b strings.Builder
	b.WriteString("Schema:\n" + schemaReminder + "\n\n")
	b.WriteString("kb:" + kbLine(snippets) + "\n\n")
	b.WriteString("telemetry:" + telemetry + "\n\n")
	b.WriteString("Replace every placeholder (CLASS_VALUE, CONFIDENCE_VALUE, PROCESS_VALUE, ")
	b.WriteString("WHY_TEXT, ACTION_VALUES) with your actual answer. Do not leave any ")
	b.WriteString("placeholder token in your reply. Output the JSON object only.\n")
	return b.String()
}

// buildFixPrompt is the one-shot retry sent after a response fails schema
// validation. It states the rejection reason and the previous reply so the
// model can correct itself without re-deriving the telemetry context.
func buildFixPrompt(validationErr error, previousResponse string) string {
	var b strings.Builder
	b.WriteString("Your previous reply was rejected: " + validationErr.Error() + "\n\n")
	b.WriteString("Previous reply:\n" + previousResponse + "\n\n")
	b.WriteString("Reply again with exactly this JSON structure, all keys present, no extra ")
	b.WriteString("keys, no placeholder tokens, nothing but the JSON object:\n")
	b.WriteString(schemaReminder + "\n")
	return b.String()
}

// buildFollowupPrompt is sent after a TOOL request has been executed: it
// repeats the schema and telemetry, then adds the tool's output and the
// model's prior draft, asking it to re-evaluate and answer in JSON only.
func buildFollowupPrompt(telemetry string, snippets []string, tool string, pid int32, toolOutput, draft string) string {
	var b strings.Builder
	b.WriteString("Schema:\n" + schemaReminder + "\n\n")
	b.WriteString("kb:" + kbLine(snippets) + "\n\n")
	b.WriteString("telemetry:" + telemetry + "\n\n")
	b.WriteString(fmt.Sprintf("Tool result (%s pid %d):\n%s\n\n", tool, pid, toolOutput))
	b.WriteString("Prior draft: " + draft + "\n\n")
	b.WriteString("Re-evaluate using the tool result and output the JSON object only.\n")
	return b.String()
}

func kbLine(snippets []string) string {
	if len(snippets) == 0 {
		return "none"
	}
	return strings.Join(snippets, "\n---\n")
}

// buildQueryString derives the knowledge-base lookup query from a window
// summary: the primary process, the top commands, and coarse event counts.
func buildQueryString(s window.WindowSummary) string {
	var parts []string
	if s.PrimaryComm != "" {
		parts = append(parts, s.PrimaryComm)
	}
	parts = append(parts, s.TopComm...)
	parts = append(parts,
		fmt.Sprintf("forks:%d", s.Forks),
		fmt.Sprintf("execs:%d", s.Execs),
		fmt.Sprintf("exits:%d", s.Exits),
	)
	return strings.Join(parts, " ")
}

// buildTreeSummary renders the primary process's position in its process
// tree for the telemetry line's tree= field.
func buildTreeSummary(s window.WindowSummary) string {
	if s.PrimaryPID == 0 && s.PrimaryComm == "" {
		return "n/a"
	}
	ppid := "?"
	if s.PrimaryPPID != 0 {
		ppid = fmt.Sprintf("%d", s.PrimaryPPID)
	}
	return fmt.Sprintf("pid=%d comm=%s ppid=%s", s.PrimaryPID, s.PrimaryComm, ppid)
}

// buildTelemetryPrompt renders one compact line summarizing the window: core
// counts, top commands, process tree context, then enrichment fields (CPU
// hot process, top memory consumers, system load, PSI, page faults, and
// I/O/network byte counts). PSI and activity fields are only appended when
// non-zero; load and the normalized run-queue figure are always appended.
func buildTelemetryPrompt(s window.WindowSummary, sys psi.SystemMetrics, la loadAverage) string {
	var b strings.Builder

	top := "none"
	if len(s.TopComm) > 0 {
		top = strings.Join(s.TopComm, ",")
	}

	fmt.Fprintf(&b, "w=%.0f eps=%.1f frk=%d exe=%d ext=%d top=%s",
		s.WindowSeconds, s.EventsPerSec, s.Forks, s.Execs, s.Exits, top)

	if len(s.TopMem) > 0 {
		var entries []string
		for _, m := range s.TopMem {
			entries = append(entries, fmt.Sprintf("%d:%s:%.1f", m.PID, m.Comm, m.Pct))
		}
		fmt.Fprintf(&b, " rss=%s", strings.Join(entries, ","))
	} else {
		b.WriteString(" rss=none")
	}

	fmt.Fprintf(&b, " tree=%s", buildTreeSummary(s))

	if s.TopCPUComm != "" {
		fmt.Fprintf(&b, " cpu_hot=%s:%.1f%%", s.TopCPUComm, s.TopCPUPct)
	}

	fmt.Fprintf(&b, " load=%s", la.String())

	if sys.CPUSomeAvg10 != 0 {
		fmt.Fprintf(&b, " psi_cpu=%.1f", sys.CPUSomeAvg10)
	}
	if sys.MemoryFullAvg10 != 0 {
		fmt.Fprintf(&b, " psi_mem_full=%.1f", sys.MemoryFullAvg10)
	}
	if sys.IOSomeAvg10 != 0 {
		fmt.Fprintf(&b, " psi_io=%.1f", sys.IOSomeAvg10)
	}

	if s.PageFaults > 0 {
		fmt.Fprintf(&b, " pf=%d", s.PageFaults)
	}
	if s.NetBytes > 0 {
		fmt.Fprintf(&b, " net_bytes=%d", s.NetBytes)
	}
	if s.IOBytes > 0 {
		fmt.Fprintf(&b, " io_bytes=%d", s.IOBytes)
	}
	if s.BlockIOEvents > 0 {
		fmt.Fprintf(&b, " blk_io=%d", s.BlockIOEvents)
	}

	fmt.Fprintf(&b, " runq=%s", la.runQueue())

	return b.String()
}

// parseKillAction recognizes a "kill <pid>" action string (case-insensitive
// on the verb) and returns the target pid. Any other shape is ignored — the
// action is advisory text that doesn't map to an enforcement action.
func parseKillAction(action string) (uint32, bool) {
	fields := strings.Fields(action)
	if len(fields) < 2 {
		return 0, false
	}
	verb := strings.ToLower(fields[0])
	if verb != "kill" {
		return 0, false
	}
	var pid uint32
	if _, err := fmt.Sscanf(fields[len(fields)-1], "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}
