// Package config provides configuration loading and validation for the
// linnix agent.
//
// Configuration file: /etc/linnix/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Only the log level is applied; every other field (reasoner
//     thresholds, DB path, metrics bind address, socket paths) requires a
//     restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (window_seconds >= 1, timeout_ms >= 1, etc).
//   - Required file paths must be non-empty; whether a path is absolute
//     is not checked.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDBPath mirrors the incidents package's expected location for use
// in config defaults.
const DefaultDBPath = "/var/lib/linnix/linnix.db"

// Config is the root configuration structure for the linnix agent. All
// fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this linnix node, surfaced in the
	// startup log; incident records do not carry it. Default: hostname.
	NodeID string `yaml:"node_id"`

	Reasoner      ReasonerConfig      `yaml:"reasoner"`
	Enforcement   EnforcementConfig   `yaml:"enforcement"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Approval      ApprovalConfig      `yaml:"approval"`
	PSI           PSIConfig           `yaml:"psi"`
	K8s           K8sConfig           `yaml:"k8s"`
	TagCache      TagCacheConfig      `yaml:"tag_cache"`
	EventFeed     EventFeedConfig     `yaml:"event_feed"`
}

// EventFeedConfig holds ring-buffer event feed parameters.
type EventFeedConfig struct {
	// RingbufMapPath is the bpffs-pinned path of the events ring buffer map,
	// populated by the out-of-scope eBPF loader. Default:
	// eventfeed.DefaultPinPath.
	RingbufMapPath string `yaml:"ringbuf_map_path"`
}

// ReasonerConfig configures the window-classification LLM worker.
type ReasonerConfig struct {
	// Enabled gates whether the reasoner starts at all. Default: true.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the base URL of the OpenAI-compatible inference server.
	// Default: value of LLM_ENDPOINT, else "http://127.0.0.1:8080".
	Endpoint string `yaml:"endpoint"`

	// WindowSeconds is the aggregation window period. Must be >= 1.
	// Default: 10.
	WindowSeconds int `yaml:"window_seconds"`

	// TimeoutMs is the per-chat-request timeout. Must be >= 1. Default: 5000.
	TimeoutMs int `yaml:"timeout_ms"`

	// MinEPSToEnable is the minimum events-per-second rate below which a
	// window is dropped without consulting the LLM. Default: 1.0.
	MinEPSToEnable float64 `yaml:"min_eps_to_enable"`

	// TopKKB is the number of knowledge-base snippets appended to the
	// prompt. Must be >= 1. Default: 1 (MAX_KB_SNIPPETS).
	TopKKB int `yaml:"topk_kb"`

	// ToolsEnabled gates the read-only tool follow-up round.
	// Default: true.
	ToolsEnabled bool `yaml:"tools_enabled"`
}

// EnforcementConfig configures the enforcement action queue.
type EnforcementConfig struct {
	// TTLSecs is how long a proposed action remains Pending before it
	// expires. Must be >= 1. Default: 300.
	TTLSecs int `yaml:"ttl_secs"`

	// AgentBinaryName is added to the safety guard's deny list so the
	// agent can never target itself by command name. Default: "linnix-agent".
	AgentBinaryName string `yaml:"agent_binary_name"`
}

// StorageConfig holds incident-store (BoltDB) parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the incident BoltDB file.
	// Default: /var/lib/linnix/linnix.db.
	DBPath string `yaml:"db_path"`

	// InsightLogPath, if non-empty, mirrors every emitted insight as a
	// newline-delimited JSON audit log. Default: "" (disabled).
	InsightLogPath string `yaml:"insight_log_path"`

	// InsightStoreCapacity is the bounded in-memory insight FIFO size.
	// Default: 256.
	InsightStoreCapacity int `yaml:"insight_store_capacity"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address (loopback
	// only). Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// ApprovalConfig holds the human-approval Unix socket parameters.
type ApprovalConfig struct {
	// SocketPath is the Unix domain socket path the approval server
	// listens on. Permissions: 0600. Default: /run/linnix/approval.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the approval socket is started.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// PSIConfig holds pressure-stall monitoring parameters.
type PSIConfig struct {
	// ScanIntervalMs is the cgroup PSI scan cadence. Default: 1000.
	ScanIntervalMs int `yaml:"scan_interval_ms"`

	// HistorySize is validated (>= 1) but not read by the PSI scanner,
	// whose per-pod sample history cap is fixed at 10. Default: 10.
	HistorySize int `yaml:"history_size"`
}

// K8sConfig holds container-metadata resolver parameters.
type K8sConfig struct {
	// RefreshIntervalSecs is the pod-metadata refresh cadence.
	// Default: 30.
	RefreshIntervalSecs int `yaml:"refresh_interval_secs"`
}

// TagCacheConfig holds the command-name tag classifier cache parameters.
type TagCacheConfig struct {
	// Enabled gates the tag classifier entirely. Default: true.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the tagging LLM endpoint. Default: value of
	// LLM_TAG_ENDPOINT, else LLM_ENDPOINT, else reasoner.endpoint.
	Endpoint string `yaml:"endpoint"`

	// TimeoutMs is the per-tagging-request timeout. Default: 6000.
	TimeoutMs int `yaml:"timeout_ms"`

	// CachePath is the on-disk gzip'd JSON cache location. Default:
	// tagcache.DefaultPath().
	CachePath string `yaml:"cache_path"`

	// SaveIntervalSecs is the background persister's flush cadence.
	// Default: 30.
	SaveIntervalSecs int `yaml:"save_interval_secs"`

	// Offline, when true, skips the model entirely and returns the tag
	// "offline" for every lookup. Default: false.
	Offline bool `yaml:"offline"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	llmEndpoint := firstNonEmpty(os.Getenv("LLM_ENDPOINT"), "http://127.0.0.1:8080")
	tagEndpoint := firstNonEmpty(os.Getenv("LLM_TAG_ENDPOINT"), os.Getenv("LLM_ENDPOINT"), llmEndpoint)

	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Reasoner: ReasonerConfig{
			Enabled:        true,
			Endpoint:       llmEndpoint,
			WindowSeconds:  10,
			TimeoutMs:      5000,
			MinEPSToEnable: 1.0,
			TopKKB:         1,
			ToolsEnabled:   true,
		},
		Enforcement: EnforcementConfig{
			TTLSecs:         300,
			AgentBinaryName: "linnix-agent",
		},
		Storage: StorageConfig{
			DBPath:               DefaultDBPath,
			InsightStoreCapacity: 256,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Approval: ApprovalConfig{
			Enabled:    true,
			SocketPath: "/run/linnix/approval.sock",
		},
		PSI: PSIConfig{
			ScanIntervalMs: 1000,
			HistorySize:    10,
		},
		K8s: K8sConfig{
			RefreshIntervalSecs: 30,
		},
		TagCache: TagCacheConfig{
			Enabled:          true,
			Endpoint:         tagEndpoint,
			TimeoutMs:        6000,
			SaveIntervalSecs: 30,
		},
		EventFeed: EventFeedConfig{
			RingbufMapPath: "/sys/fs/bpf/linnix/events",
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Load reads and validates a config file from the given path. Returns the
// merged config (defaults overridden by file values). Returns an error if
// the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness. Returns a descriptive
// error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}

	if cfg.Reasoner.WindowSeconds < 1 {
		errs = append(errs, fmt.Sprintf("reasoner.window_seconds must be >= 1, got %d", cfg.Reasoner.WindowSeconds))
	}
	if cfg.Reasoner.TimeoutMs < 1 {
		errs = append(errs, fmt.Sprintf("reasoner.timeout_ms must be >= 1, got %d", cfg.Reasoner.TimeoutMs))
	}
	if cfg.Reasoner.TopKKB < 1 {
		errs = append(errs, fmt.Sprintf("reasoner.topk_kb must be >= 1, got %d", cfg.Reasoner.TopKKB))
	}
	if cfg.Reasoner.MinEPSToEnable < 0 {
		errs = append(errs, fmt.Sprintf("reasoner.min_eps_to_enable must be >= 0, got %f", cfg.Reasoner.MinEPSToEnable))
	}
	if cfg.Reasoner.Enabled && cfg.Reasoner.Endpoint == "" {
		errs = append(errs, "reasoner.endpoint must not be empty when reasoner.enabled is true")
	}

	if cfg.Enforcement.TTLSecs < 1 {
		errs = append(errs, fmt.Sprintf("enforcement.ttl_secs must be >= 1, got %d", cfg.Enforcement.TTLSecs))
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.InsightStoreCapacity < 1 {
		errs = append(errs, fmt.Sprintf("storage.insight_store_capacity must be >= 1, got %d", cfg.Storage.InsightStoreCapacity))
	}

	if cfg.Approval.Enabled && cfg.Approval.SocketPath == "" {
		errs = append(errs, "approval.socket_path must not be empty when approval.enabled is true")
	}

	if cfg.PSI.ScanIntervalMs < 1 {
		errs = append(errs, fmt.Sprintf("psi.scan_interval_ms must be >= 1, got %d", cfg.PSI.ScanIntervalMs))
	}
	if cfg.PSI.HistorySize < 1 {
		errs = append(errs, fmt.Sprintf("psi.history_size must be >= 1, got %d", cfg.PSI.HistorySize))
	}

	if cfg.K8s.RefreshIntervalSecs < 1 {
		errs = append(errs, fmt.Sprintf("k8s.refresh_interval_secs must be >= 1, got %d", cfg.K8s.RefreshIntervalSecs))
	}

	if cfg.TagCache.Enabled && !cfg.TagCache.Offline && cfg.TagCache.Endpoint == "" {
		errs = append(errs, "tag_cache.endpoint must not be empty when tag_cache.enabled is true and tag_cache.offline is false")
	}
	if cfg.TagCache.TimeoutMs < 1 {
		errs = append(errs, fmt.Sprintf("tag_cache.timeout_ms must be >= 1, got %d", cfg.TagCache.TimeoutMs))
	}
	if cfg.TagCache.SaveIntervalSecs < 1 {
		errs = append(errs, fmt.Sprintf("tag_cache.save_interval_secs must be >= 1, got %d", cfg.TagCache.SaveIntervalSecs))
	}

	if cfg.EventFeed.RingbufMapPath == "" {
		errs = append(errs, "event_feed.ringbuf_map_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
