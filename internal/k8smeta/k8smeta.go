// Package k8smeta resolves container IDs and PIDs to Kubernetes pod
// metadata by polling the node's local kube-apiserver view.
//
// Resolver supports two discovery modes:
//   - manual (K8S_API_URL / K8S_TOKEN env vars) for local/dev clusters (kind,
//     minikube) where self-signed certificates are common;
//   - in-cluster (KUBERNETES_SERVICE_HOST / KUBERNETES_SERVICE_PORT plus the
//     projected service account token and CA cert) for production.
package k8smeta

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Priority is the pod's operator-assigned scheduling priority, read from the
// linnix.dev/priority label. Unrecognized or absent values default to
// Medium.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ParsePriority maps a label value to a Priority, case-insensitively,
// defaulting to Medium for anything unrecognized.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Metadata describes the pod and container owning a given container ID.
type Metadata struct {
	PodName       string   `json:"pod_name"`
	Namespace     string   `json:"namespace"`
	ContainerName string   `json:"container_name"`
	OwnerKind     string   `json:"owner_kind,omitempty"`
	OwnerName     string   `json:"owner_name,omitempty"`
	Priority      Priority `json:"priority"`
	SLOTier       string   `json:"slo_tier,omitempty"`
}

const defaultRefreshInterval = 30 * time.Second

// Resolver polls the Kubernetes API for pods scheduled on this node and
// serves container-ID and PID based metadata lookups.
type Resolver struct {
	client   *http.Client
	apiURL   string
	token    string
	NodeName string
	log      *zap.Logger

	// RefreshInterval is the pod-list poll cadence. Zero means
	// defaultRefreshInterval (30s), matching config.K8sConfig's default.
	RefreshInterval time.Duration

	containerMap atomic.Pointer[map[string]Metadata]

	// procRoot lets tests substitute /proc.
	procRoot string
}

// NewResolver builds a Resolver using manual-mode env vars if both K8S_API_URL
// and K8S_TOKEN are set, falling back to in-cluster discovery. Returns
// (nil, false) if neither discovery mode has what it needs — the agent runs
// without Kubernetes enrichment in that case.
func NewResolver(log *zap.Logger) (*Resolver, bool) {
	apiURL, token, tlsConfig, ok := discover()
	if !ok {
		return nil, false
	}

	nodeName := firstNonEmpty(os.Getenv("NODE_NAME"), os.Getenv("HOSTNAME"), "localhost")

	r := &Resolver{
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
		apiURL:   apiURL,
		token:    token,
		NodeName: nodeName,
		log:      log,
		procRoot: "/proc",
	}
	empty := map[string]Metadata{}
	r.containerMap.Store(&empty)
	return r, true
}

func discover() (apiURL, token string, tlsConfig *tls.Config, ok bool) {
	if url := os.Getenv("K8S_API_URL"); url != "" {
		if tok := os.Getenv("K8S_TOKEN"); tok != "" {
			// Manual/local mode: accept self-signed certs (kind, minikube).
			return url, tok, &tls.Config{InsecureSkipVerify: true}, true
		}
	}

	host := os.Getenv("KUBERNETES_SERVICE_HOST")
	port := os.Getenv("KUBERNETES_SERVICE_PORT")
	if host == "" || port == "" {
		return "", "", nil, false
	}

	tokenBytes, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/token")
	if err != nil {
		return "", "", nil, false
	}
	caBytes, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/ca.crt")
	if err != nil {
		return "", "", nil, false
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return "", "", nil, false
	}

	return fmt.Sprintf("https://%s:%s", host, port), string(tokenBytes), &tls.Config{RootCAs: pool}, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Run polls the API on a fixed interval until ctx is cancelled. Poll errors
// are logged and retried on the next tick; they do not stop the loop.
func (r *Resolver) Run(ctx context.Context) {
	interval := r.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	r.log.Info("starting pod watcher", zap.String("node", r.NodeName), zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.refreshPods(ctx); err != nil {
			r.log.Warn("failed to refresh pods", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Resolver) refreshPods(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/pods?fieldSelector=spec.nodeName=%s", r.apiURL, r.NodeName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("k8smeta: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("k8smeta: request pods: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("k8smeta: API error: %s", resp.Status)
	}

	var podList podList
	if err := json.NewDecoder(resp.Body).Decode(&podList); err != nil {
		return fmt.Errorf("k8smeta: decode pod list: %w", err)
	}

	newMap := make(map[string]Metadata)
	for _, pod := range podList.Items {
		ns := pod.Metadata.Namespace
		podName := pod.Metadata.Name

		var ownerKind, ownerName string
		if len(pod.Metadata.OwnerReferences) > 0 {
			ownerKind = pod.Metadata.OwnerReferences[0].Kind
			ownerName = pod.Metadata.OwnerReferences[0].Name
		}

		priority := PriorityMedium
		var sloTier string
		if pod.Metadata.Labels != nil {
			if v, ok := pod.Metadata.Labels["linnix.dev/priority"]; ok {
				priority = ParsePriority(v)
			}
			sloTier = pod.Metadata.Labels["linnix.dev/slo-tier"]
		}

		for _, status := range pod.Status.ContainerStatuses {
			id, ok := stripContainerIDPrefix(status.ContainerID)
			if !ok {
				continue
			}
			newMap[id] = Metadata{
				PodName:       podName,
				Namespace:     ns,
				ContainerName: status.Name,
				OwnerKind:     ownerKind,
				OwnerName:     ownerName,
				Priority:      priority,
				SLOTier:       sloTier,
			}
		}
	}

	r.containerMap.Store(&newMap)
	r.log.Debug("refreshed pod map", zap.Int("containers", len(newMap)))
	return nil
}

func stripContainerIDPrefix(containerID string) (string, bool) {
	for _, prefix := range []string{"containerd://", "docker://"} {
		if stripped, ok := strings.CutPrefix(containerID, prefix); ok {
			return stripped, true
		}
	}
	return "", false
}

// LookupContainer implements psi.ContainerMetadataLookup.
func (r *Resolver) LookupContainer(containerID string) (namespace, podName string, ok bool) {
	m, found := r.lookup(containerID)
	if !found {
		return "", "", false
	}
	return m.Namespace, m.PodName, true
}

// GetMetadata returns the pod metadata tracked for containerID, if any.
func (r *Resolver) GetMetadata(containerID string) (Metadata, bool) {
	return r.lookup(containerID)
}

func (r *Resolver) lookup(containerID string) (Metadata, bool) {
	m := r.containerMap.Load()
	v, ok := (*m)[containerID]
	return v, ok
}

// GetMetadataForPID reads /proc/<pid>/cgroup, extracts a container ID using
// the same heuristic as the PSI scanner, and looks it up.
func (r *Resolver) GetMetadataForPID(pid uint32) (Metadata, bool) {
	path := fmt.Sprintf("%s/%d/cgroup", r.procRoot, pid)
	content, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, false
	}

	for _, line := range strings.Split(string(content), "\n") {
		parts := strings.Split(line, "/")
		if len(parts) == 0 {
			continue
		}
		last := parts[len(parts)-1]
		clean := strings.TrimSuffix(last, ".scope")
		id := clean
		if idx := strings.LastIndex(clean, "-"); idx != -1 {
			id = clean[idx+1:]
		}
		if len(id) != 64 || strings.Trim(id, "0123456789abcdef") != "" {
			continue
		}
		if meta, ok := r.lookup(id); ok {
			return meta, true
		}
	}
	return Metadata{}, false
}

type podList struct {
	Items []pod `json:"items"`
}

type pod struct {
	Metadata podMetadata `json:"metadata"`
	Status   podStatus   `json:"status"`
}

type podMetadata struct {
	Name            string            `json:"name"`
	Namespace       string            `json:"namespace"`
	OwnerReferences []ownerReference  `json:"ownerReferences"`
	Labels          map[string]string `json:"labels"`
}

type ownerReference struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type podStatus struct {
	ContainerStatuses []containerStatus `json:"containerStatuses"`
}

type containerStatus struct {
	Name        string `json:"name"`
	ContainerID string `json:"containerID"`
}
