package k8smeta

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"critical": PriorityCritical,
		"High":     PriorityHigh,
		"MEDIUM":   PriorityMedium,
		"low":      PriorityLow,
		"unknown":  PriorityMedium,
	}
	for input, want := range cases {
		if got := ParsePriority(input); got != want {
			t.Errorf("ParsePriority(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestStripContainerIDPrefix(t *testing.T) {
	if id, ok := stripContainerIDPrefix("containerd://abc123"); !ok || id != "abc123" {
		t.Errorf("containerd prefix: got (%q, %v)", id, ok)
	}
	if id, ok := stripContainerIDPrefix("docker://def456"); !ok || id != "def456" {
		t.Errorf("docker prefix: got (%q, %v)", id, ok)
	}
	if _, ok := stripContainerIDPrefix("unknown://xyz"); ok {
		t.Error("expected no match for unrecognized runtime prefix")
	}
}

func TestRefreshPodsAndLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if got := req.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing/incorrect bearer token: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"metadata": map[string]any{
						"name":      "web-0",
						"namespace": "prod",
						"ownerReferences": []map[string]any{
							{"kind": "ReplicaSet", "name": "web-rs"},
						},
						"labels": map[string]string{
							"linnix.dev/priority": "high",
							"linnix.dev/slo-tier": "gold",
						},
					},
					"status": map[string]any{
						"containerStatuses": []map[string]any{
							{"name": "web", "containerID": "containerd://deadbeef"},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	r := &Resolver{
		client:   srv.Client(),
		apiURL:   srv.URL,
		token:    "test-token",
		NodeName: "node-1",
		log:      zap.NewNop(),
	}
	empty := map[string]Metadata{}
	r.containerMap.Store(&empty)

	if err := r.refreshPods(context.Background()); err != nil {
		t.Fatalf("refreshPods: %v", err)
	}

	meta, ok := r.GetMetadata("deadbeef")
	if !ok {
		t.Fatal("expected metadata for deadbeef")
	}
	if meta.PodName != "web-0" || meta.Namespace != "prod" || meta.OwnerKind != "ReplicaSet" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if meta.Priority != PriorityHigh || meta.SLOTier != "gold" {
		t.Errorf("unexpected priority/slo: %+v", meta)
	}

	ns, pod, ok := r.LookupContainer("deadbeef")
	if !ok || ns != "prod" || pod != "web-0" {
		t.Errorf("LookupContainer = (%q, %q, %v)", ns, pod, ok)
	}
}

func TestGetMetadataForPID(t *testing.T) {
	id := "e4063920952d766348421832d2df465324397166164478852332152342342342"
	procRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(procRoot, "4242"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	content := "0::/kubepods.slice/kubepods-burstable.slice/kubepods-burstable-podabc.slice/cri-containerd-" + id + ".scope\n"
	if err := os.WriteFile(filepath.Join(procRoot, "4242", "cgroup"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := &Resolver{log: zap.NewNop(), procRoot: procRoot}
	m := map[string]Metadata{id: {PodName: "worker-1", Namespace: "batch"}}
	r.containerMap.Store(&m)

	meta, ok := r.GetMetadataForPID(4242)
	if !ok {
		t.Fatal("expected metadata for pid 4242")
	}
	if meta.PodName != "worker-1" || meta.Namespace != "batch" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}
