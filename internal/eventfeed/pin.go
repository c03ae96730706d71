package eventfeed

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// DefaultPinPath is where the external eBPF loader pins the events ring
// buffer map.
const DefaultPinPath = "/sys/fs/bpf/linnix/events"

// LoadPinnedEventsMap opens the ring-buffer map at path, as pinned to a
// bpffs mount by the external eBPF loader. The loader itself (verifying
// kernel support, loading the programs, attaching them, pinning the map)
// is a separate process; this call only consumes what it already pinned.
func LoadPinnedEventsMap(path string) (*ebpf.Map, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("eventfeed: loading pinned events map at %q: %w", path, err)
	}
	return m, nil
}
