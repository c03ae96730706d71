// Package eventfeed — feed.go
//
// Ring buffer event processor for the linnix agent.
//
// This package consumes ProcessEvent telemetry from the BPF ring buffer
// (an external collaborator — see internal/wire for the wire layout) and
// republishes it on a Go channel for the window aggregator to consume.
//
// Architecture:
//
//	[BPF Ring Buffer]
//	      ↓  (cilium/ebpf ringbuf.Reader)
//	[Processor goroutine]
//	      ↓  (unbuffered-ish relay channel)
//	[Window Aggregator's own bounded, drop-on-full channel]
//
// The feed itself never drops events by policy; a malformed (partial) record
// is dropped and increments dropped_events_total. Backpressure drop is the
// aggregator's concern (its channel has a bounded depth, see internal/window).
//
// Shutdown:
//   - ctx cancellation stops the reader goroutine cleanly.
//   - The output channel is closed when the reader goroutine exits.
package eventfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/observability"
	"github.com/longregen/linnix/internal/wire"
)

// Processor reads ProcessEvent records from the BPF ring buffer map and
// relays them to a Go channel.
type Processor struct {
	eventsMap *ebpf.Map
	metrics   *observability.Metrics
	log       *zap.Logger
	out       chan wire.ProcessEvent
}

// NewProcessor creates a Processor reading from eventsMap, a ring-buffer-type
// BPF map populated by the (out-of-scope) kernel programs.
func NewProcessor(eventsMap *ebpf.Map, metrics *observability.Metrics, log *zap.Logger) *Processor {
	return &Processor{
		eventsMap: eventsMap,
		metrics:   metrics,
		log:       log,
		out:       make(chan wire.ProcessEvent, 256),
	}
}

// Run starts the ring buffer reader and returns the relay channel. The
// caller (the window aggregator) reads from the returned channel until it
// closes, which happens once ctx is cancelled or the ring buffer reader
// fails unrecoverably.
//
// Failure modes:
//   - Ring buffer fails to open: returns error immediately.
//   - An individual record is malformed (partial read): dropped, logged at
//     debug, dropped_events_total incremented. Not fatal.
func (p *Processor) Run(ctx context.Context) (<-chan wire.ProcessEvent, error) {
	rd, err := ringbuf.NewReader(p.eventsMap)
	if err != nil {
		return nil, fmt.Errorf("eventfeed: ringbuf.NewReader: %w", err)
	}

	go func() {
		defer close(p.out)
		defer rd.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// SetDeadline lets us poll ctx cancellation periodically instead
			// of blocking forever on Read().
			rd.SetDeadline(time.Now().Add(100 * time.Millisecond))
			record, err := rd.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					p.log.Error("unrecoverable ring buffer error", zap.Error(err))
					return
				}
				continue
			}

			event, err := wire.ParseEvent(record.RawSample)
			if err != nil {
				p.metrics.DroppedEventsTotal.WithLabelValues("partial_read").Inc()
				p.log.Debug("malformed process event dropped", zap.Error(err),
					zap.Int("raw_len", len(record.RawSample)))
				continue
			}
			p.metrics.EventsProcessedTotal.WithLabelValues(event.EventType.String()).Inc()

			select {
			case p.out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return p.out, nil
}

// Inject feeds a ProcessEvent directly into the relay channel, bypassing the
// ring buffer, for an in-process producer that already has parsed events
// (e.g. a replay tool).
func (p *Processor) Inject(ctx context.Context, e wire.ProcessEvent) {
	select {
	case p.out <- e:
	case <-ctx.Done():
	}
}
