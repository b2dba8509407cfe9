package events

import (
	"sync"

	"github.com/example/meshwork/internal/observability"
	"github.com/example/meshwork/pkg/meshapi"
)

// Outbox is the bounded in-memory queue between the core and whatever drains
// intents toward transport/settlement. Emit never blocks: past capacity the
// oldest entry is dropped and counted, keeping the core's correctness
// independent of downstream latency.
type Outbox struct {
	mu       sync.Mutex
	items    []meshapi.Outbound
	capacity int
	dropped  uint64
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Outbox{items: make([]meshapi.Outbound, 0, 64), capacity: capacity}
}

func (o *Outbox) Emit(out meshapi.Outbound) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.capacity {
		o.items = o.items[1:]
		o.dropped++
		observability.Default.IncCounter("outbox_dropped_total", map[string]string{"kind": string(out.Kind)}, 1)
	}
	o.items = append(o.items, out)
	observability.Default.IncCounter("outbox_emitted_total", map[string]string{"kind": string(out.Kind)}, 1)
	observability.Default.SetGauge("outbox_depth", nil, float64(len(o.items)))
}

// Drain removes and returns up to max queued messages in emission order.
func (o *Outbox) Drain(max int) []meshapi.Outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	if max <= 0 || max > len(o.items) {
		max = len(o.items)
	}
	if max == 0 {
		return nil
	}
	out := make([]meshapi.Outbound, max)
	copy(out, o.items[:max])
	o.items = append(o.items[:0], o.items[max:]...)
	observability.Default.SetGauge("outbox_depth", nil, float64(len(o.items)))
	return out
}

func (o *Outbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
