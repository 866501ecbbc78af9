package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Broadcaster fans SSEEvent values out to all active GET /events subscribers.
// Slow clients miss frames instead of stalling the orchestrator.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[chan []byte]struct{}
	dropped atomic.Int64
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// subscribe returns a channel that receives ready-to-write SSE data frames.
// The caller must call unsubscribe when the HTTP connection closes.
func (b *Broadcaster) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *Broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// frame renders evt in SSE wire format: "event: <type>\ndata: <json>\n\n".
func frame(evt SSEEvent) ([]byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(raw)+len(evt.Type)+16)
	out = append(out, "event: "...)
	out = append(out, evt.Type...)
	out = append(out, "\ndata: "...)
	out = append(out, raw...)
	return append(out, '\n', '\n'), nil
}

// send fans evt out to all subscribers without blocking.
func (b *Broadcaster) send(evt SSEEvent) {
	f, err := frame(evt)
	if err != nil {
		slog.Warn("Failed to marshal SSE event", "type", evt.Type, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- f:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				slog.Debug("Dropping SSE frames for slow subscriber", "dropped_total", n)
			}
		}
	}
}
