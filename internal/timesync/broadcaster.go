// Package timesync keeps controller clocks loosely aligned. A periodic PING
// beacon carries a 24-bit millisecond value; matching PONGs yield a per-node
// round-trip estimate, and each estimate triggers a SET_TIME command pushing
// a delay-corrected clock value back to that node.
package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/vehiclelink/telemetryd/internal/bus"
	"github.com/vehiclelink/telemetryd/internal/catalog"
)

const (
	timeMask = 0xFFFFFF // bus time values wrap at 24 bits

	defaultInterval   = 10 * time.Second
	defaultMaxPingAge = 5 * time.Second
	defaultWindowSize = 10
	pruneThrottle     = time.Second
)

type pendingPing struct {
	value  uint32
	sentAt time.Time
}

// Config carries the broadcaster's tunables. Zero values take the defaults.
type Config struct {
	Interval   time.Duration
	MaxPingAge time.Duration
	WindowSize int
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MaxPingAge <= 0 {
		c.MaxPingAge = defaultMaxPingAge
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
}

// Broadcaster owns the PING loop and the PONG correlation state. HandlePong
// runs on the bus dispatch thread; all shared state sits behind one mutex.
type Broadcaster struct {
	adapter bus.Adapter
	cfg     Config

	mu        sync.Mutex
	pending   map[uint32]time.Time
	order     []pendingPing // FIFO mirror of pending, for cheap age pruning
	windows   map[bus.NodeID][]float64
	lastPrune time.Time

	nowFn func() time.Time
}

func NewBroadcaster(adapter bus.Adapter, cfg Config) *Broadcaster {
	cfg.normalize()
	b := &Broadcaster{
		adapter: adapter,
		cfg:     cfg,
		pending: make(map[uint32]time.Time),
		windows: make(map[bus.NodeID][]float64),
		nowFn:   time.Now,
	}
	adapter.RegisterHandler(bus.Selector{
		MessageType:   catalog.MessageTypeStatus,
		ComponentType: catalog.ComponentTypeSystem,
		ComponentID:   0,
		CommandID:     catalog.CommandPong,
	}, b.HandlePong)
	return b
}

// Run broadcasts a PING every interval until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	zap.L().Info("ping broadcaster starting", zap.Duration("interval", b.cfg.Interval))
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("ping broadcaster stopped")
			return
		case <-ticker.C:
			b.broadcastPing()
		}
	}
}

func (b *Broadcaster) broadcastPing() {
	now := b.nowFn()
	// Correlation key is the truncated millisecond clock. Two pings inside
	// the prune window can collide when the interval underruns the clock
	// resolution; the PONG echo contract pins us to this key.
	value := uint32(now.UnixMilli()) & timeMask

	b.mu.Lock()
	b.prunePendingLocked(now)
	b.pending[value] = now
	b.order = append(b.order, pendingPing{value: value, sentAt: now})
	b.mu.Unlock()

	ok := b.adapter.Send(bus.Frame{
		MessageType:   catalog.MessageTypeCommand,
		ComponentType: catalog.ComponentTypeSystem,
		CommandID:     catalog.CommandPing,
		ValueType:     catalog.ValueTypeUint24,
		Value:         int64(value),
		RecordedAt:    now,
	}, bus.Broadcast)
	if !ok {
		zap.L().Warn("ping broadcast rejected by bus adapter")
	}
}

// HandlePong correlates an echoed ping value, records the RTT sample and
// pushes a corrected clock value to the responding node.
func (b *Broadcaster) HandlePong(frame bus.Frame) {
	now := b.nowFn()
	value := uint32(frame.Value) & timeMask

	b.mu.Lock()
	sentAt, ok := b.pending[value]
	if !ok {
		b.mu.Unlock()
		zap.L().Debug("pong with no matching ping, discarding",
			zap.Uint32("value", value),
			zap.Uint8("node", uint8(frame.SourceNode)))
		return
	}
	delete(b.pending, value)

	rtt := now.Sub(sentAt)
	if rtt < 0 {
		b.mu.Unlock()
		zap.L().Warn("negative rtt sample, discarding",
			zap.Duration("rtt", rtt),
			zap.Uint8("node", uint8(frame.SourceNode)))
		return
	}

	window := append(b.windows[frame.SourceNode], float64(rtt)/float64(time.Millisecond))
	if len(window) > b.cfg.WindowSize {
		window = window[len(window)-b.cfg.WindowSize:]
	}
	b.windows[frame.SourceNode] = window
	mean, _ := stats.Mean(window)
	b.mu.Unlock()

	oneWay := rtt / 2
	target := uint32(now.Add(oneWay).UnixMilli()) & timeMask

	zap.L().Debug("rtt sample recorded",
		zap.Uint8("node", uint8(frame.SourceNode)),
		zap.Duration("rtt", rtt),
		zap.Float64("mean_ms", mean))

	ok = b.adapter.Send(bus.Frame{
		MessageType:   catalog.MessageTypeCommand,
		ComponentType: catalog.ComponentTypeSystem,
		CommandID:     catalog.CommandSetTime,
		ValueType:     catalog.ValueTypeUint24,
		Value:         int64(target),
		RecordedAt:    now,
	}, frame.SourceNode)
	if !ok {
		zap.L().Warn("set_time send rejected by bus adapter",
			zap.Uint8("node", uint8(frame.SourceNode)))
	}
}

// prunePendingLocked drops pings older than the max age. Throttled to once
// per second; the FIFO order slice lets the scan stop at the first fresh
// entry.
func (b *Broadcaster) prunePendingLocked(now time.Time) {
	if now.Sub(b.lastPrune) < pruneThrottle {
		return
	}
	b.lastPrune = now

	cutoff := now.Add(-b.cfg.MaxPingAge)
	idx := 0
	for ; idx < len(b.order); idx++ {
		if b.order[idx].sentAt.After(cutoff) {
			break
		}
		// only delete if the map entry still belongs to this ping
		if sentAt, ok := b.pending[b.order[idx].value]; ok && !sentAt.After(cutoff) {
			delete(b.pending, b.order[idx].value)
		}
	}
	if idx > 0 {
		b.order = b.order[idx:]
		zap.L().Debug("expired pending pings pruned", zap.Int("count", idx))
	}
}

// NodeRTTs reports the moving-average RTT per responding node, in
// milliseconds.
func (b *Broadcaster) NodeRTTs() map[bus.NodeID]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[bus.NodeID]float64, len(b.windows))
	for node, window := range b.windows {
		if len(window) == 0 {
			continue
		}
		mean, err := stats.Mean(window)
		if err != nil {
			continue
		}
		out[node] = mean
	}
	return out
}
