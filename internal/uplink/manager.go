package uplink

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vehiclelink/telemetryd/internal/store"
)

// Connection states, reported through Status.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateConnected
)

const (
	defaultBatchSize      = 50
	defaultReconnectDelay = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultIdlePoll       = 500 * time.Millisecond
	defaultBackpressure   = 200 * time.Millisecond
	latencySampleCap      = 256
)

// Config carries the manager's tunables. Zero values take the defaults.
type Config struct {
	Server         string
	BatchSize      int
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	Retention      time.Duration
	PruneInterval  time.Duration
	StatusInterval time.Duration

	// Poll pacing; exposed so tests can tighten them.
	IdlePollDelay     time.Duration
	BackpressureDelay time.Duration
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 5 * time.Minute
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Minute
	}
	if c.IdlePollDelay <= 0 {
		c.IdlePollDelay = defaultIdlePoll
	}
	if c.BackpressureDelay <= 0 {
		c.BackpressureDelay = defaultBackpressure
	}
}

// Dialer opens a connection to the remote collector. Injected in tests.
type Dialer func(ctx context.Context, server string, timeout time.Duration) (net.Conn, error)

func netDialer(ctx context.Context, server string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", server)
}

// Status is the manager's observable snapshot for the external read surface.
type Status struct {
	State          int32         `json:"state"`
	PendingAcks    int           `json:"pending_acks"`
	MeanAckLatency time.Duration `json:"mean_ack_latency"`
	Reconnects     int64         `json:"reconnects"`
}

// Manager owns the reconnect state machine and, per connection, a task group
// of sender, receiver and periodic maintenance. Records stay pending in the
// store until the collector acknowledges them, so a dropped connection costs
// redelivery, never data.
//
// Known gap carried from the protocol contract: there is no ack-wait
// deadline. A peer that stays connected but stops acking wedges retirement
// until the connection actually drops; backpressure bounds the damage.
type Manager struct {
	store store.TelemetryStore
	cfg   Config
	dial  Dialer

	state      atomic.Int32
	reconnects atomic.Int64

	mu        sync.Mutex // guards pending and latencies
	pending   map[int64]time.Time
	latencies []float64

	nowFn func() time.Time
}

func NewManager(st store.TelemetryStore, cfg Config) *Manager {
	cfg.normalize()
	return &Manager{
		store:   st,
		cfg:     cfg,
		dial:    netDialer,
		pending: make(map[int64]time.Time),
		nowFn:   time.Now,
	}
}

// Run drives the reconnect loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	zap.L().Info("uplink manager starting",
		zap.String("server", m.cfg.Server),
		zap.Int("batch_size", m.cfg.BatchSize))

	for {
		if ctx.Err() != nil {
			m.state.Store(StateDisconnected)
			zap.L().Info("uplink manager stopped")
			return
		}

		m.state.Store(StateConnecting)
		conn, err := m.dial(ctx, m.cfg.Server, m.cfg.ConnectTimeout)
		if err != nil {
			m.state.Store(StateDisconnected)
			zap.L().Warn("uplink connect failed",
				zap.String("server", m.cfg.Server),
				zap.Error(err))
			if !sleepCtx(ctx, m.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		m.state.Store(StateConnected)
		zap.L().Info("uplink connected", zap.String("server", m.cfg.Server))

		err = m.runConnection(ctx, conn)
		m.teardown()
		m.reconnects.Add(1)
		m.state.Store(StateDisconnected)

		if ctx.Err() != nil {
			zap.L().Info("uplink manager stopped")
			return
		}
		zap.L().Warn("uplink connection lost", zap.Error(err))
		if !sleepCtx(ctx, m.cfg.ReconnectDelay) {
			return
		}
	}
}

// runConnection runs sender, receiver and maintenance until one of them
// fails or ctx is cancelled. The whole group tears down together.
func (m *Manager) runConnection(ctx context.Context, conn net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	// Unblock conn reads/writes when the group dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-gctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	w := bufio.NewWriter(conn)
	r := bufio.NewScanner(conn)
	r.Buffer(make([]byte, 64*1024), 4*1024*1024)

	g.Go(func() error { return m.sender(gctx, w) })
	g.Go(func() error { return m.receiver(gctx, r) })
	g.Go(func() error { return m.maintenance(gctx) })

	return g.Wait()
}

// sender drains un-uploaded records in id order and records each sent id as
// pending. A cursor pages past records already in flight; it rewinds to the
// head once a sweep comes up empty, so unacked records are re-sent rather
// than lost. When the remote stops acking, the pending map hitting 5x the
// batch size pauses further sends.
func (m *Manager) sender(ctx context.Context, w *bufio.Writer) error {
	var cursor int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if m.pendingCount() >= 5*m.cfg.BatchSize {
			if !sleepCtx(ctx, m.cfg.BackpressureDelay) {
				return ctx.Err()
			}
			continue
		}

		recs, err := m.store.GetUnuploadedAfter(ctx, cursor, m.cfg.BatchSize)
		if err != nil {
			return errors.Wrap(err, "drain store")
		}
		if len(recs) == 0 {
			cursor = 0
			if !sleepCtx(ctx, m.cfg.IdlePollDelay) {
				return ctx.Err()
			}
			continue
		}
		cursor = recs[len(recs)-1].ID

		if err := writeBatch(w, recs); err != nil {
			return err
		}

		now := m.nowFn()
		m.mu.Lock()
		for _, rec := range recs {
			m.pending[rec.ID] = now
		}
		m.mu.Unlock()

		zap.L().Debug("uplink batch sent", zap.Int("records", len(recs)))
	}
}

// receiver consumes ack frames and retires the matched records. Unknown ids
// and malformed lines are logged and ignored. The read itself carries no
// deadline; see the Manager doc comment.
func (m *Manager) receiver(ctx context.Context, r *bufio.Scanner) error {
	for r.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := r.Bytes()
		if len(line) == 0 {
			continue
		}

		ack, err := parseAck(line)
		if err != nil {
			zap.L().Warn("discarding malformed ack", zap.Error(err))
			continue
		}

		matched := m.consumeAck(ack)
		if len(matched) == 0 {
			continue
		}
		if err := m.store.MarkUploaded(ctx, matched); err != nil {
			return errors.Wrap(err, "retire acked records")
		}
		zap.L().Debug("uplink records retired", zap.Int("count", len(matched)))
	}
	if err := r.Err(); err != nil {
		return errors.Wrap(err, "uplink read")
	}
	return errors.New("uplink connection closed by peer")
}

// consumeAck resolves acked ids against the pending map and samples the ack
// latency for each match.
func (m *Manager) consumeAck(ack *Ack) []int64 {
	now := m.nowFn()
	matched := make([]int64, 0, len(ack.ProcessedIDs))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ack.ProcessedIDs {
		sentAt, ok := m.pending[id]
		if !ok {
			zap.L().Warn("ack for unknown record id", zap.Int64("id", id))
			continue
		}
		delete(m.pending, id)
		m.latencies = append(m.latencies, float64(now.Sub(sentAt))/float64(time.Millisecond))
		if len(m.latencies) > latencySampleCap {
			m.latencies = m.latencies[len(m.latencies)-latencySampleCap:]
		}
		matched = append(matched, id)
	}
	return matched
}

// maintenance prunes retired rows on the tighter of the status and prune
// intervals.
func (m *Manager) maintenance(ctx context.Context) error {
	interval := m.cfg.PruneInterval
	if m.cfg.StatusInterval < interval {
		interval = m.cfg.StatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.store.PruneUploaded(ctx, m.cfg.Retention); err != nil {
				zap.L().Error("periodic prune failed", zap.Error(err))
			}
		}
	}
}

// teardown discards the pending map after a connection drops. Unacked
// records were never marked uploaded and will be redelivered.
func (m *Manager) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.pending); n > 0 {
		zap.L().Info("discarding unacked sends for redelivery", zap.Int("count", n))
	}
	m.pending = make(map[int64]time.Time)
}

func (m *Manager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Status reports the current snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	var mean float64
	if len(m.latencies) > 0 {
		mean, _ = stats.Mean(m.latencies)
	}
	pending := len(m.pending)
	m.mu.Unlock()

	return Status{
		State:          m.state.Load(),
		PendingAcks:    pending,
		MeanAckLatency: time.Duration(mean * float64(time.Millisecond)),
		Reconnects:     m.reconnects.Load(),
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
