package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vehiclelink/telemetryd/internal/bus"
	"github.com/vehiclelink/telemetryd/internal/domain"
)

// Recorder captures inbound STATUS frames into the store. Append failures
// are logged and the event is dropped; losing one record beats stalling the
// bus handler.
type Recorder struct {
	store TelemetryStore
	nowFn func() time.Time
}

func NewRecorder(store TelemetryStore) *Recorder {
	return &Recorder{store: store, nowFn: time.Now}
}

// Attach registers the recorder for every selector in sels. The adapter's
// dispatch thread calls HandleFrame directly.
func (r *Recorder) Attach(adapter bus.Adapter, sels []bus.Selector) {
	for _, sel := range sels {
		adapter.RegisterHandler(sel, r.HandleFrame)
	}
}

func (r *Recorder) HandleFrame(frame bus.Frame) {
	rec := &domain.TelemetryRecord{
		RecordedAt:    frame.RecordedAt,
		ReceivedAt:    r.nowFn(),
		MessageType:   frame.MessageType,
		ComponentType: frame.ComponentType,
		ComponentID:   frame.ComponentID,
		CommandID:     frame.CommandID,
		ValueType:     frame.ValueType,
		Value:         frame.Value,
	}
	if _, err := r.store.Append(context.Background(), rec); err != nil {
		zap.L().Error("dropping telemetry event, append failed",
			zap.Uint8("component_type", frame.ComponentType),
			zap.Uint8("component_id", frame.ComponentID),
			zap.Error(err))
	}
}
