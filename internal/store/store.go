// Package store implements the durable telemetry log: an append-only table
// of bus events with an uploaded flag, batched reads for the uplink, and the
// two pruning policies (retention of uploaded rows, hard record cap).
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/vehiclelink/telemetryd/internal/domain"
)

// ErrStorage wraps driver failures on the store's I/O paths. Callers log and
// move on; the failed operation is not retried.
var ErrStorage = errors.New("telemetry storage failure")

// Stats is the aggregate snapshot served to the external read surface.
type Stats struct {
	TotalRecords     int64         `json:"total_records"`
	PendingRecords   int64         `json:"pending_records"`
	UploadedRecords  int64         `json:"uploaded_records"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// TelemetryStore is the contract shared by the uplink manager, the bus
// ingest path, and the external read layer.
type TelemetryStore interface {
	// Append assigns an id, stamps CreatedAt and persists the record.
	Append(ctx context.Context, rec *domain.TelemetryRecord) (int64, error)

	// GetUnuploaded returns up to limit records with uploaded=false,
	// oldest first by id. Never returns an uploaded record.
	GetUnuploaded(ctx context.Context, limit int) ([]domain.TelemetryRecord, error)

	// GetUnuploadedAfter is GetUnuploaded restricted to ids greater than
	// afterID. The uplink sender pages with it so records already in
	// flight do not gate the next batch.
	GetUnuploadedAfter(ctx context.Context, afterID int64, limit int) ([]domain.TelemetryRecord, error)

	// MarkUploaded flips uploaded to true for the given ids. Re-marking
	// already-uploaded ids is a no-op.
	MarkUploaded(ctx context.Context, ids []int64) error

	// PruneUploaded deletes uploaded rows whose CreatedAt is older than
	// now minus retention. Non-uploaded rows are never touched.
	PruneUploaded(ctx context.Context, retention time.Duration) (int64, error)

	// PruneMaxRecords deletes the oldest rows by id until the table is at
	// or below cap, irrespective of upload state. Safety valve against
	// unbounded growth; can silently drop undelivered data.
	PruneMaxRecords(ctx context.Context, cap int64) (int64, error)

	// History returns recent records, newest first. In the vehicle role
	// results are limited to a rolling window against ReceivedAt.
	History(ctx context.Context, limit, offset int) ([]domain.TelemetryRecord, error)

	// LatestFor returns the most recent record for a component by
	// RecordedAt, or nil when none match.
	LatestFor(ctx context.Context, componentType, componentID uint8) (*domain.TelemetryRecord, error)

	// CountPending returns the number of rows with uploaded=false.
	CountPending(ctx context.Context) (int64, error)

	// Stats returns the aggregate snapshot.
	Stats(ctx context.Context) (*Stats, error)
}
