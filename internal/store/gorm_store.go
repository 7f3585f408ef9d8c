package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vehiclelink/telemetryd/internal/domain"
)

// GormStore is the GORM-backed TelemetryStore. Mutations are serialized
// through a single writer lock; reads run concurrently, which the sqlite
// deployment supports via WAL journaling.
type GormStore struct {
	db            *gorm.DB
	vehicleRole   bool
	historyWindow time.Duration

	mu sync.Mutex // writer lock: append, mark, prune

	nowFn func() time.Time
}

var _ TelemetryStore = (*GormStore)(nil)

type Option func(*GormStore)

// WithVehicleRole constrains History to a rolling window against ReceivedAt.
func WithVehicleRole(window time.Duration) Option {
	return func(s *GormStore) {
		s.vehicleRole = true
		s.historyWindow = window
	}
}

func withNowFn(fn func() time.Time) Option {
	return func(s *GormStore) { s.nowFn = fn }
}

func NewGormStore(db *gorm.DB, opts ...Option) *GormStore {
	s := &GormStore{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GormStore) Append(ctx context.Context, rec *domain.TelemetryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	rec.ID = 0
	rec.CreatedAt = now
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = now
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = rec.ReceivedAt
	}
	rec.Uploaded = false

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		zap.L().Error("telemetry append failed", zap.Error(err))
		return 0, errors.Wrapf(ErrStorage, "append: %v", err)
	}
	return rec.ID, nil
}

func (s *GormStore) GetUnuploaded(ctx context.Context, limit int) ([]domain.TelemetryRecord, error) {
	return s.GetUnuploadedAfter(ctx, 0, limit)
}

func (s *GormStore) GetUnuploadedAfter(ctx context.Context, afterID int64, limit int) ([]domain.TelemetryRecord, error) {
	var recs []domain.TelemetryRecord
	err := s.db.WithContext(ctx).
		Where("uploaded = ? AND id > ?", false, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrapf(ErrStorage, "get unuploaded: %v", err)
	}
	return recs, nil
}

func (s *GormStore) MarkUploaded(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).
		Model(&domain.TelemetryRecord{}).
		Where("id IN ?", ids).
		Update("uploaded", true).Error
	if err != nil {
		zap.L().Error("mark uploaded failed", zap.Int("count", len(ids)), zap.Error(err))
		return errors.Wrapf(ErrStorage, "mark uploaded: %v", err)
	}
	return nil
}

func (s *GormStore) PruneUploaded(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFn().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("uploaded = ? AND created_at < ?", true, cutoff).
		Delete(&domain.TelemetryRecord{})
	if res.Error != nil {
		zap.L().Error("retention prune failed", zap.Error(res.Error))
		return 0, errors.Wrapf(ErrStorage, "prune uploaded: %v", res.Error)
	}
	if res.RowsAffected > 0 {
		zap.L().Debug("pruned uploaded telemetry",
			zap.Int64("rows", res.RowsAffected),
			zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}

func (s *GormStore) PruneMaxRecords(ctx context.Context, cap int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	if err := s.db.WithContext(ctx).Model(&domain.TelemetryRecord{}).Count(&total).Error; err != nil {
		return 0, errors.Wrapf(ErrStorage, "count records: %v", err)
	}
	excess := total - cap
	if excess <= 0 {
		return 0, nil
	}

	// Oldest rows go first regardless of upload state. Losing undelivered
	// records here is the accepted cost of bounding the store.
	var threshold domain.TelemetryRecord
	err := s.db.WithContext(ctx).
		Order("id ASC").
		Offset(int(excess - 1)).
		First(&threshold).Error
	if err != nil {
		return 0, errors.Wrapf(ErrStorage, "find prune threshold: %v", err)
	}

	res := s.db.WithContext(ctx).
		Where("id <= ?", threshold.ID).
		Delete(&domain.TelemetryRecord{})
	if res.Error != nil {
		zap.L().Error("max-records prune failed", zap.Error(res.Error))
		return 0, errors.Wrapf(ErrStorage, "prune max records: %v", res.Error)
	}
	zap.L().Warn("record cap exceeded, pruned oldest rows",
		zap.Int64("cap", cap),
		zap.Int64("rows", res.RowsAffected))
	return res.RowsAffected, nil
}

func (s *GormStore) History(ctx context.Context, limit, offset int) ([]domain.TelemetryRecord, error) {
	db := s.db.WithContext(ctx).Model(&domain.TelemetryRecord{})
	if s.vehicleRole && s.historyWindow > 0 {
		db = db.Where("received_at >= ?", s.nowFn().Add(-s.historyWindow))
	}

	var recs []domain.TelemetryRecord
	err := db.Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrapf(ErrStorage, "history: %v", err)
	}
	return recs, nil
}

func (s *GormStore) LatestFor(ctx context.Context, componentType, componentID uint8) (*domain.TelemetryRecord, error) {
	var rec domain.TelemetryRecord
	err := s.db.WithContext(ctx).
		Where("component_type = ? AND component_id = ?", componentType, componentID).
		Order("recorded_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(ErrStorage, "latest for component: %v", err)
	}
	return &rec, nil
}

func (s *GormStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.TelemetryRecord{}).
		Where("uploaded = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrapf(ErrStorage, "count pending: %v", err)
	}
	return count, nil
}

func (s *GormStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	db := s.db.WithContext(ctx).Model(&domain.TelemetryRecord{})

	if err := db.Count(&st.TotalRecords).Error; err != nil {
		return nil, errors.Wrapf(ErrStorage, "stats: %v", err)
	}
	pending, err := s.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	st.PendingRecords = pending
	st.UploadedRecords = st.TotalRecords - pending

	if pending > 0 {
		var oldest domain.TelemetryRecord
		err := s.db.WithContext(ctx).
			Where("uploaded = ?", false).
			Order("id ASC").
			First(&oldest).Error
		if err == nil {
			st.OldestPendingAge = s.nowFn().Sub(oldest.CreatedAt)
		}
	}
	return st, nil
}
