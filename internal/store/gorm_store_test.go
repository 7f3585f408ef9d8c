package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vehiclelink/telemetryd/internal/bus"
	"github.com/vehiclelink/telemetryd/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_fk=1"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrator().AutoMigrate(domain.Tables...))
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	return db
}

func newTestStore(t *testing.T, opts ...Option) *GormStore {
	return NewGormStore(newTestDB(t), opts...)
}

func appendN(t *testing.T, s *GormStore, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Append(context.Background(), &domain.TelemetryRecord{
			ComponentType: 1,
			ComponentID:   uint8(i % 4),
			Value:         int64(i),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 10)

	seen := map[int64]bool{}
	for i, id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
		if i > 0 {
			assert.Greater(t, id, ids[i-1])
		}
	}
}

func TestGetUnuploadedOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 3)

	recs, err := s.GetUnuploaded(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[0], recs[0].ID)
	assert.Equal(t, ids[1], recs[1].ID)

	require.NoError(t, s.MarkUploaded(context.Background(), []int64{ids[0]}))

	recs, err = s.GetUnuploaded(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[1], recs[0].ID)
	assert.Equal(t, ids[2], recs[1].ID)
	for _, r := range recs {
		assert.False(t, r.Uploaded)
	}
}

func TestGetUnuploadedAfterPagesByID(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 4)

	recs, err := s.GetUnuploadedAfter(context.Background(), ids[1], 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[2], recs[0].ID)
	assert.Equal(t, ids[3], recs[1].ID)

	recs, err = s.GetUnuploadedAfter(context.Background(), ids[3], 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMarkUploadedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 2)

	require.NoError(t, s.MarkUploaded(context.Background(), ids))
	require.NoError(t, s.MarkUploaded(context.Background(), ids))

	recs, err := s.GetUnuploaded(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	count, err := s.CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkUploadedEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.MarkUploaded(context.Background(), nil))
}

func TestUploadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Append(context.Background(), &domain.TelemetryRecord{Value: 7})
	require.NoError(t, err)

	recs, err := s.GetUnuploaded(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)

	require.NoError(t, s.MarkUploaded(context.Background(), []int64{id}))

	recs, err = s.GetUnuploaded(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPruneUploadedRespectsFlagAndAge(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, withNowFn(func() time.Time { return now }))

	// two old rows, one uploaded, one not
	oldTime := now.Add(-2 * time.Hour)
	s.nowFn = func() time.Time { return oldTime }
	ids := appendN(t, s, 2)
	// one fresh uploaded row
	s.nowFn = func() time.Time { return now }
	freshID, err := s.Append(context.Background(), &domain.TelemetryRecord{})
	require.NoError(t, err)

	require.NoError(t, s.MarkUploaded(context.Background(), []int64{ids[0], freshID}))

	pruned, err := s.PruneUploaded(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// the stale non-uploaded row survived
	recs, err := s.GetUnuploaded(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids[1], recs[0].ID)

	// the fresh uploaded row survived
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalRecords)
}

func TestPruneMaxRecordsDropsOldestRegardlessOfFlag(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 5)
	require.NoError(t, s.MarkUploaded(context.Background(), []int64{ids[3], ids[4]}))

	pruned, err := s.PruneMaxRecords(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	// ids[0] and ids[1] are gone even though they were never uploaded
	recs, err := s.GetUnuploaded(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids[2], recs[0].ID)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalRecords)
}

func TestPruneMaxRecordsUnderCapIsNoop(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 3)

	pruned, err := s.PruneMaxRecords(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestHistoryVehicleRoleWindow(t *testing.T) {
	now := time.Now()
	s := newTestStore(t,
		WithVehicleRole(time.Hour),
		withNowFn(func() time.Time { return now }))

	// one record received outside the window, one inside
	s.nowFn = func() time.Time { return now.Add(-2 * time.Hour) }
	_, err := s.Append(context.Background(), &domain.TelemetryRecord{Value: 1})
	require.NoError(t, err)
	s.nowFn = func() time.Time { return now }
	inID, err := s.Append(context.Background(), &domain.TelemetryRecord{Value: 2})
	require.NoError(t, err)

	recs, err := s.History(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, inID, recs[0].ID)
}

func TestHistoryRemoteRolePlainRecency(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 5)

	recs, err := s.History(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[4], recs[0].ID)
	assert.Equal(t, ids[3], recs[1].ID)

	recs, err = s.History(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[2], recs[0].ID)
}

func TestLatestFor(t *testing.T) {
	now := time.Now()
	s := newTestStore(t)

	_, err := s.Append(context.Background(), &domain.TelemetryRecord{
		ComponentType: 2, ComponentID: 1, Value: 10, RecordedAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	_, err = s.Append(context.Background(), &domain.TelemetryRecord{
		ComponentType: 2, ComponentID: 1, Value: 20, RecordedAt: now,
	})
	require.NoError(t, err)

	rec, err := s.LatestFor(context.Background(), 2, 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(20), rec.Value)

	rec, err = s.LatestFor(context.Background(), 9, 9)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecorderAppendsStatusFrames(t *testing.T) {
	s := newTestStore(t)
	lb := bus.NewLoopback()

	rec := NewRecorder(s)
	rec.Attach(lb, []bus.Selector{{MessageType: 1, ComponentType: 2, ComponentID: 1, CommandID: 4}})

	lb.Send(bus.Frame{
		SourceNode:    5,
		MessageType:   1,
		ComponentType: 2,
		ComponentID:   1,
		CommandID:     4,
		Value:         99,
		RecordedAt:    time.Now().Add(-time.Second),
	}, bus.Broadcast)

	recs, err := s.GetUnuploaded(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(99), recs[0].Value)
	assert.False(t, recs[0].ReceivedAt.IsZero())
	assert.False(t, recs[0].CreatedAt.IsZero())
}
