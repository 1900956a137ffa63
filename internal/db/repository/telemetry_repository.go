package repository

import (
	"context"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"gorm.io/gorm"
)

// TelemetryRepository defines operations on the append-only telemetry point store
type TelemetryRepository interface {
	Repository
	InsertPoint(ctx context.Context, point *models.TelemetryPoint) error
	InsertPoints(ctx context.Context, points []models.TelemetryPoint) error
	GetHistory(ctx context.Context, deviceID, datapointID uint, start, end time.Time, offset, limit int) ([]models.TelemetryPoint, int64, error)
	GetStatistics(ctx context.Context, deviceID, datapointID uint, start, end time.Time) (*models.DatapointStatistics, error)
}

type telemetryRepository struct {
	BaseRepository
}

// NewTelemetryRepository creates a new telemetry repository
func NewTelemetryRepository(db *gorm.DB) TelemetryRepository {
	return &telemetryRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// InsertPoint inserts a single point
func (r *telemetryRepository) InsertPoint(ctx context.Context, point *models.TelemetryPoint) error {
	return r.handleError(r.conn(ctx).Create(point).Error)
}

// InsertPoints inserts all points in one transaction; any failure rolls back the whole batch
func (r *telemetryRepository) InsertPoints(ctx context.Context, points []models.TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx := r.conn(ctx).Begin()
	if tx.Error != nil {
		return r.handleError(tx.Error)
	}

	if err := tx.CreateInBatches(points, 100).Error; err != nil {
		tx.Rollback()
		return r.handleError(err)
	}

	return r.handleError(tx.Commit().Error)
}

// GetHistory returns points for one datapoint, newest first, with the total count of the range
func (r *telemetryRepository) GetHistory(ctx context.Context, deviceID, datapointID uint, start, end time.Time, offset, limit int) ([]models.TelemetryPoint, int64, error) {
	scope := func() *gorm.DB {
		return r.conn(ctx).Model(&models.TelemetryPoint{}).
			Where("device_id = ? AND datapoint_id = ? AND time >= ? AND time <= ?", deviceID, datapointID, start, end)
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	var points []models.TelemetryPoint
	err := scope().Order("time desc").Order("id desc").Offset(offset).Limit(limit).Find(&points).Error
	if err != nil {
		return nil, 0, r.handleError(err)
	}

	return points, total, nil
}

type aggregateRow struct {
	Cnt  int64
	MinV *float64
	MaxV *float64
	AvgV *float64
	SumV *float64
}

// GetStatistics aggregates numeric points of one datapoint over [start, end]
func (r *telemetryRepository) GetStatistics(ctx context.Context, deviceID, datapointID uint, start, end time.Time) (*models.DatapointStatistics, error) {
	scope := func() *gorm.DB {
		return r.conn(ctx).Model(&models.TelemetryPoint{}).
			Where("device_id = ? AND datapoint_id = ? AND time >= ? AND time <= ? AND value_num IS NOT NULL",
				deviceID, datapointID, start, end)
	}

	var agg aggregateRow
	err := scope().
		Select("COUNT(*) AS cnt, MIN(value_num) AS min_v, MAX(value_num) AS max_v, AVG(value_num) AS avg_v, SUM(value_num) AS sum_v").
		Scan(&agg).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	stats := &models.DatapointStatistics{
		DeviceID:    deviceID,
		DatapointID: datapointID,
		Start:       start,
		End:         end,
		Count:       agg.Cnt,
		Min:         agg.MinV,
		Max:         agg.MaxV,
		Avg:         agg.AvgV,
		Sum:         agg.SumV,
	}
	if agg.Cnt == 0 {
		return stats, nil
	}

	var first, last models.TelemetryPoint
	if err := scope().Order("time asc").Order("id asc").Take(&first).Error; err != nil {
		return nil, r.handleError(err)
	}
	if err := scope().Order("time desc").Order("id desc").Take(&last).Error; err != nil {
		return nil, r.handleError(err)
	}

	stats.First, stats.FirstTime = first.ValueNum, &first.Time
	stats.Last, stats.LastTime = last.ValueNum, &last.Time
	return stats, nil
}
