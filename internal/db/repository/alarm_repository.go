package repository

import (
	"context"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"gorm.io/gorm"
)

// AlarmFilter narrows active alarm listings; zero fields match everything
type AlarmFilter struct {
	DeviceID *uint
	SiteID   *uint
	Severity models.Severity
}

// AlarmRepository persists alarm records and their workflow transitions
type AlarmRepository interface {
	Repository
	Create(ctx context.Context, alarm *models.Alarm) error
	GetByID(ctx context.Context, id uint) (*models.Alarm, error)
	ListActive(ctx context.Context, filter AlarmFilter) ([]models.Alarm, error)
	ListByDevice(ctx context.Context, deviceID uint, offset, limit int) ([]models.Alarm, int64, error)
	Acknowledge(ctx context.Context, id uint, actor string, at time.Time) error
	Clear(ctx context.Context, id uint, actor string, at time.Time) error
	Statistics(ctx context.Context, start, end time.Time) (*models.AlarmStatistics, error)
}

type alarmRepository struct {
	BaseRepository
}

// NewAlarmRepository creates a new alarm repository
func NewAlarmRepository(db *gorm.DB) AlarmRepository {
	return &alarmRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (r *alarmRepository) Create(ctx context.Context, alarm *models.Alarm) error {
	return r.handleError(r.conn(ctx).Create(alarm).Error)
}

func (r *alarmRepository) GetByID(ctx context.Context, id uint) (*models.Alarm, error) {
	var alarm models.Alarm
	if err := r.conn(ctx).First(&alarm, id).Error; err != nil {
		return nil, r.handleError(err)
	}
	return &alarm, nil
}

func (r *alarmRepository) ListActive(ctx context.Context, filter AlarmFilter) ([]models.Alarm, error) {
	query := r.conn(ctx).Where("status IN ?", []models.AlarmStatus{models.AlarmTriggered, models.AlarmAcknowledged})
	if filter.DeviceID != nil {
		query = query.Where("device_id = ?", *filter.DeviceID)
	}
	if filter.SiteID != nil {
		query = query.Where("site_id = ?", *filter.SiteID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}

	var alarms []models.Alarm
	if err := query.Order("triggered_at desc").Order("id desc").Find(&alarms).Error; err != nil {
		return nil, r.handleError(err)
	}
	return alarms, nil
}

func (r *alarmRepository) ListByDevice(ctx context.Context, deviceID uint, offset, limit int) ([]models.Alarm, int64, error) {
	var total int64
	if err := r.conn(ctx).Model(&models.Alarm{}).Where("device_id = ?", deviceID).Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	var alarms []models.Alarm
	err := r.conn(ctx).
		Where("device_id = ?", deviceID).
		Order("triggered_at desc").Order("id desc").
		Offset(offset).Limit(limit).
		Find(&alarms).Error
	if err != nil {
		return nil, 0, r.handleError(err)
	}
	return alarms, total, nil
}

// Acknowledge moves a triggered alarm to acknowledged
func (r *alarmRepository) Acknowledge(ctx context.Context, id uint, actor string, at time.Time) error {
	res := r.conn(ctx).Model(&models.Alarm{}).
		Where("id = ? AND status = ?", id, models.AlarmTriggered).
		Updates(map[string]interface{}{
			"status":          models.AlarmAcknowledged,
			"acknowledged_by": actor,
			"acknowledged_at": at,
		})
	return r.transitionResult(ctx, id, res)
}

// Clear closes a triggered or acknowledged alarm
func (r *alarmRepository) Clear(ctx context.Context, id uint, actor string, at time.Time) error {
	res := r.conn(ctx).Model(&models.Alarm{}).
		Where("id = ? AND status IN ?", id, []models.AlarmStatus{models.AlarmTriggered, models.AlarmAcknowledged}).
		Updates(map[string]interface{}{
			"status":     models.AlarmCleared,
			"cleared_by": actor,
			"cleared_at": at,
		})
	return r.transitionResult(ctx, id, res)
}

// transitionResult tells a missing alarm apart from one in the wrong state
func (r *alarmRepository) transitionResult(ctx context.Context, id uint, res *gorm.DB) error {
	if res.Error != nil {
		return r.handleError(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.conn(ctx).Model(&models.Alarm{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return r.handleError(err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStateConflict
}

type countRow struct {
	Bucket string
	Cnt    int64
}

// Statistics counts alarms triggered within [start, end] by status and severity
func (r *alarmRepository) Statistics(ctx context.Context, start, end time.Time) (*models.AlarmStatistics, error) {
	stats := &models.AlarmStatistics{
		Start:      start,
		End:        end,
		ByStatus:   make(map[models.AlarmStatus]int64),
		BySeverity: make(map[models.Severity]int64),
	}

	var byStatus []countRow
	err := r.conn(ctx).Model(&models.Alarm{}).
		Select("status AS bucket, COUNT(*) AS cnt").
		Where("triggered_at >= ? AND triggered_at <= ?", start, end).
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	for _, row := range byStatus {
		stats.ByStatus[models.AlarmStatus(row.Bucket)] = row.Cnt
		stats.Total += row.Cnt
	}

	var bySeverity []countRow
	err = r.conn(ctx).Model(&models.Alarm{}).
		Select("severity AS bucket, COUNT(*) AS cnt").
		Where("triggered_at >= ? AND triggered_at <= ?", start, end).
		Group("severity").
		Scan(&bySeverity).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	for _, row := range bySeverity {
		stats.BySeverity[models.Severity(row.Bucket)] = row.Cnt
	}

	return stats, nil
}
