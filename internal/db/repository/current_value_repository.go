package repository

import (
	"context"
	"errors"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CurrentValueRepository stores the latest value per (device, datapoint)
type CurrentValueRepository interface {
	Repository
	Upsert(ctx context.Context, deviceID uint, datapointID *uint, name string, value models.Value, at time.Time) (*models.CurrentValue, error)
	Get(ctx context.Context, deviceID uint, name string) (*models.CurrentValue, error)
	ListByDevice(ctx context.Context, deviceID uint) ([]models.CurrentValue, error)
	CreatePlaceholders(ctx context.Context, deviceID uint, datapoints []models.DatapointDefinition) (int64, error)
	DeleteByDatapoint(ctx context.Context, datapointID uint) (int64, error)
	DeleteStale(ctx context.Context, deviceID uint, keep []uint) (int64, error)
}

type currentValueRepository struct {
	BaseRepository
}

// NewCurrentValueRepository creates a new current value repository
func NewCurrentValueRepository(db *gorm.DB) CurrentValueRepository {
	return &currentValueRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Upsert shifts the stored current value to previous and stores the new one with quality good
func (r *currentValueRepository) Upsert(ctx context.Context, deviceID uint, datapointID *uint, name string, value models.Value, at time.Time) (*models.CurrentValue, error) {
	var cv models.CurrentValue

	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_id = ? AND datapoint_name = ?", deviceID, name).First(&cv).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			ts := at
			cv = models.CurrentValue{
				DeviceID:      deviceID,
				DatapointName: name,
				DatapointID:   datapointID,
				Current:       value.Columns(),
				Time:          &ts,
				Quality:       models.QualityGood,
			}
			return tx.Create(&cv).Error
		case err != nil:
			return err
		}

		ts := at
		cv.Previous = cv.Current
		cv.Current = value.Columns()
		cv.Time = &ts
		cv.Quality = models.QualityGood
		if datapointID != nil {
			cv.DatapointID = datapointID
		}
		return tx.Save(&cv).Error
	})
	if err != nil {
		return nil, r.handleError(err)
	}

	return &cv, nil
}

func (r *currentValueRepository) Get(ctx context.Context, deviceID uint, name string) (*models.CurrentValue, error) {
	var cv models.CurrentValue
	err := r.conn(ctx).Where("device_id = ? AND datapoint_name = ?", deviceID, name).First(&cv).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &cv, nil
}

func (r *currentValueRepository) ListByDevice(ctx context.Context, deviceID uint) ([]models.CurrentValue, error) {
	var values []models.CurrentValue
	if err := r.conn(ctx).Where("device_id = ?", deviceID).Order("datapoint_name").Find(&values).Error; err != nil {
		return nil, r.handleError(err)
	}
	return values, nil
}

// CreatePlaceholders inserts unknown-quality rows for datapoints the device does not have yet
func (r *currentValueRepository) CreatePlaceholders(ctx context.Context, deviceID uint, datapoints []models.DatapointDefinition) (int64, error) {
	if len(datapoints) == 0 {
		return 0, nil
	}

	rows := make([]models.CurrentValue, 0, len(datapoints))
	for i := range datapoints {
		id := datapoints[i].ID
		rows = append(rows, models.CurrentValue{
			DeviceID:      deviceID,
			DatapointName: datapoints[i].Name,
			DatapointID:   &id,
			Quality:       models.QualityUnknown,
		})
	}

	res := r.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "datapoint_name"}},
			DoNothing: true,
		}).
		Create(&rows)
	if res.Error != nil {
		return 0, r.handleError(res.Error)
	}
	return res.RowsAffected, nil
}

func (r *currentValueRepository) DeleteByDatapoint(ctx context.Context, datapointID uint) (int64, error) {
	res := r.conn(ctx).Where("datapoint_id = ?", datapointID).Delete(&models.CurrentValue{})
	if res.Error != nil {
		return 0, r.handleError(res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteStale removes rows bound to datapoints outside keep. Rows without a definition are left alone.
func (r *currentValueRepository) DeleteStale(ctx context.Context, deviceID uint, keep []uint) (int64, error) {
	query := r.conn(ctx).Where("device_id = ? AND datapoint_id IS NOT NULL", deviceID)
	if len(keep) > 0 {
		query = query.Where("datapoint_id NOT IN ?", keep)
	}

	res := query.Delete(&models.CurrentValue{})
	if res.Error != nil {
		return 0, r.handleError(res.Error)
	}
	return res.RowsAffected, nil
}
