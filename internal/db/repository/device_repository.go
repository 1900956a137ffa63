package repository

import (
	"context"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"gorm.io/gorm"
)

// DeviceRepository defines read access to devices plus the liveness and assignment updates the core owns
type DeviceRepository interface {
	Repository
	Create(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id uint) (*models.Device, error)
	GetByGatewayEdgeKey(ctx context.Context, gatewayID uint, edgeKey string) (*models.Device, error)
	GetByCredentialHash(ctx context.Context, hash string) (*models.Device, error)
	ListByModel(ctx context.Context, modelID uint, activeOnly bool) ([]models.Device, error)
	UpdateLiveness(ctx context.Context, deviceID uint, seenAt, telemetryAt time.Time) error
	UpdateModel(ctx context.Context, deviceID uint, modelID *uint) error
	UpdateEdgeKey(ctx context.Context, deviceID uint, edgeKey *string) error
}

type deviceRepository struct {
	BaseRepository
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (r *deviceRepository) Create(ctx context.Context, device *models.Device) error {
	return r.handleError(r.conn(ctx).Create(device).Error)
}

func (r *deviceRepository) GetByID(ctx context.Context, id uint) (*models.Device, error) {
	var device models.Device
	if err := r.conn(ctx).First(&device, id).Error; err != nil {
		return nil, r.handleError(err)
	}
	return &device, nil
}

func (r *deviceRepository) GetByGatewayEdgeKey(ctx context.Context, gatewayID uint, edgeKey string) (*models.Device, error) {
	var device models.Device
	err := r.conn(ctx).
		Where("gateway_id = ? AND edge_key = ?", gatewayID, edgeKey).
		First(&device).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return &device, nil
}

func (r *deviceRepository) GetByCredentialHash(ctx context.Context, hash string) (*models.Device, error) {
	if hash == "" {
		return nil, ErrInvalidInput
	}

	var device models.Device
	if err := r.conn(ctx).Where("credential_hash = ?", hash).First(&device).Error; err != nil {
		return nil, r.handleError(err)
	}
	return &device, nil
}

func (r *deviceRepository) ListByModel(ctx context.Context, modelID uint, activeOnly bool) ([]models.Device, error) {
	var devices []models.Device
	query := r.conn(ctx).Where("model_id = ?", modelID)
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	if err := query.Order("id").Find(&devices).Error; err != nil {
		return nil, r.handleError(err)
	}
	return devices, nil
}

// UpdateLiveness marks the device online. last_telemetry_at only moves forward,
// so late or out-of-order batches cannot rewind it.
func (r *deviceRepository) UpdateLiveness(ctx context.Context, deviceID uint, seenAt, telemetryAt time.Time) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Device{}).
			Where("id = ?", deviceID).
			Updates(map[string]interface{}{
				"is_online":    true,
				"last_seen_at": seenAt,
			})
		if res.Error != nil {
			return r.handleError(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		err := tx.Model(&models.Device{}).
			Where("id = ? AND (last_telemetry_at IS NULL OR last_telemetry_at < ?)", deviceID, telemetryAt).
			Update("last_telemetry_at", telemetryAt).Error
		return r.handleError(err)
	})
}

func (r *deviceRepository) UpdateModel(ctx context.Context, deviceID uint, modelID *uint) error {
	res := r.conn(ctx).Model(&models.Device{}).Where("id = ?", deviceID).Update("model_id", modelID)
	if res.Error != nil {
		return r.handleError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *deviceRepository) UpdateEdgeKey(ctx context.Context, deviceID uint, edgeKey *string) error {
	res := r.conn(ctx).Model(&models.Device{}).Where("id = ?", deviceID).Update("edge_key", edgeKey)
	if res.Error != nil {
		return r.handleError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
