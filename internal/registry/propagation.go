package registry

import (
	"context"
	"fmt"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// SyncResult counts the current-value rows touched by a model sync
type SyncResult struct {
	Devices int   `json:"devices"`
	Created int64 `json:"created"`
	Deleted int64 `json:"deleted"`
}

// Propagator keeps per-device current-value rows aligned with the datapoints of their model
type Propagator struct {
	devices repository.DeviceRepository
	models  repository.ModelRepository
	values  repository.CurrentValueRepository
	logger  *utils.Logger
}

// NewPropagator creates a new model propagator
func NewPropagator(
	devices repository.DeviceRepository,
	modelRepo repository.ModelRepository,
	values repository.CurrentValueRepository,
	logger *utils.Logger,
) *Propagator {
	return &Propagator{
		devices: devices,
		models:  modelRepo,
		values:  values,
		logger:  logger.Named("model_propagation"),
	}
}

// DatapointAdded creates unknown-quality placeholders for every active device on the datapoint's model
func (p *Propagator) DatapointAdded(ctx context.Context, dp *models.DatapointDefinition) (int64, error) {
	devices, err := p.devices.ListByModel(ctx, dp.ModelID, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices for model %d: %w", dp.ModelID, err)
	}

	var created int64
	set := []models.DatapointDefinition{*dp}
	for _, device := range devices {
		n, err := p.values.CreatePlaceholders(ctx, device.ID, set)
		if err != nil {
			return created, fmt.Errorf("failed to create placeholder for device %d: %w", device.ID, err)
		}
		created += n
	}

	p.logger.Info("Propagated new datapoint",
		zap.Uint("model_id", dp.ModelID),
		zap.String("datapoint", dp.Name),
		zap.Int("devices", len(devices)),
		zap.Int64("created", created))
	return created, nil
}

// DatapointRemoved deletes every current value that references the datapoint
func (p *Propagator) DatapointRemoved(ctx context.Context, datapointID uint) (int64, error) {
	deleted, err := p.values.DeleteByDatapoint(ctx, datapointID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete current values for datapoint %d: %w", datapointID, err)
	}

	p.logger.Info("Removed datapoint current values",
		zap.Uint("datapoint_id", datapointID),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// DeviceModelChanged applies the full datapoint set of modelID to the device. Existing rows are kept.
func (p *Propagator) DeviceModelChanged(ctx context.Context, deviceID, modelID uint) (int64, error) {
	dps, err := p.models.ListDatapoints(ctx, modelID)
	if err != nil {
		return 0, fmt.Errorf("failed to list datapoints for model %d: %w", modelID, err)
	}

	created, err := p.values.CreatePlaceholders(ctx, deviceID, dps)
	if err != nil {
		return 0, fmt.Errorf("failed to create placeholders for device %d: %w", deviceID, err)
	}

	p.logger.Debug("Applied model datapoints to device",
		zap.Uint("device_id", deviceID),
		zap.Uint("model_id", modelID),
		zap.Int64("created", created))
	return created, nil
}

// SyncModel reconciles every device of a model against the model's current datapoint set
func (p *Propagator) SyncModel(ctx context.Context, modelID uint) (*SyncResult, error) {
	dps, err := p.models.ListDatapoints(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datapoints for model %d: %w", modelID, err)
	}
	devices, err := p.devices.ListByModel(ctx, modelID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices for model %d: %w", modelID, err)
	}

	keep := make([]uint, 0, len(dps))
	for _, dp := range dps {
		keep = append(keep, dp.ID)
	}

	result := &SyncResult{Devices: len(devices)}
	for _, device := range devices {
		deleted, err := p.values.DeleteStale(ctx, device.ID, keep)
		if err != nil {
			return result, fmt.Errorf("failed to prune device %d: %w", device.ID, err)
		}
		result.Deleted += deleted

		if !device.Active {
			continue
		}
		created, err := p.values.CreatePlaceholders(ctx, device.ID, dps)
		if err != nil {
			return result, fmt.Errorf("failed to create placeholders for device %d: %w", device.ID, err)
		}
		result.Created += created
	}

	p.logger.Info("Synchronized model",
		zap.Uint("model_id", modelID),
		zap.Int("devices", result.Devices),
		zap.Int64("created", result.Created),
		zap.Int64("deleted", result.Deleted))
	return result, nil
}
