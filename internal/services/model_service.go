package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/registry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// EdgeKeyInvalidator drops cached gateway/edge-key resolutions
type EdgeKeyInvalidator interface {
	Invalidate(gatewayID uint, edgeKey string)
	InvalidateDevice(deviceID uint)
}

// CreateDatapointRequest defines a new datapoint on a model
type CreateDatapointRequest struct {
	Name        string          `json:"name" binding:"required,max=100"`
	DisplayName string          `json:"display_name"`
	Unit        string          `json:"unit" binding:"max=32"`
	DataType    models.DataType `json:"data_type" binding:"required,oneof=number integer boolean string"`
	Min         *float64        `json:"min"`
	Max         *float64        `json:"max"`
	ScaleFactor *float64        `json:"scale_factor"`
	Offset      float64         `json:"offset"`
	Precision   *int            `json:"precision" binding:"omitempty,min=0,max=10"`
	Readable    *bool           `json:"readable"`
	Writable    bool            `json:"writable"`
}

// DatapointChange reports a datapoint edit and the current-value rows it touched
type DatapointChange struct {
	Datapoint *models.DatapointDefinition `json:"datapoint,omitempty"`
	Created   int64                       `json:"created,omitempty"`
	Deleted   int64                       `json:"deleted,omitempty"`
}

// ModelService edits model datapoints and device assignments and keeps current values in step
type ModelService struct {
	logger     *utils.Logger
	modelRepo  repository.ModelRepository
	deviceRepo repository.DeviceRepository
	propagator *registry.Propagator
	resolver   EdgeKeyInvalidator
}

// NewModelService creates a new model service
func NewModelService(
	repoFactory *repository.RepositoryFactory,
	propagator *registry.Propagator,
	resolver EdgeKeyInvalidator,
	logger *utils.Logger,
) *ModelService {
	return &ModelService{
		logger:     logger.Named("model_service"),
		modelRepo:  repoFactory.Model(),
		deviceRepo: repoFactory.Device(),
		propagator: propagator,
		resolver:   resolver,
	}
}

// AddDatapoint creates a datapoint and placeholders on every active device of the model
func (s *ModelService) AddDatapoint(ctx context.Context, modelID uint, req CreateDatapointRequest) (*DatapointChange, error) {
	if _, err := s.modelRepo.GetModel(ctx, modelID); err != nil {
		return nil, notFoundOr(err, "model", modelID)
	}

	dp := &models.DatapointDefinition{
		ModelID:     modelID,
		Name:        strings.TrimSpace(req.Name),
		DisplayName: req.DisplayName,
		Unit:        req.Unit,
		DataType:    req.DataType,
		Min:         req.Min,
		Max:         req.Max,
		ScaleFactor: req.ScaleFactor,
		Offset:      req.Offset,
		Precision:   req.Precision,
		Readable:    req.Readable == nil || *req.Readable,
		Writable:    req.Writable,
	}
	if err := s.modelRepo.CreateDatapoint(ctx, dp); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, fmt.Errorf("%w: datapoint %q on model %d", utils.ErrAlreadyExists, dp.Name, modelID)
		case errors.Is(err, repository.ErrInvalidInput):
			return nil, fmt.Errorf("%w: datapoint name is required", utils.ErrValidation)
		}
		return nil, fmt.Errorf("failed to create datapoint: %w", err)
	}

	created, err := s.propagator.DatapointAdded(ctx, dp)
	if err != nil {
		s.logger.Error("Datapoint created but propagation failed",
			zap.Uint("datapoint_id", dp.ID),
			zap.Error(err))
		return nil, err
	}
	return &DatapointChange{Datapoint: dp, Created: created}, nil
}

// RemoveDatapoint deletes a datapoint of the model and every current value referencing it
func (s *ModelService) RemoveDatapoint(ctx context.Context, modelID, datapointID uint) (*DatapointChange, error) {
	dp, err := s.modelRepo.GetDatapoint(ctx, datapointID)
	if err != nil {
		return nil, notFoundOr(err, "datapoint", datapointID)
	}
	if dp.ModelID != modelID {
		return nil, fmt.Errorf("%w: datapoint %d is not on model %d", utils.ErrNotFound, datapointID, modelID)
	}

	if err := s.modelRepo.DeleteDatapoint(ctx, datapointID); err != nil {
		return nil, notFoundOr(err, "datapoint", datapointID)
	}

	deleted, err := s.propagator.DatapointRemoved(ctx, datapointID)
	if err != nil {
		return nil, err
	}
	return &DatapointChange{Deleted: deleted}, nil
}

// AssignModel moves a device to a model and applies the model's datapoints to it
func (s *ModelService) AssignModel(ctx context.Context, deviceID, modelID uint) (*DatapointChange, error) {
	if _, err := s.deviceRepo.GetByID(ctx, deviceID); err != nil {
		return nil, notFoundOr(err, "device", deviceID)
	}
	if _, err := s.modelRepo.GetModel(ctx, modelID); err != nil {
		return nil, notFoundOr(err, "model", modelID)
	}

	if err := s.deviceRepo.UpdateModel(ctx, deviceID, &modelID); err != nil {
		return nil, notFoundOr(err, "device", deviceID)
	}
	s.resolver.InvalidateDevice(deviceID)

	created, err := s.propagator.DeviceModelChanged(ctx, deviceID, modelID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Device model changed",
		zap.Uint("device_id", deviceID),
		zap.Uint("model_id", modelID),
		zap.Int64("placeholders", created))
	return &DatapointChange{Created: created}, nil
}

// ChangeEdgeKey renames a gateway-proxied device and drops its cached resolutions
func (s *ModelService) ChangeEdgeKey(ctx context.Context, deviceID uint, edgeKey string) (*models.Device, error) {
	device, err := s.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, notFoundOr(err, "device", deviceID)
	}
	if device.GatewayID == nil {
		return nil, fmt.Errorf("%w: device %d is not behind a gateway", utils.ErrBadRequest, deviceID)
	}

	key := strings.TrimSpace(edgeKey)
	if key == "" {
		return nil, fmt.Errorf("%w: edge key is required", utils.ErrValidation)
	}
	if err := s.deviceRepo.UpdateEdgeKey(ctx, deviceID, &key); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: edge key %q on gateway %d", utils.ErrAlreadyExists, key, *device.GatewayID)
		}
		return nil, notFoundOr(err, "device", deviceID)
	}

	if device.EdgeKey != nil {
		s.resolver.Invalidate(*device.GatewayID, *device.EdgeKey)
	}
	s.resolver.InvalidateDevice(deviceID)

	s.logger.Info("Device edge key changed",
		zap.Uint("device_id", deviceID),
		zap.Uint("gateway_id", *device.GatewayID),
		zap.String("edge_key", key))

	device.EdgeKey = &key
	return device, nil
}

// SyncModel reconciles every device of the model with its datapoints
func (s *ModelService) SyncModel(ctx context.Context, modelID uint) (*registry.SyncResult, error) {
	if _, err := s.modelRepo.GetModel(ctx, modelID); err != nil {
		return nil, notFoundOr(err, "model", modelID)
	}
	return s.propagator.SyncModel(ctx, modelID)
}

// notFoundOr maps a repository miss to utils.ErrNotFound and wraps anything else
func notFoundOr(err error, kind string, id uint) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s %d", utils.ErrNotFound, kind, id)
	}
	return fmt.Errorf("failed to access %s %d: %w", kind, id, err)
}
