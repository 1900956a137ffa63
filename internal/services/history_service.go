package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/telemetry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// HistoryService serves latest values from the current-value cache and history from the point store
type HistoryService struct {
	logger        *utils.Logger
	deviceRepo    repository.DeviceRepository
	telemetryRepo repository.TelemetryRepository
	cache         *telemetry.CurrentValueCache
}

// NewHistoryService creates a new history service
func NewHistoryService(repoFactory *repository.RepositoryFactory, cache *telemetry.CurrentValueCache, logger *utils.Logger) *HistoryService {
	return &HistoryService{
		logger:        logger.Named("history_service"),
		deviceRepo:    repoFactory.Device(),
		telemetryRepo: repoFactory.Telemetry(),
		cache:         cache,
	}
}

// GetLatest returns every cached datapoint of a device
func (s *HistoryService) GetLatest(ctx context.Context, deviceID uint) ([]telemetry.LatestValue, error) {
	if err := s.checkDevice(ctx, deviceID); err != nil {
		return nil, err
	}

	values, err := s.cache.Latest(ctx, deviceID)
	if err != nil {
		s.logger.Error("Failed to get latest values", zap.Uint("device_id", deviceID), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve latest values: %w", err)
	}
	return values, nil
}

// GetHistory returns a page of stored points of one datapoint, newest first
func (s *HistoryService) GetHistory(ctx context.Context, deviceID, datapointID uint, tr utils.TimeRange, page utils.PaginationRequest) (*utils.PaginatedResponse, error) {
	if err := s.checkDevice(ctx, deviceID); err != nil {
		return nil, err
	}

	points, total, err := s.telemetryRepo.GetHistory(ctx, deviceID, datapointID, tr.Start, tr.End, page.Offset(), page.Limit)
	if err != nil {
		s.logger.Error("Failed to get telemetry history",
			zap.Uint("device_id", deviceID),
			zap.Uint("datapoint_id", datapointID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve telemetry history: %w", err)
	}

	resp := utils.NewPaginatedResponse(historyItems(points), page, total)
	return &resp, nil
}

// GetStatistics aggregates one datapoint over the range
func (s *HistoryService) GetStatistics(ctx context.Context, deviceID, datapointID uint, tr utils.TimeRange) (*models.DatapointStatistics, error) {
	if err := s.checkDevice(ctx, deviceID); err != nil {
		return nil, err
	}

	stats, err := s.telemetryRepo.GetStatistics(ctx, deviceID, datapointID, tr.Start, tr.End)
	if err != nil {
		s.logger.Error("Failed to get telemetry statistics",
			zap.Uint("device_id", deviceID),
			zap.Uint("datapoint_id", datapointID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve telemetry statistics: %w", err)
	}
	return stats, nil
}

func (s *HistoryService) checkDevice(ctx context.Context, deviceID uint) error {
	if _, err := s.deviceRepo.GetByID(ctx, deviceID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: device %d", utils.ErrNotFound, deviceID)
		}
		s.logger.Error("Failed to verify device exists", zap.Uint("device_id", deviceID), zap.Error(err))
		return fmt.Errorf("failed to verify device: %w", err)
	}
	return nil
}

// HistoryItem is one stored point with its value decoded
type HistoryItem struct {
	Time     time.Time      `json:"time"`
	Value    interface{}    `json:"value"`
	RawValue string         `json:"raw_value,omitempty"`
	Quality  models.Quality `json:"quality"`
	Source   string         `json:"source,omitempty"`
}

func historyItems(points []models.TelemetryPoint) []HistoryItem {
	items := make([]HistoryItem, 0, len(points))
	for _, p := range points {
		item := HistoryItem{
			Time:     p.Time,
			RawValue: p.RawValue,
			Quality:  p.Quality,
			Source:   p.Source,
		}
		if v := p.ValueColumns.Value(); v != nil {
			item.Value = v.Interface()
		}
		items = append(items, item)
	}
	return items
}
