package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digital-egiz/telemetry-core/internal/alarms"
	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// DefaultActor is recorded when an operator does not name themselves
const DefaultActor = "operator"

// AlarmService exposes alarm queries and the acknowledge/clear workflow
type AlarmService struct {
	logger     *utils.Logger
	alarmRepo  repository.AlarmRepository
	deviceRepo repository.DeviceRepository
	evaluator  *alarms.Evaluator
	monitor    *alarms.NoDataMonitor
}

// NewAlarmService creates a new alarm service
func NewAlarmService(
	repoFactory *repository.RepositoryFactory,
	evaluator *alarms.Evaluator,
	monitor *alarms.NoDataMonitor,
	logger *utils.Logger,
) *AlarmService {
	return &AlarmService{
		logger:     logger.Named("alarm_service"),
		alarmRepo:  repoFactory.Alarm(),
		deviceRepo: repoFactory.Device(),
		evaluator:  evaluator,
		monitor:    monitor,
	}
}

// GetActive lists triggered and acknowledged alarms matching filter
func (s *AlarmService) GetActive(ctx context.Context, filter repository.AlarmFilter) ([]models.Alarm, error) {
	if filter.Severity != "" && !validSeverity(filter.Severity) {
		return nil, fmt.Errorf("%w: invalid severity %q", utils.ErrBadRequest, filter.Severity)
	}

	list, err := s.alarmRepo.ListActive(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to list active alarms", zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve active alarms: %w", err)
	}
	return list, nil
}

// GetDeviceHistory returns a page of every alarm of a device, newest first
func (s *AlarmService) GetDeviceHistory(ctx context.Context, deviceID uint, page utils.PaginationRequest) (*utils.PaginatedResponse, error) {
	if _, err := s.deviceRepo.GetByID(ctx, deviceID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: device %d", utils.ErrNotFound, deviceID)
		}
		return nil, fmt.Errorf("failed to verify device: %w", err)
	}

	list, total, err := s.alarmRepo.ListByDevice(ctx, deviceID, page.Offset(), page.Limit)
	if err != nil {
		s.logger.Error("Failed to list device alarms", zap.Uint("device_id", deviceID), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve alarm history: %w", err)
	}

	resp := utils.NewPaginatedResponse(list, page, total)
	return &resp, nil
}

// Acknowledge marks a triggered alarm as seen by actor
func (s *AlarmService) Acknowledge(ctx context.Context, id uint, actor string) (*models.Alarm, error) {
	return s.evaluator.Acknowledge(ctx, id, actorOrDefault(actor))
}

// BulkAcknowledge acknowledges each id independently
func (s *AlarmService) BulkAcknowledge(ctx context.Context, ids []uint, actor string) []alarms.BulkResult {
	results := s.evaluator.BulkAcknowledge(ctx, ids, actorOrDefault(actor))

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	s.logger.Info("Bulk acknowledge finished", zap.Int("requested", len(ids)), zap.Int("failed", failed))
	return results
}

// Clear closes a triggered or acknowledged alarm
func (s *AlarmService) Clear(ctx context.Context, id uint, actor string) (*models.Alarm, error) {
	return s.evaluator.Clear(ctx, id, actorOrDefault(actor))
}

// GetStatistics counts alarms triggered in the range by status and severity
func (s *AlarmService) GetStatistics(ctx context.Context, tr utils.TimeRange) (*models.AlarmStatistics, error) {
	stats, err := s.alarmRepo.Statistics(ctx, tr.Start, tr.End)
	if err != nil {
		s.logger.Error("Failed to compute alarm statistics", zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve alarm statistics: %w", err)
	}
	return stats, nil
}

// RunNoDataSweep runs one no-data sweep now. It fails if a scheduled sweep is in progress.
func (s *AlarmService) RunNoDataSweep(ctx context.Context) (*alarms.SweepResult, error) {
	result, err := s.monitor.RunOnce(ctx)
	if errors.Is(err, alarms.ErrSweepInProgress) {
		return nil, utils.NewErrorWithCode(fmt.Errorf("%w: %v", utils.ErrAlreadyExists, err), "sweep_in_progress")
	}
	return result, err
}

func actorOrDefault(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return DefaultActor
	}
	return actor
}

func validSeverity(s models.Severity) bool {
	switch s {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityMajor, models.SeverityCritical:
		return true
	default:
		return false
	}
}
