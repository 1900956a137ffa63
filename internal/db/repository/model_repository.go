package repository

import (
	"context"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"gorm.io/gorm"
)

// ModelRepository manages device models with their datapoint and alarm rule definitions
type ModelRepository interface {
	Repository
	CreateModel(ctx context.Context, model *models.DeviceModel) error
	GetModel(ctx context.Context, id uint) (*models.DeviceModel, error)

	CreateDatapoint(ctx context.Context, dp *models.DatapointDefinition) error
	GetDatapoint(ctx context.Context, id uint) (*models.DatapointDefinition, error)
	ListDatapoints(ctx context.Context, modelID uint) ([]models.DatapointDefinition, error)
	DeleteDatapoint(ctx context.Context, id uint) error

	CreateRule(ctx context.Context, rule *models.AlarmRule) error
	GetRule(ctx context.Context, id uint) (*models.AlarmRule, error)
	ListEnabledRules(ctx context.Context, modelID uint) ([]models.AlarmRule, error)
	ListEnabledRulesByCondition(ctx context.Context, condition models.Condition) ([]models.AlarmRule, error)
}

type modelRepository struct {
	BaseRepository
}

// NewModelRepository creates a new device model repository
func NewModelRepository(db *gorm.DB) ModelRepository {
	return &modelRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (r *modelRepository) CreateModel(ctx context.Context, model *models.DeviceModel) error {
	return r.handleError(r.conn(ctx).Create(model).Error)
}

func (r *modelRepository) GetModel(ctx context.Context, id uint) (*models.DeviceModel, error) {
	var model models.DeviceModel
	if err := r.conn(ctx).Preload("Datapoints").First(&model, id).Error; err != nil {
		return nil, r.handleError(err)
	}
	return &model, nil
}

func (r *modelRepository) CreateDatapoint(ctx context.Context, dp *models.DatapointDefinition) error {
	if dp.ModelID == 0 || dp.Name == "" {
		return ErrInvalidInput
	}
	return r.handleError(r.conn(ctx).Create(dp).Error)
}

func (r *modelRepository) GetDatapoint(ctx context.Context, id uint) (*models.DatapointDefinition, error) {
	var dp models.DatapointDefinition
	if err := r.conn(ctx).First(&dp, id).Error; err != nil {
		return nil, r.handleError(err)
	}
	return &dp, nil
}

func (r *modelRepository) ListDatapoints(ctx context.Context, modelID uint) ([]models.DatapointDefinition, error) {
	var dps []models.DatapointDefinition
	if err := r.conn(ctx).Where("model_id = ?", modelID).Order("id").Find(&dps).Error; err != nil {
		return nil, r.handleError(err)
	}
	return dps, nil
}

func (r *modelRepository) DeleteDatapoint(ctx context.Context, id uint) error {
	res := r.conn(ctx).Delete(&models.DatapointDefinition{}, id)
	if res.Error != nil {
		return r.handleError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *modelRepository) CreateRule(ctx context.Context, rule *models.AlarmRule) error {
	if rule.ModelID == 0 || rule.Condition == "" {
		return ErrInvalidInput
	}
	return r.handleError(r.conn(ctx).Create(rule).Error)
}

func (r *modelRepository) GetRule(ctx context.Context, id uint) (*models.AlarmRule, error) {
	var rule models.AlarmRule
	if err := r.conn(ctx).First(&rule, id).Error; err != nil {
		return nil, r.handleError(err)
	}
	return &rule, nil
}

func (r *modelRepository) ListEnabledRules(ctx context.Context, modelID uint) ([]models.AlarmRule, error) {
	var rules []models.AlarmRule
	err := r.conn(ctx).
		Where("model_id = ? AND enabled = ?", modelID, true).
		Order("id").
		Find(&rules).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return rules, nil
}

func (r *modelRepository) ListEnabledRulesByCondition(ctx context.Context, condition models.Condition) ([]models.AlarmRule, error) {
	var rules []models.AlarmRule
	err := r.conn(ctx).
		Where("condition_kind = ? AND enabled = ?", condition, true).
		Order("id").
		Find(&rules).Error
	if err != nil {
		return nil, r.handleError(err)
	}
	return rules, nil
}
