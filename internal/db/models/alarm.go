package models

import (
	"time"
)

// Condition is the kind of check an alarm rule performs
type Condition string

const (
	ConditionGT      Condition = "gt"
	ConditionLT      Condition = "lt"
	ConditionEQ      Condition = "eq"
	ConditionNEQ     Condition = "neq"
	ConditionGTE     Condition = "gte"
	ConditionLTE     Condition = "lte"
	ConditionBetween Condition = "between"
	ConditionOutside Condition = "outside"
	ConditionChange  Condition = "change"
	ConditionNoData  Condition = "no_data"
)

// Severity of an alarm
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// AlarmStatus is the workflow state of a persisted alarm
type AlarmStatus string

const (
	AlarmTriggered    AlarmStatus = "triggered"
	AlarmAcknowledged AlarmStatus = "acknowledged"
	AlarmCleared      AlarmStatus = "cleared"
)

// IsActive reports whether the alarm still counts for deduplication
func (s AlarmStatus) IsActive() bool {
	return s == AlarmTriggered || s == AlarmAcknowledged
}

// AlarmRule is a model-level alarm definition.
// For no_data rules Threshold is the expected interval in seconds and DatapointID is optional.
type AlarmRule struct {
	ID              uint      `gorm:"primarykey" json:"id"`
	ModelID         uint      `gorm:"not null;index" json:"model_id"`
	DatapointID     *uint     `gorm:"index" json:"datapoint_id,omitempty"`
	Name            string    `gorm:"not null" json:"name"`
	Condition       Condition `gorm:"column:condition_kind;type:varchar(20);not null" json:"condition"`
	Threshold       *float64  `json:"threshold,omitempty"`
	Threshold2      *float64  `json:"threshold2,omitempty"`
	ThresholdText   *string   `json:"threshold_text,omitempty"`
	DurationSeconds int       `gorm:"not null" json:"duration_seconds"`
	Severity        Severity  `gorm:"type:varchar(20);not null" json:"severity"`
	AutoClear       bool      `gorm:"not null" json:"auto_clear"`
	Enabled         bool      `gorm:"not null" json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Alarm is the durable record of a triggered alarm and its workflow
type Alarm struct {
	ID                uint        `gorm:"primarykey" json:"id"`
	DeviceID          uint        `gorm:"not null;index:idx_alarm_device_rule_status,priority:1" json:"device_id"`
	RuleID            uint        `gorm:"not null;index:idx_alarm_device_rule_status,priority:2" json:"rule_id"`
	DatapointID       *uint       `json:"datapoint_id,omitempty"`
	SiteID            *uint       `gorm:"index" json:"site_id,omitempty"`
	Severity          Severity    `gorm:"type:varchar(20);not null;index" json:"severity"`
	Status            AlarmStatus `gorm:"type:varchar(20);not null;index:idx_alarm_device_rule_status,priority:3" json:"status"`
	Message           string      `json:"message"`
	TriggerValue      string      `json:"trigger_value"`
	TriggeredAt       time.Time   `gorm:"not null;index" json:"triggered_at"`
	DurationStartedAt *time.Time  `json:"duration_started_at,omitempty"`
	AcknowledgedBy    string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time  `json:"acknowledged_at,omitempty"`
	ClearedBy         string      `json:"cleared_by,omitempty"`
	ClearedAt         *time.Time  `json:"cleared_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// AlarmStatistics counts alarms over a time range
type AlarmStatistics struct {
	Start      time.Time             `json:"start"`
	End        time.Time             `json:"end"`
	Total      int64                 `json:"total"`
	ByStatus   map[AlarmStatus]int64 `json:"by_status"`
	BySeverity map[Severity]int64    `json:"by_severity"`
}

// AllModels lists every table owned by the service, in migration order
func AllModels() []interface{} {
	return []interface{}{
		&DeviceModel{},
		&DatapointDefinition{},
		&AlarmRule{},
		&Device{},
		&TelemetryPoint{},
		&CurrentValue{},
		&Alarm{},
	}
}
