package models

import (
	"time"
)

// Quality flags for stored values
type Quality string

const (
	QualityGood    Quality = "good"
	QualityUnknown Quality = "unknown"
	QualityBad     Quality = "bad"
)

// TelemetryPoint is an append-only measurement
type TelemetryPoint struct {
	ID            uint64    `gorm:"primarykey" json:"id"`
	DeviceID      uint      `gorm:"not null;index:idx_telemetry_device_dp_time,priority:1" json:"device_id"`
	DatapointID   *uint     `gorm:"index:idx_telemetry_device_dp_time,priority:2" json:"datapoint_id,omitempty"`
	DatapointName string    `gorm:"type:varchar(100);not null" json:"datapoint"`
	Time          time.Time `gorm:"not null;index:idx_telemetry_device_dp_time,priority:3" json:"time"`
	ValueColumns
	RawValue string  `json:"raw_value,omitempty"`
	Quality  Quality `gorm:"type:varchar(10);not null" json:"quality"`
	Source   string  `gorm:"type:varchar(64)" json:"source"` // e.g. "api", "mqtt", "kafka", "batch"
}

// TableName overrides the table name for TelemetryPoint
func (TelemetryPoint) TableName() string {
	return "telemetry_points"
}

// CurrentValue is the latest and previous value of one datapoint on one device
type CurrentValue struct {
	ID            uint         `gorm:"primarykey" json:"id"`
	DeviceID      uint         `gorm:"not null;uniqueIndex:idx_current_device_datapoint" json:"device_id"`
	DatapointName string       `gorm:"type:varchar(100);not null;uniqueIndex:idx_current_device_datapoint" json:"datapoint"`
	DatapointID   *uint        `gorm:"index" json:"datapoint_id,omitempty"`
	Current       ValueColumns `gorm:"embedded" json:"current"`
	Previous      ValueColumns `gorm:"embedded;embeddedPrefix:prev_" json:"previous"`
	Time          *time.Time   `json:"time,omitempty"`
	Quality       Quality      `gorm:"type:varchar(10);not null" json:"quality"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TableName overrides the table name for CurrentValue
func (CurrentValue) TableName() string {
	return "current_values"
}

// DatapointStatistics is the aggregate of a datapoint over a time range
type DatapointStatistics struct {
	DeviceID    uint       `json:"device_id"`
	DatapointID uint       `json:"datapoint_id"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Count       int64      `json:"count"`
	Min         *float64   `json:"min"`
	Max         *float64   `json:"max"`
	Avg         *float64   `json:"avg"`
	Sum         *float64   `json:"sum"`
	First       *float64   `json:"first"`
	Last        *float64   `json:"last"`
	FirstTime   *time.Time `json:"first_time,omitempty"`
	LastTime    *time.Time `json:"last_time,omitempty"`
}
