package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// DataType is the declared type of a datapoint
type DataType string

const (
	DataTypeNumber  DataType = "number"
	DataTypeInteger DataType = "integer"
	DataTypeBoolean DataType = "boolean"
	DataTypeString  DataType = "string"
)

// Default normalization parameters
const (
	DefaultScaleFactor = 1.0
	DefaultPrecision   = 2
)

// DeviceModel groups devices sharing the same datapoints and alarm rules
type DeviceModel struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Relationships
	Datapoints []DatapointDefinition `gorm:"foreignKey:ModelID" json:"datapoints,omitempty"`
	AlarmRules []AlarmRule           `gorm:"foreignKey:ModelID" json:"alarm_rules,omitempty"`
}

// Device is a field device, either connected directly or proxied by a gateway
type Device struct {
	ID              uint       `gorm:"primarykey" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	ModelID         *uint      `gorm:"index" json:"model_id,omitempty"`
	GatewayID       *uint      `gorm:"uniqueIndex:idx_device_gateway_edge_key" json:"gateway_id,omitempty"`
	EdgeKey         *string    `gorm:"type:varchar(64);uniqueIndex:idx_device_gateway_edge_key" json:"edge_key,omitempty"`
	SiteID          *uint      `gorm:"index" json:"site_id,omitempty"`
	CredentialHash  string     `gorm:"type:varchar(64);index" json:"-"`
	Active          bool       `gorm:"not null" json:"active"`
	IsOnline        bool       `gorm:"not null" json:"is_online"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	LastTelemetryAt *time.Time `json:"last_telemetry_at,omitempty"`
	Metadata        JSON       `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DatapointDefinition is a named measurement slot on a device model
type DatapointDefinition struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	ModelID     uint      `gorm:"not null;uniqueIndex:idx_datapoint_model_name" json:"model_id"`
	Name        string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_datapoint_model_name" json:"name"`
	DisplayName string    `json:"display_name"`
	Unit        string    `gorm:"type:varchar(32)" json:"unit"`
	DataType    DataType  `gorm:"type:varchar(20);not null" json:"data_type"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	ScaleFactor *float64  `json:"scale_factor,omitempty"`
	Offset      float64   `json:"offset"`
	Precision   *int      `json:"precision,omitempty"`
	Readable    bool      `json:"readable"`
	Writable    bool      `json:"writable"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsNumeric reports whether values of this datapoint are scaled and rounded
func (d *DatapointDefinition) IsNumeric() bool {
	return d.DataType == DataTypeNumber || d.DataType == DataTypeInteger
}

// Scale returns the configured scale factor or the default of 1
func (d *DatapointDefinition) Scale() float64 {
	if d.ScaleFactor == nil {
		return DefaultScaleFactor
	}
	return *d.ScaleFactor
}

// Decimals returns the configured rounding precision or the default of 2
func (d *DatapointDefinition) Decimals() int {
	if d.Precision == nil {
		return DefaultPrecision
	}
	return *d.Precision
}

// Label is the name used in alarm messages
func (d *DatapointDefinition) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// JSON is a wrapper for json.RawMessage with methods to implement the Scanner and Valuer interfaces
type JSON json.RawMessage

// Value returns the JSON value to be stored in the database
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan scans a JSON value from the database
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return errors.New("invalid scan source for JSON")
	}
	return nil
}

// MarshalJSON returns the JSON encoding of j
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON sets *j to a copy of data
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("JSON: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}
