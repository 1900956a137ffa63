package repository

import "gorm.io/gorm"

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db               *gorm.DB
	deviceRepo       DeviceRepository
	modelRepo        ModelRepository
	telemetryRepo    TelemetryRepository
	currentValueRepo CurrentValueRepository
	alarmRepo        AlarmRepository
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(db *gorm.DB) *RepositoryFactory {
	return &RepositoryFactory{
		db: db,
	}
}

// Device returns the device repository
func (f *RepositoryFactory) Device() DeviceRepository {
	if f.deviceRepo == nil {
		f.deviceRepo = NewDeviceRepository(f.db)
	}
	return f.deviceRepo
}

// Model returns the device model repository
func (f *RepositoryFactory) Model() ModelRepository {
	if f.modelRepo == nil {
		f.modelRepo = NewModelRepository(f.db)
	}
	return f.modelRepo
}

// Telemetry returns the telemetry point repository
func (f *RepositoryFactory) Telemetry() TelemetryRepository {
	if f.telemetryRepo == nil {
		f.telemetryRepo = NewTelemetryRepository(f.db)
	}
	return f.telemetryRepo
}

// CurrentValue returns the current value repository
func (f *RepositoryFactory) CurrentValue() CurrentValueRepository {
	if f.currentValueRepo == nil {
		f.currentValueRepo = NewCurrentValueRepository(f.db)
	}
	return f.currentValueRepo
}

// Alarm returns the alarm repository
func (f *RepositoryFactory) Alarm() AlarmRepository {
	if f.alarmRepo == nil {
		f.alarmRepo = NewAlarmRepository(f.db)
	}
	return f.alarmRepo
}
