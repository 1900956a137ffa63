package telemetry

import (
	"context"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
)

// CurrentValueStore persists the per-datapoint snapshot
type CurrentValueStore interface {
	Upsert(ctx context.Context, deviceID uint, datapointID *uint, name string, value models.Value, at time.Time) (*models.CurrentValue, error)
	ListByDevice(ctx context.Context, deviceID uint) ([]models.CurrentValue, error)
}

// CurrentValueCache keeps the latest and previous value per (device, datapoint)
type CurrentValueCache struct {
	store CurrentValueStore
}

// NewCurrentValueCache creates a cache over store
func NewCurrentValueCache(store CurrentValueStore) *CurrentValueCache {
	return &CurrentValueCache{store: store}
}

// Update records value as current and returns the value it replaced, if any
func (c *CurrentValueCache) Update(ctx context.Context, deviceID uint, def *models.DatapointDefinition, name string, value models.Value, at time.Time) (*models.Value, error) {
	var dpID *uint
	if def != nil {
		id := def.ID
		dpID = &id
	}

	cv, err := c.store.Upsert(ctx, deviceID, dpID, name, value, at)
	if err != nil {
		return nil, err
	}
	return cv.Previous.Value(), nil
}

// LatestValue is the read model of one cached datapoint
type LatestValue struct {
	Datapoint   string           `json:"datapoint"`
	DatapointID *uint            `json:"datapoint_id,omitempty"`
	Value       interface{}      `json:"value"`
	Previous    interface{}      `json:"previous"`
	Kind        models.ValueKind `json:"kind,omitempty"`
	Time        *time.Time       `json:"time,omitempty"`
	Quality     models.Quality   `json:"quality"`
}

// Latest returns every cached datapoint of a device
func (c *CurrentValueCache) Latest(ctx context.Context, deviceID uint) ([]LatestValue, error) {
	rows, err := c.store.ListByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	out := make([]LatestValue, 0, len(rows))
	for _, row := range rows {
		lv := LatestValue{
			Datapoint:   row.DatapointName,
			DatapointID: row.DatapointID,
			Time:        row.Time,
			Quality:     row.Quality,
		}
		if v := row.Current.Value(); v != nil {
			lv.Value = v.Interface()
			lv.Kind = v.Kind
		}
		if v := row.Previous.Value(); v != nil {
			lv.Previous = v.Interface()
		}
		out = append(out, lv)
	}
	return out, nil
}
