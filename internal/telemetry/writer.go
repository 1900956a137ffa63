package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// PointStore is the durable side of the writer
type PointStore interface {
	InsertPoint(ctx context.Context, point *models.TelemetryPoint) error
	InsertPoints(ctx context.Context, points []models.TelemetryPoint) error
}

// StoreError reports a failed write and the devices whose points were not stored.
// It wraps utils.ErrStoreUnavailable.
type StoreError struct {
	Devices []uint
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%v (devices %v)", e.Err, e.Devices)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func newStoreError(devices []uint, err error) *StoreError {
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return &StoreError{
		Devices: devices,
		Err:     fmt.Errorf("%w: %v", utils.ErrStoreUnavailable, err),
	}
}

// WriteResult reports the outcome of a batch write
type WriteResult struct {
	Stored int
	// Failed counts rows the store rejected
	Failed        int
	Written       []bool
	FailedDevices []uint
	// Liveness holds the latest stored timestamp per device
	Liveness map[uint]time.Time
}

// Writer appends normalized points to the point store
type Writer struct {
	store  PointStore
	atomic bool
	logger *utils.Logger
}

// NewWriter creates a writer. With atomic set, batches commit or fail as a whole.
func NewWriter(store PointStore, atomic bool, logger *utils.Logger) *Writer {
	return &Writer{
		store:  store,
		atomic: atomic,
		logger: logger.Named("telemetry_writer"),
	}
}

// Atomic reports whether batches are written in one transaction
func (w *Writer) Atomic() bool {
	return w.atomic
}

// WriteBatch stores points. In per-row mode a failing row does not block the others and a
// *StoreError is only returned when nothing was stored. In atomic mode any failure fails the
// batch with a *StoreError naming every device in it. A passed deadline stops the loop and
// returns the context error with the partial result.
func (w *Writer) WriteBatch(ctx context.Context, points []models.TelemetryPoint) (WriteResult, error) {
	res := WriteResult{
		Written:  make([]bool, len(points)),
		Liveness: make(map[uint]time.Time),
	}
	if len(points) == 0 {
		return res, nil
	}

	if w.atomic {
		if err := w.store.InsertPoints(ctx, points); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			storeErr := newStoreError(deviceIDs(points), err)
			res.Failed = len(points)
			res.FailedDevices = storeErr.Devices
			w.logger.Error("Atomic telemetry batch failed",
				zap.Int("points", len(points)),
				zap.Uints("devices", res.FailedDevices),
				zap.Error(err))
			return res, storeErr
		}
		for i := range points {
			res.markWritten(i, &points[i])
		}
		return res, nil
	}

	failed := make(map[uint]struct{})
	var lastErr error
	for i := range points {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := w.store.InsertPoint(ctx, &points[i]); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			lastErr = err
			res.Failed++
			failed[points[i].DeviceID] = struct{}{}
			w.logger.Warn("Failed to store telemetry point",
				zap.Uint("device_id", points[i].DeviceID),
				zap.String("datapoint", points[i].DatapointName),
				zap.Error(err))
			continue
		}
		res.markWritten(i, &points[i])
	}

	for id := range failed {
		res.FailedDevices = append(res.FailedDevices, id)
	}
	if res.Stored == 0 && lastErr != nil {
		storeErr := newStoreError(res.FailedDevices, lastErr)
		res.FailedDevices = storeErr.Devices
		return res, storeErr
	}
	return res, nil
}

func (r *WriteResult) markWritten(i int, p *models.TelemetryPoint) {
	r.Written[i] = true
	r.Stored++
	if last, ok := r.Liveness[p.DeviceID]; !ok || p.Time.After(last) {
		r.Liveness[p.DeviceID] = p.Time
	}
}

func deviceIDs(points []models.TelemetryPoint) []uint {
	seen := make(map[uint]struct{})
	ids := make([]uint, 0)
	for i := range points {
		if _, ok := seen[points[i].DeviceID]; ok {
			continue
		}
		seen[points[i].DeviceID] = struct{}{}
		ids = append(ids, points[i].DeviceID)
	}
	return ids
}
