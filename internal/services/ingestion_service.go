package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/alarms"
	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/metrics"
	"github.com/digital-egiz/telemetry-core/internal/registry"
	"github.com/digital-egiz/telemetry-core/internal/telemetry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// Ingest result statuses
const (
	IngestStatusOK      = "ok"
	IngestStatusPartial = "partial"
)

// Source tags for stored points
const (
	SourceAPI   = "api"
	SourceBatch = "batch"
	SourceMQTT  = "mqtt"
	SourceKafka = "kafka"
)

// IngestRequest is one device's readings keyed by datapoint name
type IngestRequest struct {
	Identity registry.Identity
	Values   map[string]interface{}
	// Timestamp defaults to the arrival time
	Timestamp time.Time
	Source    string
}

// IngestResult reports how many of the request's values were stored
type IngestResult struct {
	Status string `json:"status"`
	Stored int    `json:"stored"`
	Total  int    `json:"total"`
}

// BatchRecord is one fully specified reading of the high-throughput path
type BatchRecord struct {
	DeviceID    uint
	GatewayID   uint
	EdgeKey     string
	DatapointID *uint
	Datapoint   string
	Timestamp   time.Time
	Value       interface{}
	Quality     models.Quality
}

func (r BatchRecord) identity() registry.Identity {
	if r.DeviceID != 0 {
		return registry.Identity{DeviceID: r.DeviceID}
	}
	return registry.Identity{GatewayID: r.GatewayID, EdgeKey: r.EdgeKey}
}

// DeviceResolver maps inbound identities to active devices
type DeviceResolver interface {
	Resolve(ctx context.Context, id registry.Identity) (*models.Device, error)
}

// ModelCatalog reads the datapoints and rules of a device model
type ModelCatalog interface {
	ListDatapoints(ctx context.Context, modelID uint) ([]models.DatapointDefinition, error)
	ListEnabledRules(ctx context.Context, modelID uint) ([]models.AlarmRule, error)
}

// LivenessStore records when a device was last heard from
type LivenessStore interface {
	UpdateLiveness(ctx context.Context, deviceID uint, seenAt, telemetryAt time.Time) error
}

// IngestionDeps are the collaborators of the ingestion pipeline
type IngestionDeps struct {
	Resolver  DeviceResolver
	Catalog   ModelCatalog
	Liveness  LivenessStore
	Writer    *telemetry.Writer
	Cache     *telemetry.CurrentValueCache
	Evaluator *alarms.Evaluator
	Monitor   *alarms.NoDataMonitor
	Decoder   *PayloadDecoder
	Clock     utils.Clock
	Metrics   *metrics.Metrics
}

// IngestionService runs the pipeline: resolve, normalize, store, cache, evaluate.
// Calls for the same device are serialized; different devices proceed in parallel.
type IngestionService struct {
	resolver  DeviceResolver
	catalog   ModelCatalog
	liveness  LivenessStore
	writer    *telemetry.Writer
	cache     *telemetry.CurrentValueCache
	evaluator *alarms.Evaluator
	monitor   *alarms.NoDataMonitor
	decoder   *PayloadDecoder
	clock     utils.Clock
	metrics   *metrics.Metrics
	logger    *utils.Logger

	locks utils.KeyedMutex[uint]
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(deps IngestionDeps, logger *utils.Logger) *IngestionService {
	clock := deps.Clock
	if clock == nil {
		clock = utils.SystemClock()
	}
	return &IngestionService{
		resolver:  deps.Resolver,
		catalog:   deps.Catalog,
		liveness:  deps.Liveness,
		writer:    deps.Writer,
		cache:     deps.Cache,
		evaluator: deps.Evaluator,
		monitor:   deps.Monitor,
		decoder:   deps.Decoder,
		clock:     clock,
		metrics:   deps.Metrics,
		logger:    logger.Named("ingestion_service"),
	}
}

// deviceContext is the model view of one resolved device for the duration of a call
type deviceContext struct {
	device *models.Device
	byName map[string]*models.DatapointDefinition
	byID   map[uint]*models.DatapointDefinition
	rules  map[uint][]models.AlarmRule
}

func newDeviceContext(device *models.Device) *deviceContext {
	return &deviceContext{
		device: device,
		byName: make(map[string]*models.DatapointDefinition),
		byID:   make(map[uint]*models.DatapointDefinition),
		rules:  make(map[uint][]models.AlarmRule),
	}
}

// datapoint finds the definition named by id or name. An unknown name is still stored, unbound.
func (dc *deviceContext) datapoint(id *uint, name string) (*models.DatapointDefinition, string) {
	if id != nil {
		if def, ok := dc.byID[*id]; ok {
			return def, def.Name
		}
	}
	if def, ok := dc.byName[name]; ok {
		return def, name
	}
	return nil, name
}

type pendingPoint struct {
	point models.TelemetryPoint
	def   *models.DatapointDefinition
	value models.Value
	dc    *deviceContext
}

// Ingest stores one device's readings. A value that cannot be normalized is skipped; the
// result reports how many values were stored. An unknown identity fails the whole call.
func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	if len(req.Values) == 0 {
		return nil, fmt.Errorf("%w: no values given", utils.ErrBadRequest)
	}
	source := req.Source
	if source == "" {
		source = SourceAPI
	}

	device, err := s.resolver.Resolve(ctx, req.Identity)
	if err != nil {
		if errors.Is(err, utils.ErrDeviceNotFound) {
			s.countUnknown(source)
		}
		return nil, err
	}

	unlock := s.locks.Lock(device.ID)
	defer unlock()

	dc := newDeviceContext(device)
	if err := s.loadModel(ctx, dc); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}

	names := make([]string, 0, len(req.Values))
	for name := range req.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	pending := make([]pendingPoint, 0, len(names))
	for _, name := range names {
		raw := req.Values[name]
		def, _ := dc.datapoint(nil, name)
		v, err := telemetry.Normalize(raw, def)
		if err != nil {
			s.normalizationFailed(device.ID, name, err)
			continue
		}
		pending = append(pending, newPendingPoint(dc, def, name, v, raw, ts, models.QualityGood, source))
	}

	stored, err := s.apply(ctx, pending, now, source)
	s.observe(start)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{Status: IngestStatusOK, Stored: stored, Total: len(req.Values)}
	if stored < result.Total {
		result.Status = IngestStatusPartial
	}
	if ctx.Err() != nil && stored < len(pending) {
		s.logger.Warn("Ingestion deadline passed, reporting partial result",
			zap.Uint("device_id", device.ID),
			zap.Int("stored", stored),
			zap.Int("total", result.Total))
	}
	return result, nil
}

// IngestPayload decodes a transport message and ingests it. fallback names the device
// when the payload does not.
func (s *IngestionService) IngestPayload(ctx context.Context, payload []byte, fallback registry.Identity, source string) (*IngestResult, error) {
	req, err := s.decoder.DecodeMessage(payload, fallback, source)
	if err != nil {
		return nil, err
	}
	return s.Ingest(ctx, req)
}

// IngestBatchPayload decodes a batch document and ingests its records
func (s *IngestionService) IngestBatchPayload(ctx context.Context, payload []byte) (int, error) {
	records, err := s.decoder.DecodeBatch(payload)
	if err != nil {
		return 0, err
	}
	return s.IngestBatch(ctx, records)
}

// IngestBatch stores fully specified records, possibly for many devices, and returns how many
// were stored. Records of unknown devices are skipped; if none resolves the call fails.
func (s *IngestionService) IngestBatch(ctx context.Context, records []BatchRecord) (int, error) {
	start := time.Now()
	if len(records) == 0 {
		return 0, nil
	}

	byIdentity := make(map[registry.Identity]*deviceContext)
	byDevice := make(map[uint]*deviceContext)
	owners := make([]*deviceContext, len(records))

	for i := range records {
		id := records[i].identity()
		dc, seen := byIdentity[id]
		if !seen {
			device, err := s.resolver.Resolve(ctx, id)
			switch {
			case errors.Is(err, utils.ErrDeviceNotFound):
				s.countUnknown(SourceBatch)
				s.logger.Warn("Skipping batch records of unknown device", zap.String("identity", id.String()))
			case err != nil:
				return 0, err
			default:
				if dc = byDevice[device.ID]; dc == nil {
					dc = newDeviceContext(device)
					byDevice[device.ID] = dc
				}
			}
			byIdentity[id] = dc
		}
		owners[i] = dc
	}
	if len(byDevice) == 0 {
		return 0, fmt.Errorf("%w: no record resolved to an active device", utils.ErrDeviceNotFound)
	}

	// Lock in id order so two batches sharing devices cannot deadlock
	ids := make([]uint, 0, len(byDevice))
	for id := range byDevice {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		unlock := s.locks.Lock(id)
		defer unlock()
		if err := s.loadModel(ctx, byDevice[id]); err != nil {
			return 0, err
		}
	}

	now := s.clock.Now()
	pending := make([]pendingPoint, 0, len(records))
	for i, rec := range records {
		dc := owners[i]
		if dc == nil {
			continue
		}
		def, name := dc.datapoint(rec.DatapointID, rec.Datapoint)
		if name == "" {
			s.normalizationFailed(dc.device.ID, "", fmt.Errorf("%w: record %d names no datapoint", utils.ErrValueNormalization, i))
			continue
		}
		v, err := telemetry.Normalize(rec.Value, def)
		if err != nil {
			s.normalizationFailed(dc.device.ID, name, err)
			continue
		}
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = now
		}
		pending = append(pending, newPendingPoint(dc, def, name, v, rec.Value, ts, parseQuality(rec.Quality), SourceBatch))
	}

	stored, err := s.apply(ctx, pending, now, SourceBatch)
	s.observe(start)
	return stored, err
}

// loadModel fills dc with the datapoints and enabled value rules of the device's model
func (s *IngestionService) loadModel(ctx context.Context, dc *deviceContext) error {
	if dc.device.ModelID == nil {
		return nil
	}
	modelID := *dc.device.ModelID

	dps, err := s.catalog.ListDatapoints(ctx, modelID)
	if err != nil {
		return fmt.Errorf("%w: failed to load datapoints of model %d: %v", utils.ErrStoreUnavailable, modelID, err)
	}
	for i := range dps {
		dc.byName[dps[i].Name] = &dps[i]
		dc.byID[dps[i].ID] = &dps[i]
	}

	rules, err := s.catalog.ListEnabledRules(ctx, modelID)
	if err != nil {
		return fmt.Errorf("%w: failed to load alarm rules of model %d: %v", utils.ErrStoreUnavailable, modelID, err)
	}
	for _, rule := range rules {
		if rule.Condition == models.ConditionNoData || rule.DatapointID == nil {
			continue
		}
		if _, ok := dc.byID[*rule.DatapointID]; !ok {
			s.logger.Debug("Skipping inert alarm rule",
				zap.Uint("rule_id", rule.ID),
				zap.Uint("datapoint_id", *rule.DatapointID),
				zap.Error(utils.ErrUnknownRuleReference))
			continue
		}
		dc.rules[*rule.DatapointID] = append(dc.rules[*rule.DatapointID], rule)
	}
	return nil
}

func newPendingPoint(dc *deviceContext, def *models.DatapointDefinition, name string, v models.Value, raw interface{}, ts time.Time, quality models.Quality, source string) pendingPoint {
	p := pendingPoint{
		point: models.TelemetryPoint{
			DeviceID:      dc.device.ID,
			DatapointName: name,
			Time:          ts,
			ValueColumns:  v.Columns(),
			RawValue:      telemetry.RawString(raw),
			Quality:       quality,
			Source:        source,
		},
		def:   def,
		value: v,
		dc:    dc,
	}
	if def != nil {
		id := def.ID
		p.point.DatapointID = &id
	}
	return p
}

// apply writes the points, then updates the cache and evaluates rules for every stored point.
// Points written before a passed deadline stay written and still go through the cache and the
// evaluator.
func (s *IngestionService) apply(ctx context.Context, pending []pendingPoint, now time.Time, source string) (int, error) {
	points := make([]models.TelemetryPoint, len(pending))
	for i := range pending {
		points[i] = pending[i].point
	}

	res, err := s.writer.WriteBatch(ctx, points)
	s.countStoreFailures(res.Failed)
	if err != nil && (s.writer.Atomic() || ctx.Err() == nil) {
		return 0, err
	}

	// Bookkeeping outlives the caller's deadline; the points are already stored
	bg := context.WithoutCancel(ctx)

	datapoints := make(map[uint][]uint)
	for i := range pending {
		if !res.Written[i] {
			continue
		}
		p := &pending[i]
		p.point = points[i]
		if p.def != nil {
			datapoints[p.point.DeviceID] = append(datapoints[p.point.DeviceID], p.def.ID)
		}
		s.afterStore(bg, p)
	}

	for deviceID, at := range res.Liveness {
		if err := s.liveness.UpdateLiveness(bg, deviceID, now, at); err != nil {
			s.logger.Warn("Failed to update device liveness", zap.Uint("device_id", deviceID), zap.Error(err))
		}
		if s.monitor != nil {
			s.monitor.RecordData(deviceID, datapoints[deviceID], now)
		}
	}

	if s.metrics != nil && res.Stored > 0 {
		s.metrics.PointsStored.WithLabelValues(source).Add(float64(res.Stored))
	}
	return res.Stored, nil
}

// afterStore moves the cached value forward and runs the datapoint's rules
func (s *IngestionService) afterStore(ctx context.Context, p *pendingPoint) {
	deviceID := p.point.DeviceID
	name := p.point.DatapointName

	previous, err := s.cache.Update(ctx, deviceID, p.def, name, p.value, p.point.Time)
	if err != nil {
		s.logger.Warn("Failed to update current value",
			zap.Uint("device_id", deviceID),
			zap.String("datapoint", name),
			zap.Error(err))
	}

	if p.def == nil || s.evaluator == nil {
		return
	}
	rules := p.dc.rules[p.def.ID]
	for i := range rules {
		outcome, err := s.evaluator.Evaluate(ctx, alarms.Input{
			Device:    p.dc.device,
			Rule:      &rules[i],
			Datapoint: p.def,
			Value:     p.value,
			Previous:  previous,
			Timestamp: p.point.Time,
		})
		if err != nil {
			s.logger.Error("Alarm evaluation failed",
				zap.Uint("device_id", deviceID),
				zap.Uint("rule_id", rules[i].ID),
				zap.Error(err))
			continue
		}
		if outcome == alarms.OutcomeTriggered || outcome == alarms.OutcomeCleared {
			s.logger.Debug("Alarm state changed",
				zap.Uint("device_id", deviceID),
				zap.Uint("rule_id", rules[i].ID),
				zap.String("outcome", outcome.String()))
		}
	}
}

func (s *IngestionService) normalizationFailed(deviceID uint, name string, err error) {
	if s.metrics != nil {
		s.metrics.NormalizationFailures.Inc()
	}
	s.logger.Warn("Dropping value that could not be normalized",
		zap.Uint("device_id", deviceID),
		zap.String("datapoint", name),
		zap.Error(err))
}

func (s *IngestionService) countUnknown(source string) {
	if s.metrics != nil {
		s.metrics.UnknownDevices.WithLabelValues(source).Inc()
	}
}

func (s *IngestionService) countStoreFailures(n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.StoreFailures.Add(float64(n))
	}
}

func (s *IngestionService) observe(start time.Time) {
	if s.metrics != nil {
		s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}
}

func parseQuality(q models.Quality) models.Quality {
	switch q {
	case models.QualityGood, models.QualityUnknown, models.QualityBad:
		return q
	default:
		return models.QualityGood
	}
}
