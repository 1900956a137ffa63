// Package registry resolves inbound device identities and keeps per-device
// datapoint rows aligned with their device model.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/metrics"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"go.uber.org/zap"
)

// DefaultCacheTTL bounds how long a (gateway, edge key) resolution is reused
const DefaultCacheTTL = 300 * time.Second

// DeviceLookup is the read side of the device registry
type DeviceLookup interface {
	GetByID(ctx context.Context, id uint) (*models.Device, error)
	GetByGatewayEdgeKey(ctx context.Context, gatewayID uint, edgeKey string) (*models.Device, error)
	GetByCredentialHash(ctx context.Context, hash string) (*models.Device, error)
}

// Identity is how an inbound message names its device. Exactly one form is used:
// DeviceID, GatewayID with EdgeKey, or Token.
type Identity struct {
	DeviceID  uint   `json:"device_id,omitempty"`
	GatewayID uint   `json:"gateway_id,omitempty"`
	EdgeKey   string `json:"edge_key,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Empty reports whether no identity form is set
func (i Identity) Empty() bool {
	return i.DeviceID == 0 && i.GatewayID == 0 && i.EdgeKey == "" && i.Token == ""
}

// String renders the identity for logs
func (i Identity) String() string {
	switch {
	case i.DeviceID != 0:
		return fmt.Sprintf("device:%d", i.DeviceID)
	case i.GatewayID != 0:
		return fmt.Sprintf("gateway:%d/%s", i.GatewayID, i.EdgeKey)
	case i.Token != "":
		return "token"
	default:
		return "empty"
	}
}

type edgeCacheKey struct {
	GatewayID uint
	EdgeKey   string
}

type edgeCacheEntry struct {
	device  models.Device
	expires time.Time
}

// Resolver maps identities to active devices. Gateway/edge-key resolutions are cached.
type Resolver struct {
	lookup  DeviceLookup
	ttl     time.Duration
	secret  []byte
	clock   utils.Clock
	logger  *utils.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache map[edgeCacheKey]edgeCacheEntry
	// generation advances on every invalidation
	generation uint64
}

// NewResolver creates a resolver. secret verifies signed device tokens.
func NewResolver(lookup DeviceLookup, ttl time.Duration, secret []byte, clock utils.Clock, logger *utils.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	return &Resolver{
		lookup: lookup,
		ttl:    ttl,
		secret: secret,
		clock:  clock,
		logger: logger.Named("device_resolver"),
		cache:  make(map[edgeCacheKey]edgeCacheEntry),
	}
}

// WithMetrics reports edge-key cache hits and misses to m
func (r *Resolver) WithMetrics(m *metrics.Metrics) *Resolver {
	r.metrics = m
	return r
}

// Resolve returns the active device named by id or utils.ErrDeviceNotFound
func (r *Resolver) Resolve(ctx context.Context, id Identity) (*models.Device, error) {
	var (
		device *models.Device
		err    error
	)

	switch {
	case id.DeviceID != 0:
		device, err = r.lookup.GetByID(ctx, id.DeviceID)
	case id.GatewayID != 0 && id.EdgeKey != "":
		return r.resolveEdge(ctx, id.GatewayID, id.EdgeKey)
	case id.Token != "":
		device, err = r.resolveToken(ctx, id.Token)
	default:
		return nil, fmt.Errorf("%w: no device identity given", utils.ErrDeviceNotFound)
	}

	device, err = r.active(device, err)
	if err != nil && errors.Is(err, utils.ErrDeviceNotFound) {
		r.logger.Debug("Identity did not resolve to an active device", zap.String("identity", id.String()))
	}
	return device, err
}

func (r *Resolver) resolveEdge(ctx context.Context, gatewayID uint, edgeKey string) (*models.Device, error) {
	key := edgeCacheKey{GatewayID: gatewayID, EdgeKey: edgeKey}
	now := r.clock.Now()

	r.mu.Lock()
	entry, ok := r.cache[key]
	if ok && now.Before(entry.expires) {
		r.mu.Unlock()
		r.countLookup("hit")
		device := entry.device
		return &device, nil
	}
	if ok {
		delete(r.cache, key)
	}
	generation := r.generation
	r.mu.Unlock()
	r.countLookup("miss")

	device, err := r.active(r.lookup.GetByGatewayEdgeKey(ctx, gatewayID, edgeKey))
	if err != nil {
		return nil, err
	}

	// An invalidation during the lookup may mean device is already stale
	r.mu.Lock()
	if r.generation == generation {
		r.cache[key] = edgeCacheEntry{device: *device, expires: now.Add(r.ttl)}
	}
	r.mu.Unlock()

	return device, nil
}

func (r *Resolver) resolveToken(ctx context.Context, token string) (*models.Device, error) {
	if looksLikeJWT(token) && len(r.secret) > 0 {
		deviceID, err := parseDeviceToken(r.secret, token, r.clock.Now())
		if err != nil {
			r.logger.Debug("Rejected device token", zap.Error(err))
			return nil, repository.ErrNotFound
		}
		return r.lookup.GetByID(ctx, deviceID)
	}
	return r.lookup.GetByCredentialHash(ctx, HashCredential(token))
}

// active filters lookup results down to active devices and maps misses to ErrDeviceNotFound
func (r *Resolver) active(device *models.Device, err error) (*models.Device, error) {
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidInput) {
			return nil, utils.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("device lookup failed: %w", err)
	}
	if device == nil || !device.Active {
		return nil, utils.ErrDeviceNotFound
	}
	return device, nil
}

func (r *Resolver) countLookup(result string) {
	if r.metrics != nil {
		r.metrics.ResolverLookups.WithLabelValues(result).Inc()
	}
}

// Invalidate drops the cached resolution for a (gateway, edge key) pair
func (r *Resolver) Invalidate(gatewayID uint, edgeKey string) {
	r.mu.Lock()
	delete(r.cache, edgeCacheKey{GatewayID: gatewayID, EdgeKey: edgeKey})
	r.generation++
	r.mu.Unlock()
}

// InvalidateDevice drops every cached resolution pointing at deviceID
func (r *Resolver) InvalidateDevice(deviceID uint) {
	r.mu.Lock()
	for key, entry := range r.cache {
		if entry.device.ID == deviceID {
			delete(r.cache, key)
		}
	}
	r.generation++
	r.mu.Unlock()
}

// CacheSize returns the number of cached resolutions
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
