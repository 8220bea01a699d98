package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
)

// TelemetryStore the grouped-query surface the aggregator needs
type TelemetryStore interface {
	TopNPerGroup(deviceUUID string, start, end time.Time, n int) ([]models.TelemetryRecord, error)
	LatestWithAverages(deviceUUID string, channelID int, window time.Duration) ([]models.TelemetryRecord, error)
}

// DeviceStore device metadata join
type DeviceStore interface {
	GetByUUID(deviceUUID string) (*models.Device, error)
}

// Defaults pull-interface defaults
type Defaults struct {
	Limit         int
	Timezone      string
	Range         time.Duration
	AverageWindow time.Duration
	CacheTTL      time.Duration
}

// Query one aggregation request. Either explicit Start/End, or a trailing
// Range resolved against now in Timezone.
type Query struct {
	DeviceUUID string
	Limit      int
	Timezone   string
	Range      time.Duration
	Start      *time.Time
	End        *time.Time
	Ranked     bool
}

// DeviceSnapshot the mapped result joined with device metadata
type DeviceSnapshot struct {
	DeviceUUID  string     `json:"device_uuid"`
	DeviceIP    *string    `json:"device_ip,omitempty"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	Registers   Snapshot   `json:"registers"`
	Ranked      []Snapshot `json:"ranked,omitempty"`
}

// Service the protocol aggregator/mapper
type Service struct {
	telemetry TelemetryStore
	devices   DeviceStore
	kv        KVStore
	defaults  Defaults
	logger    *zap.Logger

	now func() time.Time
}

// NewService creates the aggregator service
func NewService(telemetry TelemetryStore, devices DeviceStore, kv KVStore, defaults Defaults, logger *zap.Logger) *Service {
	return &Service{
		telemetry: telemetry,
		devices:   devices,
		kv:        kv,
		defaults:  defaults,
		logger:    logger,
		now:       time.Now,
	}
}

// ResolveWindow computes the query's time window. Explicit bounds win;
// otherwise a trailing range is anchored at now in the requested zone.
func (s *Service) ResolveWindow(q *Query) (time.Time, time.Time, error) {
	if q.Start != nil && q.End != nil {
		if q.End.Before(*q.Start) {
			return time.Time{}, time.Time{}, fmt.Errorf("window end %s before start %s", q.End, q.Start)
		}
		return *q.Start, *q.End, nil
	}

	zone := q.Timezone
	if zone == "" {
		zone = s.defaults.Timezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to load timezone %q: %w", zone, err)
	}

	trailing := q.Range
	if trailing <= 0 {
		trailing = s.defaults.Range
	}

	end := s.now().In(loc)
	return end.Add(-trailing), end, nil
}

// Aggregate runs the grouped top-N query, maps it and joins device metadata
func (s *Service) Aggregate(ctx context.Context, q *Query) (*DeviceSnapshot, error) {
	start, end, err := s.ResolveWindow(q)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = s.defaults.Limit
	}

	records, err := s.telemetry.TopNPerGroup(q.DeviceUUID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no telemetry for device %s in window", q.DeviceUUID)
	}

	result := &DeviceSnapshot{
		DeviceUUID:  q.DeviceUUID,
		WindowStart: start,
		WindowEnd:   end,
	}

	if q.Ranked {
		ranked, err := MapRanked(records)
		if err != nil {
			return nil, err
		}
		result.Ranked = ranked
		if len(ranked) > 0 {
			result.Registers = ranked[0]
		}
	} else {
		latest := make([]models.TelemetryRecord, 0, len(records))
		for _, rec := range records {
			if rec.Rank <= 1 {
				latest = append(latest, rec)
			}
		}
		snapshot, err := MapSnapshot(latest)
		if err != nil {
			return nil, err
		}
		result.Registers = snapshot
	}

	// Join device metadata; a missing device record degrades the snapshot,
	// it does not fail it
	if device, err := s.devices.GetByUUID(q.DeviceUUID); err != nil {
		s.logger.Warn("Device metadata join failed",
			zap.String("device_uuid", q.DeviceUUID),
			zap.Error(err),
		)
	} else {
		result.DeviceIP = device.DeviceIP
	}

	return result, nil
}

// Snapshot implements the polling-session provider: trailing default window,
// ranked mapping, short-TTL cache in front of the store
func (s *Service) Snapshot(ctx context.Context, deviceUUID string, limit int) (interface{}, error) {
	if limit <= 0 {
		limit = s.defaults.Limit
	}

	key := fmt.Sprintf("msm:protocol:%s:%d", deviceUUID, limit)
	if cached, err := s.kv.Get(ctx, key); err == nil {
		var snap DeviceSnapshot
		if err := json.Unmarshal([]byte(cached), &snap); err == nil {
			return &snap, nil
		}
	} else if err != ErrCacheMiss {
		s.logger.Warn("Snapshot cache read failed", zap.Error(err))
	}

	snap, err := s.Aggregate(ctx, &Query{
		DeviceUUID: deviceUUID,
		Limit:      limit,
		Ranked:     true,
	})
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(snap); err == nil {
		if err := s.kv.Set(ctx, key, string(raw), s.defaults.CacheTTL); err != nil {
			s.logger.Warn("Snapshot cache write failed", zap.Error(err))
		}
	}

	return snap, nil
}

// WindowedAverages exposes the second aggregation mode: latest record per
// phase of one channel overlaid with trailing-window averages. Kept separate
// from Aggregate; the two modes evolve independently.
func (s *Service) WindowedAverages(ctx context.Context, deviceUUID string, channelID int) ([]models.TelemetryRecord, error) {
	records, err := s.telemetry.LatestWithAverages(deviceUUID, channelID, s.defaults.AverageWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to query windowed averages: %w", err)
	}
	return records, nil
}
