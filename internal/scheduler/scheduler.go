package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
	"github.com/mian7535/msm/internal/mqtt"
)

// DeviceLister enumerates known devices at startup
type DeviceLister interface {
	ListAll() ([]models.Device, error)
}

// CadenceSource reads a device's current broker-configuration cadence
type CadenceSource interface {
	GetBrokerConfig(deviceUUID string) (*models.BrokerConfig, error)
}

// Broadcaster the fan-out bus surface for loopback pushes
type Broadcaster interface {
	Broadcast(event string, data interface{})
	BroadcastScoped(event string, data interface{})
}

// CadenceChange notification that one device's cadence configuration
// changed and its timer must be replaced
type CadenceChange struct {
	DeviceUUID string
}

type entry struct {
	cadence time.Duration
	cancel  context.CancelFunc
}

// Scheduler keeps one synthetic-telemetry timer per device and replaces it
// when the device's cadence changes. The entries map is touched only by the
// Run goroutine; change notifications arrive over the changes channel, which
// serializes every replace/cancel without a lock.
type Scheduler struct {
	devices     DeviceLister
	configs     CadenceSource
	publisher   mqtt.Publisher
	bus         Broadcaster
	gen         *Generator
	topicPrefix string
	channels    int
	qos         byte
	logger      *zap.Logger

	changes chan CadenceChange
	entries map[string]*entry
}

// NewScheduler creates the adaptive interval scheduler
func NewScheduler(
	devices DeviceLister,
	configs CadenceSource,
	publisher mqtt.Publisher,
	bus Broadcaster,
	topicPrefix string,
	channels int,
	qos byte,
	logger *zap.Logger,
) *Scheduler {
	if channels <= 0 {
		channels = 3
	}
	return &Scheduler{
		devices:     devices,
		configs:     configs,
		publisher:   publisher,
		bus:         bus,
		gen:         NewGenerator(1, 10),
		topicPrefix: topicPrefix,
		channels:    channels,
		qos:         qos,
		logger:      logger,
		changes:     make(chan CadenceChange, 64),
		entries:     make(map[string]*entry),
	}
}

// NotifyChange queues a cadence-change notification for one device.
// Non-blocking: when nothing drains the queue (scheduler disabled, or Run
// stopped) the notification is dropped instead of hanging the caller. The
// cadence is re-read from the DB on the next schedule pass, so a dropped
// notification loses nothing durable.
func (s *Scheduler) NotifyChange(deviceUUID string) {
	select {
	case s.changes <- CadenceChange{DeviceUUID: deviceUUID}:
	default:
		s.logger.Warn("Dropping cadence change, scheduler not draining",
			zap.String("device_uuid", deviceUUID),
		)
	}
}

// Run schedules every known device, then services cadence changes until
// ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	devices, err := s.devices.ListAll()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	for _, device := range devices {
		s.schedule(ctx, device.DeviceUUID)
	}

	s.logger.Info("Scheduler started",
		zap.Int("devices", len(devices)),
		zap.Int("scheduled", len(s.entries)),
	)

	for {
		select {
		case <-ctx.Done():
			for deviceUUID, e := range s.entries {
				e.cancel()
				delete(s.entries, deviceUUID)
			}
			return nil

		case change := <-s.changes:
			s.schedule(ctx, change.DeviceUUID)
		}
	}
}

// schedule reads the device's current cadence and replaces its timer.
// Cancel-then-replace: the old timer is released before the new one starts,
// so no two live timers exist for the same device.
func (s *Scheduler) schedule(ctx context.Context, deviceUUID string) {
	cfg, err := s.configs.GetBrokerConfig(deviceUUID)
	if err != nil {
		s.logger.Error("Failed to read broker config",
			zap.String("device_uuid", deviceUUID),
			zap.Error(err),
		)
		return
	}

	if old, ok := s.entries[deviceUUID]; ok {
		old.cancel()
		delete(s.entries, deviceUUID)
	}

	if cfg == nil {
		// No configuration document: the device stays unscheduled
		s.logger.Debug("Device has no broker config, leaving unscheduled",
			zap.String("device_uuid", deviceUUID),
		)
		return
	}

	cadence := time.Duration(cfg.DataInterval) * time.Second
	if cadence <= 0 {
		s.logger.Warn("Ignoring non-positive cadence",
			zap.String("device_uuid", deviceUUID),
			zap.Int("data_interval", cfg.DataInterval),
		)
		return
	}

	simCtx, cancel := context.WithCancel(ctx)
	s.entries[deviceUUID] = &entry{cadence: cadence, cancel: cancel}

	go s.simulate(simCtx, deviceUUID, cadence)

	s.logger.Info("Scheduled device simulation",
		zap.String("device_uuid", deviceUUID),
		zap.Duration("cadence", cadence),
	)
}

func (s *Scheduler) simulate(ctx context.Context, deviceUUID string, cadence time.Duration) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(deviceUUID)
		}
	}
}

// tick emits one synthetic telemetry message per simulated channel, both on
// the device's telemetry topic and directly through the fan-out bus
// (loopback simulation, bypassing the ingestion path)
func (s *Scheduler) tick(deviceUUID string) {
	topic := fmt.Sprintf("%s/%s/telemetry", s.topicPrefix, deviceUUID)
	value := s.gen.Next()

	for channelID := 1; channelID <= s.channels; channelID++ {
		msg := syntheticMessage(deviceUUID, channelID, value)

		if err := s.publisher.PublishJSON(topic, s.qos, msg); err != nil {
			s.logger.Error("Failed to publish synthetic telemetry",
				zap.String("device_uuid", deviceUUID),
				zap.Int("channel_id", channelID),
				zap.Error(err),
			)
		}

		s.bus.Broadcast("telemetry", msg)
		s.bus.BroadcastScoped(
			fmt.Sprintf("telemetry:%s:channel:%d", deviceUUID, channelID),
			msg,
		)
	}
}
