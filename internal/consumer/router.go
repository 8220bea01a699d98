package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
)

// TelemetryStore persistence surface for flattened records
type TelemetryStore interface {
	Insert(rec *models.TelemetryRecord) (int64, error)
}

// DeviceStore persistence surface for device state upserts
type DeviceStore interface {
	UpsertInfo(deviceUUID string, imei, ip *string, mqttStatus, sftpStatus bool) (bool, error)
	TouchOnline(deviceUUID string) error
	SetConnectivity(deviceUUID string, connected bool, remoteAddr *string) error
	AppendRebootEvent(ev *models.RebootEvent) error
}

// ConfigStore persistence surface for configuration acknowledgements
type ConfigStore interface {
	UpsertReported(deviceUUID, subsystem string, reported []byte, at time.Time) error
}

// DashboardStore default dashboard creation
type DashboardStore interface {
	EnsureDefault(deviceUUID string) error
}

// Broadcaster the fan-out bus surface
type Broadcaster interface {
	Broadcast(event string, data interface{})
	BroadcastScoped(event string, data interface{})
}

// Mirror the shadow synchronizer surface
type Mirror interface {
	Mirror(deviceUUID, topicType string, message json.RawMessage)
}

// errMalformedPayload marks messages whose payload could not be decoded.
// These are the only handled messages the shadow never mirrors; persistence
// failures still mirror, since the shadow reflects what the device said,
// not what we stored.
var errMalformedPayload = errors.New("malformed payload")

// Router classifies inbound messages and dispatches one handler per
// variant. One device's malformed message never blocks another device's
// processing; every failure here is local to the message.
type Router struct {
	topics     *TopicConfig
	telemetry  TelemetryStore
	devices    DeviceStore
	configs    ConfigStore
	dashboards DashboardStore
	bus        Broadcaster
	shadow     Mirror
	logger     *zap.Logger

	now func() time.Time
}

// NewRouter creates the topic router
func NewRouter(
	topics *TopicConfig,
	telemetry TelemetryStore,
	devices DeviceStore,
	configs ConfigStore,
	dashboards DashboardStore,
	bus Broadcaster,
	shadow Mirror,
	logger *zap.Logger,
) *Router {
	return &Router{
		topics:     topics,
		telemetry:  telemetry,
		devices:    devices,
		configs:    configs,
		dashboards: dashboards,
		bus:        bus,
		shadow:     shadow,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleMessage routes one inbound message. Registered as the handler for
// every subscribed topic filter.
func (r *Router) HandleMessage(topic string, payload []byte) error {
	c := Classify(r.topics, topic, payload)

	var err error
	switch c.Kind {
	case KindTelemetry:
		err = r.handleTelemetry(&c)
	case KindReboot:
		err = r.handleReboot(&c)
	case KindDeviceInfo:
		err = r.handleDeviceInfo(&c)
	case KindTimeSync, KindBroker, KindFileTransfer:
		err = r.handleConfigAck(&c)
	case KindProtocols:
		err = r.handleProtocols(&c)
	case KindPresence:
		err = r.handlePresence(&c)
	case KindShadow:
		// Our own shadow mirror echoed back by the broker
		return nil
	default:
		r.logger.Debug("Dropping message on unrecognized topic", zap.String("topic", topic))
		return nil
	}

	if err != nil && errors.Is(err, errMalformedPayload) {
		return fmt.Errorf("failed to handle %s message: %w", c.TopicType, err)
	}

	r.mirror(&c)

	if err != nil {
		return fmt.Errorf("failed to handle %s message: %w", c.TopicType, err)
	}
	return nil
}

// mirror forwards the routed message to the shadow synchronizer.
// Fire-and-forget; the mirror logs its own failures.
func (r *Router) mirror(c *Classified) {
	payload := c.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	r.shadow.Mirror(c.DeviceUUID, c.TopicType, payload)
}

// handleTelemetry normalizes one nested telemetry payload into one record
// per present phase of the first channel, persists each and hands it to the
// fan-out bus under the global and the device+channel-scoped event names
func (r *Router) handleTelemetry(c *Classified) error {
	msg, err := models.ParseTelemetryMessage(c.Payload)
	if err != nil {
		return fmt.Errorf("%w: %s", errMalformedPayload, err)
	}

	if len(msg.Channels) == 0 {
		r.logger.Warn("Rejecting telemetry without channels",
			zap.String("device_uuid", c.DeviceUUID),
		)
		return nil
	}

	channel := &msg.Channels[0]
	scopedEvent := fmt.Sprintf("telemetry:%s:channel:%d", msg.DeviceUUID, channel.ID)

	for _, key := range sortedKeys(channel.Data) {
		phase, ok := models.PhaseTag(key)
		if !ok {
			continue
		}
		data := channel.Data[key]
		if data == nil {
			continue
		}

		rec := msg.FromPhase(channel, phase, data)

		if id, err := r.telemetry.Insert(rec); err != nil {
			// Telemetry loss for this record is accepted; broadcast proceeds
			r.logger.Error("Failed to persist telemetry record",
				zap.String("device_uuid", msg.DeviceUUID),
				zap.Int("channel_id", channel.ID),
				zap.String("phase", phase),
				zap.Error(err),
			)
		} else {
			rec.ID = id
		}

		r.bus.Broadcast("telemetry", rec)
		r.bus.BroadcastScoped(scopedEvent, rec)
	}

	return nil
}

// rebootAck device acknowledgement of a reboot command
type rebootAck struct {
	DeviceUUID string          `json:"device_uuid"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (r *Router) handleReboot(c *Classified) error {
	var ack rebootAck
	if err := json.Unmarshal(c.Payload, &ack); err != nil {
		return fmt.Errorf("%w: failed to unmarshal reboot ack: %s", errMalformedPayload, err)
	}

	ts := r.now()
	if ack.Timestamp != nil {
		ts = *ack.Timestamp
	}

	ev := &models.RebootEvent{
		DeviceUUID: c.DeviceUUID,
		Timestamp:  ts,
		Status:     ack.Status,
		Response:   string(c.Payload),
	}

	if err := r.devices.AppendRebootEvent(ev); err != nil {
		return err
	}

	return r.devices.TouchOnline(c.DeviceUUID)
}

// deviceInfo device self-report
type deviceInfo struct {
	DeviceUUID string  `json:"device_uuid"`
	DeviceIMEI *string `json:"device_imei,omitempty"`
	DeviceIP   *string `json:"device_ip,omitempty"`
	MQTTStatus bool    `json:"mqtt_status"`
	SFTPStatus bool    `json:"sftp_status"`
}

func (r *Router) handleDeviceInfo(c *Classified) error {
	var info deviceInfo
	if err := json.Unmarshal(c.Payload, &info); err != nil {
		return fmt.Errorf("%w: failed to unmarshal device info: %s", errMalformedPayload, err)
	}

	created, err := r.devices.UpsertInfo(c.DeviceUUID, info.DeviceIMEI, info.DeviceIP, info.MQTTStatus, info.SFTPStatus)
	if err != nil {
		return err
	}

	if created {
		if err := r.dashboards.EnsureDefault(c.DeviceUUID); err != nil {
			// The device record is already in place; a missing default
			// dashboard is recoverable on the next report
			r.logger.Warn("Failed to create default dashboard",
				zap.String("device_uuid", c.DeviceUUID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Router) handleConfigAck(c *Classified) error {
	if !json.Valid(c.Payload) {
		return fmt.Errorf("%w: invalid %s ack payload", errMalformedPayload, c.TopicType)
	}

	if err := r.configs.UpsertReported(c.DeviceUUID, c.TopicType, c.Payload, r.now()); err != nil {
		return err
	}

	return r.devices.TouchOnline(c.DeviceUUID)
}

func (r *Router) handleProtocols(c *Classified) error {
	if !json.Valid(c.Payload) {
		return fmt.Errorf("%w: invalid protocols payload", errMalformedPayload)
	}

	raw := json.RawMessage(c.Payload)
	r.bus.Broadcast("protocols", raw)
	r.bus.BroadcastScoped(fmt.Sprintf("protocols:%s", c.DeviceUUID), raw)

	return r.devices.TouchOnline(c.DeviceUUID)
}

// presenceEvent optional payload of a presence notification
type presenceEvent struct {
	IPAddress *string `json:"ipAddress,omitempty"`
}

func (r *Router) handlePresence(c *Classified) error {
	var ev presenceEvent
	if len(c.Payload) > 0 {
		// Presence payloads are broker-generated; tolerate any shape
		_ = json.Unmarshal(c.Payload, &ev)
	}

	connected := c.Presence == PresenceConnected
	return r.devices.SetConnectivity(c.DeviceUUID, connected, ev.IPAddress)
}

func sortedKeys(m map[string]*models.PhaseData) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion order of a Go map is not stable; phase records are always
	// emitted in a..c order
	sort.Strings(keys)
	return keys
}
