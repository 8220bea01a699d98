package consumer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
)

type fakeTelemetryStore struct {
	records   []*models.TelemetryRecord
	insertErr error
	nextID    int64
}

func (f *fakeTelemetryStore) Insert(rec *models.TelemetryRecord) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.nextID++
	f.records = append(f.records, rec)
	return f.nextID, nil
}

type connectivityCall struct {
	deviceUUID string
	connected  bool
	remoteAddr *string
}

type fakeDeviceStore struct {
	upsertCreated bool
	upsertErr     error
	appendErr     error
	upserts       []string
	touched       []string
	connectivity  []connectivityCall
	reboots       []*models.RebootEvent
}

func (f *fakeDeviceStore) UpsertInfo(deviceUUID string, imei, ip *string, mqttStatus, sftpStatus bool) (bool, error) {
	if f.upsertErr != nil {
		return false, f.upsertErr
	}
	f.upserts = append(f.upserts, deviceUUID)
	return f.upsertCreated, nil
}

func (f *fakeDeviceStore) TouchOnline(deviceUUID string) error {
	f.touched = append(f.touched, deviceUUID)
	return nil
}

func (f *fakeDeviceStore) SetConnectivity(deviceUUID string, connected bool, remoteAddr *string) error {
	f.connectivity = append(f.connectivity, connectivityCall{deviceUUID, connected, remoteAddr})
	return nil
}

func (f *fakeDeviceStore) AppendRebootEvent(ev *models.RebootEvent) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.reboots = append(f.reboots, ev)
	return nil
}

type reportedCall struct {
	deviceUUID string
	subsystem  string
	reported   []byte
	at         time.Time
}

type fakeConfigStore struct {
	reported    []reportedCall
	reportedErr error
}

func (f *fakeConfigStore) UpsertReported(deviceUUID, subsystem string, reported []byte, at time.Time) error {
	if f.reportedErr != nil {
		return f.reportedErr
	}
	f.reported = append(f.reported, reportedCall{deviceUUID, subsystem, reported, at})
	return nil
}

type fakeDashboardStore struct {
	ensured   []string
	ensureErr error
}

func (f *fakeDashboardStore) EnsureDefault(deviceUUID string) error {
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensured = append(f.ensured, deviceUUID)
	return nil
}

type emission struct {
	event string
	data  interface{}
}

type fakeBus struct {
	global []emission
	scoped []emission
}

func (f *fakeBus) Broadcast(event string, data interface{}) {
	f.global = append(f.global, emission{event, data})
}

func (f *fakeBus) BroadcastScoped(event string, data interface{}) {
	f.scoped = append(f.scoped, emission{event, data})
}

type mirrorCall struct {
	deviceUUID string
	topicType  string
	message    json.RawMessage
}

type fakeMirror struct {
	calls []mirrorCall
}

func (f *fakeMirror) Mirror(deviceUUID, topicType string, message json.RawMessage) {
	f.calls = append(f.calls, mirrorCall{deviceUUID, topicType, message})
}

type routerFixture struct {
	router     *Router
	telemetry  *fakeTelemetryStore
	devices    *fakeDeviceStore
	configs    *fakeConfigStore
	dashboards *fakeDashboardStore
	bus        *fakeBus
	mirror     *fakeMirror
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	f := &routerFixture{
		telemetry:  &fakeTelemetryStore{},
		devices:    &fakeDeviceStore{},
		configs:    &fakeConfigStore{},
		dashboards: &fakeDashboardStore{},
		bus:        &fakeBus{},
		mirror:     &fakeMirror{},
	}
	f.router = NewRouter(
		testTopicConfig(),
		f.telemetry,
		f.devices,
		f.configs,
		f.dashboards,
		f.bus,
		f.mirror,
		zap.NewNop(),
	)
	f.router.now = func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return f
}

func TestRouter_TelemetrySinglePhase(t *testing.T) {
	f := newRouterFixture(t)

	payload := []byte(`{
		"device_uuid": "D1",
		"timestamp": "2024-06-01T12:00:00Z",
		"channels": [{
			"ID": 1,
			"status": true,
			"data": {
				"phase_a": {
					"general": {"line_voltage": 230, "current": 5},
					"power": {"factor": 0.9, "active": 1000}
				}
			}
		}]
	}`)

	err := f.router.HandleMessage("msm/D1/telemetry", payload)
	require.NoError(t, err)

	require.Len(t, f.telemetry.records, 1)
	rec := f.telemetry.records[0]
	require.Equal(t, "D1", rec.DeviceUUID)
	require.Equal(t, 1, rec.ChannelID)
	require.Equal(t, "a", rec.Phase)
	require.True(t, rec.ChannelStatus)

	require.NotNil(t, rec.LineVoltage)
	require.Equal(t, 230.0, *rec.LineVoltage)
	require.NotNil(t, rec.Current)
	require.Equal(t, 5.0, *rec.Current)
	require.NotNil(t, rec.PowerFactor)
	require.Equal(t, 0.9, *rec.PowerFactor)
	require.NotNil(t, rec.ActivePower)
	require.Equal(t, 1000.0, *rec.ActivePower)

	// Fields absent from the payload stay nil, never zero
	require.Nil(t, rec.RMSVoltage)
	require.Nil(t, rec.Frequency)
	require.Nil(t, rec.ReactivePower)
	require.Nil(t, rec.ApparentPower)
	require.Nil(t, rec.ActiveEnergyPositive)
	require.Nil(t, rec.Temperature)

	// One global plus one device+channel scoped emission per record
	require.Len(t, f.bus.global, 1)
	require.Equal(t, "telemetry", f.bus.global[0].event)
	require.Len(t, f.bus.scoped, 1)
	require.Equal(t, "telemetry:D1:channel:1", f.bus.scoped[0].event)

	// Successful handling is mirrored to the shadow
	require.Len(t, f.mirror.calls, 1)
	require.Equal(t, "D1", f.mirror.calls[0].deviceUUID)
	require.Equal(t, "telemetry", f.mirror.calls[0].topicType)
}

func TestRouter_TelemetryThreePhasesInOrder(t *testing.T) {
	f := newRouterFixture(t)

	payload := []byte(`{
		"device_uuid": "D1",
		"timestamp": "2024-06-01T12:00:00Z",
		"channels": [{
			"ID": 3,
			"status": true,
			"temperature": 41.5,
			"data": {
				"phase_c": {"general": {"current": 3}},
				"phase_a": {"general": {"current": 1}},
				"phase_b": {"general": {"current": 2}}
			}
		}]
	}`)

	err := f.router.HandleMessage("msm/D1/telemetry", payload)
	require.NoError(t, err)

	require.Len(t, f.telemetry.records, 3)
	// Map iteration order never leaks out; phases are emitted a, b, c
	require.Equal(t, "a", f.telemetry.records[0].Phase)
	require.Equal(t, "b", f.telemetry.records[1].Phase)
	require.Equal(t, "c", f.telemetry.records[2].Phase)
	for i, rec := range f.telemetry.records {
		require.Equal(t, float64(i+1), *rec.Current)
		require.Equal(t, 41.5, *rec.Temperature)
		require.Equal(t, 3, rec.ChannelID)
	}

	require.Len(t, f.bus.global, 3)
	require.Len(t, f.bus.scoped, 3)
	require.Equal(t, "telemetry:D1:channel:3", f.bus.scoped[0].event)
}

func TestRouter_TelemetryOnlyFirstChannel(t *testing.T) {
	f := newRouterFixture(t)

	payload := []byte(`{
		"device_uuid": "D1",
		"timestamp": "2024-06-01T12:00:00Z",
		"channels": [
			{"ID": 1, "status": true, "data": {"phase_a": {"general": {"current": 1}}}},
			{"ID": 2, "status": true, "data": {"phase_a": {"general": {"current": 99}}}}
		]
	}`)

	err := f.router.HandleMessage("msm/D1/telemetry", payload)
	require.NoError(t, err)

	require.Len(t, f.telemetry.records, 1)
	require.Equal(t, 1, f.telemetry.records[0].ChannelID)
}

func TestRouter_TelemetryEmptyChannelsDropped(t *testing.T) {
	f := newRouterFixture(t)

	payload := []byte(`{"device_uuid": "D1", "timestamp": "2024-06-01T12:00:00Z", "channels": []}`)

	err := f.router.HandleMessage("msm/D1/telemetry", payload)
	require.NoError(t, err)

	require.Empty(t, f.telemetry.records)
	require.Empty(t, f.bus.global)
	// Rejected payloads still count as handled, so the shadow still mirrors
	require.Len(t, f.mirror.calls, 1)
}

func TestRouter_TelemetryNonPhaseKeysSkipped(t *testing.T) {
	f := newRouterFixture(t)

	payload := []byte(`{
		"device_uuid": "D1",
		"timestamp": "2024-06-01T12:00:00Z",
		"channels": [{
			"ID": 1,
			"status": true,
			"data": {
				"phase_a": {"general": {"current": 1}},
				"summary": {"general": {"current": 42}},
				"phase_": {"general": {"current": 7}}
			}
		}]
	}`)

	err := f.router.HandleMessage("msm/D1/telemetry", payload)
	require.NoError(t, err)

	require.Len(t, f.telemetry.records, 1)
	require.Equal(t, "a", f.telemetry.records[0].Phase)
}

func TestRouter_TelemetryMalformedPayload(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.HandleMessage("msm/D1/telemetry", []byte("{not json"))
	require.Error(t, err)
	require.Empty(t, f.telemetry.records)
	require.Empty(t, f.mirror.calls)
}

func TestRouter_TelemetryInsertFailureStillBroadcasts(t *testing.T) {
	f := newRouterFixture(t)
	f.telemetry.insertErr = errors.New("connection refused")

	payload := []byte(`{
		"device_uuid": "D1",
		"timestamp": "2024-06-01T12:00:00Z",
		"channels": [{"ID": 1, "status": true, "data": {"phase_a": {"general": {"current": 5}}}}]
	}`)

	err := f.router.HandleMessage("msm/D1/telemetry", payload)
	require.NoError(t, err)

	require.Len(t, f.bus.global, 1)
	require.Len(t, f.bus.scoped, 1)
}

func TestRouter_DeviceMetadataCopiedToRecords(t *testing.T) {
	f := newRouterFixture(t)

	payload := []byte(`{
		"device_uuid": "D1",
		"timestamp": "2024-06-01T12:00:00Z",
		"battery_level": 87,
		"signal_strength": -71,
		"firmware_version": "2.4.1",
		"channels": [{"ID": 1, "status": true, "data": {"phase_a": {"general": {"current": 5}}}}]
	}`)

	err := f.router.HandleMessage("msm/D1/telemetry", payload)
	require.NoError(t, err)

	rec := f.telemetry.records[0]
	require.Equal(t, 87.0, *rec.BatteryLevel)
	require.Equal(t, -71.0, *rec.SignalStrength)
	require.Equal(t, "2.4.1", *rec.FirmwareVersion)
}

func TestRouter_Reboot(t *testing.T) {
	f := newRouterFixture(t)

	payload := []byte(`{"device_uuid": "D1", "status": "success", "timestamp": "2024-05-30T08:00:00Z"}`)

	err := f.router.HandleMessage("msm/D1/reboot", payload)
	require.NoError(t, err)

	require.Len(t, f.devices.reboots, 1)
	ev := f.devices.reboots[0]
	require.Equal(t, "D1", ev.DeviceUUID)
	require.Equal(t, "success", ev.Status)
	require.Equal(t, time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC), ev.Timestamp)
	require.JSONEq(t, string(payload), ev.Response)

	require.Equal(t, []string{"D1"}, f.devices.touched)
	require.Len(t, f.mirror.calls, 1)
}

func TestRouter_RebootWithoutTimestampUsesNow(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.HandleMessage("msm/D1/reboot", []byte(`{"device_uuid": "D1", "status": "ok"}`))
	require.NoError(t, err)

	require.Len(t, f.devices.reboots, 1)
	require.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), f.devices.reboots[0].Timestamp)
}

func TestRouter_RebootPersistFailureStillMirrors(t *testing.T) {
	f := newRouterFixture(t)
	f.devices.appendErr = errors.New("connection refused")

	err := f.router.HandleMessage("msm/D1/reboot", []byte(`{"device_uuid": "D1", "status": "success"}`))
	require.Error(t, err)

	// The shadow reflects what the device said, not what we stored
	require.Len(t, f.mirror.calls, 1)
	require.Equal(t, "reboot", f.mirror.calls[0].topicType)
}

func TestRouter_DeviceInfoCreatesDefaultDashboard(t *testing.T) {
	f := newRouterFixture(t)
	f.devices.upsertCreated = true

	payload := []byte(`{"device_uuid": "D1", "device_imei": "8612345", "mqtt_status": true, "sftp_status": false}`)

	err := f.router.HandleMessage("msm/D1/device_info", payload)
	require.NoError(t, err)

	require.Equal(t, []string{"D1"}, f.devices.upserts)
	require.Equal(t, []string{"D1"}, f.dashboards.ensured)
}

func TestRouter_DeviceInfoExistingDeviceSkipsDashboard(t *testing.T) {
	f := newRouterFixture(t)
	f.devices.upsertCreated = false

	err := f.router.HandleMessage("msm/D1/device_info", []byte(`{"device_uuid": "D1"}`))
	require.NoError(t, err)

	require.Empty(t, f.dashboards.ensured)
}

func TestRouter_DeviceInfoDashboardFailureIsNonFatal(t *testing.T) {
	f := newRouterFixture(t)
	f.devices.upsertCreated = true
	f.dashboards.ensureErr = errors.New("duplicate key")

	err := f.router.HandleMessage("msm/D1/device_info", []byte(`{"device_uuid": "D1"}`))
	require.NoError(t, err)
	require.Len(t, f.mirror.calls, 1)
}

func TestRouter_ConfigAcks(t *testing.T) {
	for _, subsystem := range []string{"ntp", "mqtt", "sftp"} {
		t.Run(subsystem, func(t *testing.T) {
			f := newRouterFixture(t)

			payload := []byte(`{"applied": true}`)
			err := f.router.HandleMessage("msm/D1/"+subsystem, payload)
			require.NoError(t, err)

			require.Len(t, f.configs.reported, 1)
			call := f.configs.reported[0]
			require.Equal(t, "D1", call.deviceUUID)
			require.Equal(t, subsystem, call.subsystem)
			require.JSONEq(t, `{"applied": true}`, string(call.reported))

			require.Equal(t, []string{"D1"}, f.devices.touched)
			require.Len(t, f.mirror.calls, 1)
			require.Equal(t, subsystem, f.mirror.calls[0].topicType)
		})
	}
}

func TestRouter_ConfigAckRejectsInvalidJSON(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.HandleMessage("msm/D1/ntp", []byte("not json"))
	require.Error(t, err)
	require.Empty(t, f.configs.reported)
	require.Empty(t, f.mirror.calls)
}

func TestRouter_ConfigAckPersistFailureStillMirrors(t *testing.T) {
	f := newRouterFixture(t)
	f.configs.reportedErr = errors.New("connection refused")

	err := f.router.HandleMessage("msm/D1/ntp", []byte(`{"applied": true}`))
	require.Error(t, err)
	require.Len(t, f.mirror.calls, 1)
	require.Equal(t, "ntp", f.mirror.calls[0].topicType)
}

func TestRouter_Protocols(t *testing.T) {
	f := newRouterFixture(t)

	payload := []byte(`{"modbus": {"enabled": true}}`)
	err := f.router.HandleMessage("msm/D1/protocols", payload)
	require.NoError(t, err)

	require.Len(t, f.bus.global, 1)
	require.Equal(t, "protocols", f.bus.global[0].event)
	require.Len(t, f.bus.scoped, 1)
	require.Equal(t, "protocols:D1", f.bus.scoped[0].event)
	require.Equal(t, []string{"D1"}, f.devices.touched)
}

func TestRouter_Presence(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.HandleMessage("$aws/events/presence/connected/D1", []byte(`{"ipAddress": "10.0.0.7"}`))
	require.NoError(t, err)

	err = f.router.HandleMessage("$aws/events/presence/disconnected/D2", nil)
	require.NoError(t, err)

	require.Len(t, f.devices.connectivity, 2)
	require.Equal(t, "D1", f.devices.connectivity[0].deviceUUID)
	require.True(t, f.devices.connectivity[0].connected)
	require.NotNil(t, f.devices.connectivity[0].remoteAddr)
	require.Equal(t, "10.0.0.7", *f.devices.connectivity[0].remoteAddr)

	require.Equal(t, "D2", f.devices.connectivity[1].deviceUUID)
	require.False(t, f.devices.connectivity[1].connected)
	require.Nil(t, f.devices.connectivity[1].remoteAddr)
}

func TestRouter_ShadowEchoIgnored(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.HandleMessage("$aws/things/D1/shadow/update", []byte(`{"state": {}}`))
	require.NoError(t, err)

	require.Empty(t, f.telemetry.records)
	require.Empty(t, f.mirror.calls)
	require.Empty(t, f.bus.global)
}

func TestRouter_UnknownTopicDropped(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.HandleMessage("msm/D1/unrecognized", []byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, f.mirror.calls)
}
