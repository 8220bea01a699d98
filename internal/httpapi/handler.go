package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/models"
	"github.com/mian7535/msm/internal/mqtt"
	"github.com/mian7535/msm/internal/protocol"
)

// ProtocolService the aggregator surface behind the pull endpoints
type ProtocolService interface {
	Aggregate(ctx context.Context, q *protocol.Query) (*protocol.DeviceSnapshot, error)
	WindowedAverages(ctx context.Context, deviceUUID string, channelID int) ([]models.TelemetryRecord, error)
}

// TelemetryReader latest-per-phase pulls
type TelemetryReader interface {
	LatestPerPhase(deviceUUID string) ([]models.TelemetryRecord, error)
}

// ConfigWriter desired-configuration upserts
type ConfigWriter interface {
	UpsertBrokerConfig(cfg *models.BrokerConfig) error
	UpsertTimeSyncConfig(cfg *models.TimeSyncConfig, dataJSON []byte) error
	UpsertFileTransferConfig(cfg *models.FileTransferConfig) error
}

// CadenceNotifier tells the scheduler a device's cadence changed
type CadenceNotifier interface {
	NotifyChange(deviceUUID string)
}

// WSUpgrader the dashboard websocket entry point
type WSUpgrader interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Handler the HTTP surface: protocol pulls, telemetry pulls,
// config upserts and device commands
type Handler struct {
	mux         *http.ServeMux
	protocols   ProtocolService
	telemetry   TelemetryReader
	configs     ConfigWriter
	scheduler   CadenceNotifier
	publisher   mqtt.Publisher
	ws          WSUpgrader
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewHandler creates and wires the HTTP handler
func NewHandler(
	protocols ProtocolService,
	telemetry TelemetryReader,
	configs ConfigWriter,
	scheduler CadenceNotifier,
	publisher mqtt.Publisher,
	ws WSUpgrader,
	topicPrefix string,
	qos byte,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		mux:         http.NewServeMux(),
		protocols:   protocols,
		telemetry:   telemetry,
		configs:     configs,
		scheduler:   scheduler,
		publisher:   publisher,
		ws:          ws,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
	h.routes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	h.mux.HandleFunc("/api/protocols/", h.handleProtocols)
	h.mux.HandleFunc("/api/telemetry/", h.handleTelemetry)
	h.mux.HandleFunc("/api/devices/", h.handleDeviceCommand)
	h.mux.HandleFunc("/api/configs/", h.handleConfigs)
	if h.ws != nil {
		h.mux.HandleFunc("/ws", h.ws.ServeWS)
	}
}

// handleProtocols GET /api/protocols/{device_uuid}
// Query params: limit, timezone, range_value, range_unit, ranked,
// or explicit startTime/endTime (RFC3339)
func (h *Handler) handleProtocols(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	deviceUUID := strings.TrimPrefix(r.URL.Path, "/api/protocols/")
	if deviceUUID == "" || strings.Contains(deviceUUID, "/") {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	query := &protocol.Query{
		DeviceUUID: deviceUUID,
		Limit:      parseInt(r.URL.Query().Get("limit"), 0),
		Timezone:   r.URL.Query().Get("timezone"),
		Ranked:     r.URL.Query().Get("ranked") == "true",
	}

	if rv := r.URL.Query().Get("range_value"); rv != "" {
		rangeDur, err := parseRange(rv, r.URL.Query().Get("range_unit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.Range = rangeDur
	}

	if st := r.URL.Query().Get("startTime"); st != "" {
		start, err := time.Parse(time.RFC3339, st)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid startTime")
			return
		}
		query.Start = &start
	}
	if et := r.URL.Query().Get("endTime"); et != "" {
		end, err := time.Parse(time.RFC3339, et)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endTime")
			return
		}
		query.End = &end
	}

	snapshot, err := h.protocols.Aggregate(r.Context(), query)
	if err != nil {
		h.logger.Error("Protocol aggregation failed",
			zap.String("device_uuid", deviceUUID),
			zap.Error(err),
		)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeSuccess(w, http.StatusOK, snapshot)
}

// handleTelemetry GET /api/telemetry/{device_uuid} and
// GET /api/telemetry/{device_uuid}/channel/{id}
func (h *Handler) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/telemetry/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		records, err := h.telemetry.LatestPerPhase(parts[0])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeSuccess(w, http.StatusOK, records)

	case len(parts) == 3 && parts[1] == "channel":
		channelID := parseInt(parts[2], 0)
		if channelID < 1 {
			writeError(w, http.StatusBadRequest, "invalid channel id")
			return
		}
		records, err := h.protocols.WindowedAverages(r.Context(), parts[0], channelID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeSuccess(w, http.StatusOK, records)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleDeviceCommand POST /api/devices/{device_uuid}/reboot
func (h *Handler) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "reboot" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	deviceUUID := parts[0]

	command := map[string]any{
		"device_uuid": deviceUUID,
		"data":        []map[string]any{{"command": true}},
	}

	topic := fmt.Sprintf("%s/%s/reboot", h.topicPrefix, deviceUUID)
	if err := h.publisher.PublishJSON(topic, h.qos, command); err != nil {
		h.logger.Error("Failed to publish reboot command",
			zap.String("device_uuid", deviceUUID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "failed to send reboot command")
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"device_uuid": deviceUUID,
		"topic":       topic,
	})
}

// handleConfigs PUT /api/configs/{mqtt|ntp|sftp}/{device_uuid}
// Persists the desired config, publishes it to the device's command topic
// and, for broker configs, notifies the scheduler of the cadence change.
func (h *Handler) handleConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/configs/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	subsystem, deviceUUID := parts[0], parts[1]

	switch subsystem {
	case "mqtt":
		h.upsertBrokerConfig(w, r, deviceUUID)
	case "ntp":
		h.upsertTimeSyncConfig(w, r, deviceUUID)
	case "sftp":
		h.upsertFileTransferConfig(w, r, deviceUUID)
	default:
		writeError(w, http.StatusNotFound, "unknown subsystem")
	}
}

func (h *Handler) upsertBrokerConfig(w http.ResponseWriter, r *http.Request, deviceUUID string) {
	var cfg models.BrokerConfig
	if err := readBodyJSON(r, 64*1024, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	cfg.DeviceUUID = deviceUUID

	if cfg.DataInterval <= 0 {
		writeError(w, http.StatusBadRequest, "data_interval must be positive")
		return
	}

	if err := h.configs.UpsertBrokerConfig(&cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.publishConfig(deviceUUID, "mqtt", cfg)
	h.scheduler.NotifyChange(deviceUUID)

	writeSuccess(w, http.StatusOK, cfg)
}

func (h *Handler) upsertTimeSyncConfig(w http.ResponseWriter, r *http.Request, deviceUUID string) {
	var cfg models.TimeSyncConfig
	if err := readBodyJSON(r, 64*1024, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	cfg.DeviceUUID = deviceUUID

	dataJSON, err := json.Marshal(cfg.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid data map")
		return
	}

	if err := h.configs.UpsertTimeSyncConfig(&cfg, dataJSON); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.publishConfig(deviceUUID, "ntp", cfg)

	writeSuccess(w, http.StatusOK, cfg)
}

func (h *Handler) upsertFileTransferConfig(w http.ResponseWriter, r *http.Request, deviceUUID string) {
	var cfg models.FileTransferConfig
	if err := readBodyJSON(r, 64*1024, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	cfg.DeviceUUID = deviceUUID

	if err := h.configs.UpsertFileTransferConfig(&cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.publishConfig(deviceUUID, "sftp", cfg)

	writeSuccess(w, http.StatusOK, cfg)
}

// publishConfig pushes the desired config to the device's command topic as
// {device_uuid, data:[<config object>]}. Best-effort: the device re-reports
// the applied config on its acknowledgement topic.
func (h *Handler) publishConfig(deviceUUID, topicType string, cfg any) {
	command := map[string]any{
		"device_uuid": deviceUUID,
		"data":        []any{cfg},
	}

	topic := fmt.Sprintf("%s/%s/%s", h.topicPrefix, deviceUUID, topicType)
	if err := h.publisher.PublishJSON(topic, h.qos, command); err != nil {
		h.logger.Warn("Failed to publish config command",
			zap.String("device_uuid", deviceUUID),
			zap.String("topic_type", topicType),
			zap.Error(err),
		)
	}
}

// parseRange converts range_value/range_unit query params to a duration
func parseRange(value, unit string) (time.Duration, error) {
	n := parseInt(value, 0)
	if n <= 0 {
		return 0, fmt.Errorf("invalid range_value %q", value)
	}

	switch unit {
	case "", "hour", "hours":
		return time.Duration(n) * time.Hour, nil
	case "minute", "minutes":
		return time.Duration(n) * time.Minute, nil
	case "day", "days":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid range_unit %q", unit)
	}
}
