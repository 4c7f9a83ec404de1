package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	mb "github.com/mouse256/alfen-mqtt/internal/adapter/modbus"
	"github.com/mouse256/alfen-mqtt/internal/adapter/mqtt"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/service"
	"github.com/rs/zerolog"
)

// Runtime is the part of the service runtime the REST layer needs.
type Runtime interface {
	Points() []*domain.Point
	Read(key domain.PointKey) (domain.StateEntry, bool)
	SnapshotAll() map[domain.PointKey]domain.StateEntry
	Devices() []*domain.Device
	DeviceStatuses() []mb.DeviceStatus
	Jobs() []service.JobStatus
	Stats() service.RuntimeStats
	Submit(ctx context.Context, key domain.PointKey, value interface{}, source string) (*domain.Command, error)
	Load(ctx context.Context, devices []*domain.Device) (*service.Generation, error)
}

// DeviceLoader reads the device configuration for a reload.
type DeviceLoader func() ([]*domain.Device, error)

// TopicTracker provides a runtime view of recently published topics.
// Implemented by the MQTT publisher.
type TopicTracker interface {
	ActiveTopics(limit int) []mqtt.TopicStat
}

// APIHandler serves the REST endpoints.
type APIHandler struct {
	runtime      Runtime
	loadDevices  DeviceLoader
	topics       mqtt.Topics
	topicTracker TopicTracker
	logger       zerolog.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(runtime Runtime, loadDevices DeviceLoader, topics mqtt.Topics, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		runtime:     runtime,
		loadDevices: loadDevices,
		topics:      topics,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// SetTopicTracker wires in a runtime topic tracker (optional).
func (h *APIHandler) SetTopicTracker(tracker TopicTracker) {
	h.topicTracker = tracker
}

// PointView is a point definition joined with its cached state.
type PointView struct {
	Key       domain.PointKey `json:"key"`
	DeviceID  string          `json:"device_id"`
	PointID   string          `json:"point_id"`
	Name      string          `json:"name"`
	DataType  domain.DataType `json:"data_type"`
	Unit      string          `json:"unit,omitempty"`
	Writable  bool            `json:"writable"`
	Value     interface{}     `json:"value"`
	Quality   domain.Quality  `json:"quality"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Topic     string          `json:"topic"`
}

func (h *APIHandler) view(p *domain.Point) PointView {
	v := PointView{
		Key:      p.Key(),
		DeviceID: p.DeviceID,
		PointID:  p.ID,
		Name:     p.DisplayName(),
		DataType: p.Template.DataType,
		Unit:     p.Unit,
		Writable: p.Writable,
		Quality:  domain.QualityUnknown,
		Topic:    h.topics.State(p.Key()),
	}
	if entry, ok := h.runtime.Read(p.Key()); ok {
		v.Value = entry.Value
		v.Quality = entry.Quality
		v.Timestamp = entry.Timestamp
	}
	return v
}

// GetPointsHandler lists every configured point with its current value.
func (h *APIHandler) GetPointsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	points := h.runtime.Points()
	views := make([]PointView, 0, len(points))
	for _, p := range points {
		if device := r.URL.Query().Get("device"); device != "" && p.DeviceID != device {
			continue
		}
		views = append(views, h.view(p))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPointValueHandler returns the cached entry of one point. The id query
// parameter is the "<device>/<point>" key.
func (h *APIHandler) GetPointValueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "point id is required")
		return
	}

	entry, ok := h.runtime.Read(domain.PointKey(id))
	if !ok {
		writeError(w, http.StatusNotFound, "point not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetSnapshotHandler returns every cached entry ordered by key.
func (h *APIHandler) GetSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snapshot := h.runtime.SnapshotAll()
	entries := make([]domain.StateEntry, 0, len(snapshot))
	for _, e := range snapshot {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	writeJSON(w, http.StatusOK, entries)
}

// DeviceView is a device definition together with its connection status.
type DeviceView struct {
	*domain.Device
	Status *mb.DeviceStatus `json:"status,omitempty"`
}

// GetDevicesHandler returns the live devices with their connection status.
func (h *APIHandler) GetDevicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	statuses := make(map[string]mb.DeviceStatus)
	for _, st := range h.runtime.DeviceStatuses() {
		statuses[st.DeviceID] = st
	}

	devices := h.runtime.Devices()
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		if id := r.URL.Query().Get("id"); id != "" && d.ID != id {
			continue
		}
		v := DeviceView{Device: d}
		if st, ok := statuses[d.ID]; ok {
			v.Status = &st
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	writeJSON(w, http.StatusOK, views)
}

// GetJobsHandler returns the poll jobs of the live generation.
func (h *APIHandler) GetJobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobs := h.runtime.Jobs()
	if jobs == nil {
		jobs = []service.JobStatus{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetStatsHandler returns runtime statistics.
func (h *APIHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, h.runtime.Stats())
}

// CommandRequest is the body of POST /api/commands. The target is either
// Point ("<device>/<point>") or DeviceID plus PointID.
type CommandRequest struct {
	Point    string      `json:"point,omitempty"`
	DeviceID string      `json:"device_id,omitempty"`
	PointID  string      `json:"point_id,omitempty"`
	Value    interface{} `json:"value"`
}

func (c CommandRequest) key() (domain.PointKey, error) {
	switch {
	case c.DeviceID != "" && c.PointID != "":
		return domain.NewPointKey(c.DeviceID, c.PointID), nil
	case c.Point != "":
		return domain.PointKey(c.Point), nil
	default:
		return "", errors.New("point or device_id and point_id are required")
	}
}

// CreateCommandHandler submits a write through the runtime and reports the
// resolved command.
func (h *APIHandler) CreateCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to decode command")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := req.key()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	cmd, err := h.runtime.Submit(r.Context(), key, req.Value, "rest")
	if err != nil {
		h.logger.Info().Err(err).Str("point", string(key)).Msg("REST command failed")
	}
	writeJSON(w, commandStatus(cmd, err), cmd)
}

func commandStatus(cmd *domain.Command, err error) int {
	switch {
	case err == nil && cmd.State == domain.CommandApplied:
		return http.StatusOK
	case errors.Is(err, domain.ErrCommandUnroutable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrWritesDisabled):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrCommandTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// ReloadResponse reports the generation that went live.
type ReloadResponse struct {
	Generation uint64 `json:"generation"`
	Devices    int    `json:"devices"`
}

// ReloadHandler rereads the device configuration and swaps the generation.
func (h *APIHandler) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	devices, err := h.loadDevices()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to load device configuration")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid device configuration: %v", err))
		return
	}
	// Draining the old generation must not be cut short by the client going
	// away; the runtime bounds it with its own drain timeout.
	gen, err := h.runtime.Load(context.WithoutCancel(r.Context()), devices)
	if err != nil {
		h.logger.Error().Err(err).Msg("Reload failed")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ReloadResponse{Generation: gen.ID, Devices: len(gen.Devices)})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
