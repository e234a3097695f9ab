package handler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/smart-fridge/internal/adapter/platform"
	"github.com/rl1809/smart-fridge/internal/config"
	"github.com/rl1809/smart-fridge/internal/core/domain"
)

// DeviceRecord is what the platform knows about a connected cabinet.
type DeviceRecord struct {
	DeviceID  string    `json:"device_id"`
	Version   string    `json:"version"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// GRPCHandler is a reference platform backend. It keeps everything in memory
// and stores pushed items at most once per item id.
type GRPCHandler struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	devices  map[string]*DeviceRecord
	statuses map[string]domain.TelemetryItem
	items    map[string]map[domain.TelemetryKind][]domain.TelemetryItem
	seen     map[string]struct{}
	deltas   map[string]map[string]interface{}
	manifest *domain.OTAManifest
}

func NewGRPCHandler(logger *slog.Logger) *GRPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCHandler{
		logger:   logger,
		now:      time.Now,
		devices:  make(map[string]*DeviceRecord),
		statuses: make(map[string]domain.TelemetryItem),
		items:    make(map[string]map[domain.TelemetryKind][]domain.TelemetryItem),
		seen:     make(map[string]struct{}),
		deltas:   make(map[string]map[string]interface{}),
	}
}

var _ platform.PlatformServer = (*GRPCHandler)(nil)

func reply(resp platform.Response) (*structpb.Struct, error) {
	if resp.Status == "" {
		resp.Status = platform.StatusSuccess
	}
	return platform.EncodeStruct(resp)
}

func rejected(message string) (*structpb.Struct, error) {
	return platform.EncodeStruct(platform.Response{Status: "error", Message: message})
}

func (h *GRPCHandler) touch(deviceID, version string) {
	now := h.now()
	rec, ok := h.devices[deviceID]
	if !ok {
		rec = &DeviceRecord{DeviceID: deviceID, FirstSeen: now}
		h.devices[deviceID] = rec
	}
	if version != "" {
		rec.Version = version
	}
	rec.LastSeen = now
}

func (h *GRPCHandler) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in platform.ConnectRequest
	if err := platform.DecodeStruct(req, &in); err != nil {
		return nil, err
	}
	if in.DeviceID == "" {
		return rejected("device_id is required")
	}

	h.mu.Lock()
	h.touch(in.DeviceID, in.Version)
	h.mu.Unlock()

	h.logger.Info("Device connected", "device_id", in.DeviceID, "version", in.Version)
	return reply(platform.Response{Message: "connected"})
}

func (h *GRPCHandler) Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in platform.HeartbeatRequest
	if err := platform.DecodeStruct(req, &in); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.devices[in.DeviceID]; !ok {
		return rejected("device not connected")
	}
	h.touch(in.DeviceID, "")
	return reply(platform.Response{})
}

func (h *GRPCHandler) PushStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in platform.StatusRequest
	if err := platform.DecodeStruct(req, &in); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.touch(in.DeviceID, "")
	h.statuses[in.DeviceID] = in.Item
	h.mu.Unlock()

	return reply(platform.Response{Accepted: 1})
}

func (h *GRPCHandler) PushBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in platform.BatchRequest
	if err := platform.DecodeStruct(req, &in); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.touch(in.DeviceID, "")
	kinds, ok := h.items[in.DeviceID]
	if !ok {
		kinds = make(map[domain.TelemetryKind][]domain.TelemetryItem)
		h.items[in.DeviceID] = kinds
	}
	accepted := 0
	for _, item := range in.Items {
		if _, dup := h.seen[item.ID]; dup {
			continue
		}
		h.seen[item.ID] = struct{}{}
		kinds[in.Kind] = append(kinds[in.Kind], item)
		accepted++
	}
	h.mu.Unlock()

	h.logger.Debug("Batch received",
		"device_id", in.DeviceID,
		"kind", in.Kind,
		"items", len(in.Items),
		"accepted", accepted,
	)
	return reply(platform.Response{Accepted: accepted})
}

func (h *GRPCHandler) PullConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in platform.ConfigRequest
	if err := platform.DecodeStruct(req, &in); err != nil {
		return nil, err
	}

	h.mu.Lock()
	delta := h.deltas[in.DeviceID]
	delete(h.deltas, in.DeviceID)
	h.mu.Unlock()

	return reply(platform.Response{Config: delta})
}

func (h *GRPCHandler) PullOTAManifest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in platform.OTARequest
	if err := platform.DecodeStruct(req, &in); err != nil {
		return nil, err
	}

	h.mu.RLock()
	m := h.manifest
	h.mu.RUnlock()

	out := domain.OTAManifest{Version: in.Version}
	if m != nil && m.Version != in.Version {
		out = *m
		out.HasUpdate = true
	}
	return reply(platform.Response{Manifest: &out})
}

// SetConfigDelta queues a partial config update for the device's next pull.
// Successive deltas merge by dotted path, last write wins.
func (h *GRPCHandler) SetConfigDelta(deviceID string, delta map[string]interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	pending, ok := h.deltas[deviceID]
	if !ok {
		pending = make(map[string]interface{}, len(delta))
	}
	if err := config.Merge(pending, delta); err != nil {
		return err
	}
	h.deltas[deviceID] = pending
	return nil
}

// SetManifest publishes a firmware release to every device.
func (h *GRPCHandler) SetManifest(m domain.OTAManifest) {
	h.mu.Lock()
	h.manifest = &m
	h.mu.Unlock()
}

func (h *GRPCHandler) Items(deviceID string, kind domain.TelemetryKind) []domain.TelemetryItem {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]domain.TelemetryItem(nil), h.items[deviceID][kind]...)
}

func (h *GRPCHandler) LatestStatus(deviceID string) (domain.TelemetryItem, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	item, ok := h.statuses[deviceID]
	return item, ok
}

func (h *GRPCHandler) Devices() []DeviceRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(h.devices))
	for _, rec := range h.devices {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
