package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/logger"
	"github.com/fbn/imgrec/overlay-server/internal/metrics"
	"github.com/fbn/imgrec/overlay-server/internal/playback"
	"github.com/fbn/imgrec/overlay-server/internal/tracking"
	"github.com/fbn/imgrec/overlay-server/pkg/wire"
)

// SerializedEvent holds pre-serialized event data in every transport format.
type SerializedEvent struct {
	JSONData     []byte // JSON format
	ProtobufData []byte // Base64-encoded protobuf for SSE
	Raw          []byte // Protobuf bytes for binary transports
}

// fanout delivers events to subscriber channels, dropping events for
// subscribers whose buffer is full.
type fanout struct {
	name    string
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	stopped bool
}

func newFanout(name string, m *metrics.Metrics) *fanout {
	return &fanout{
		name:    name,
		metrics: m,
		clients: make(map[int]chan *SerializedEvent),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
// The channel is closed immediately when the fanout has stopped.
func (f *fanout) Subscribe() (int, <-chan *SerializedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan *SerializedEvent, 4)
	if f.stopped {
		close(ch)
		return id, ch
	}
	f.clients[id] = ch

	logger.Debug(f.name, "Client #%d subscribed (total clients: %d)", id, len(f.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (f *fanout) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
		logger.Debug(f.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(f.clients))
	}
}

// ClientCount returns the number of subscribers.
func (f *fanout) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fanout) broadcast(event *SerializedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.clients {
		select {
		case ch <- event:
		default:
			if f.metrics != nil {
				f.metrics.EventsDropped.Add(1)
			}
			logger.Debug(f.name, "Client #%d is slow, dropping event", id)
		}
	}
}

func (f *fanout) stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return false
	}
	f.stopped = true
	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
	}
	return true
}

// OverlayBroadcaster serializes session snapshots once and fans them out to
// SSE and websocket subscribers and to binary sinks such as WebRTC.
type OverlayBroadcaster struct {
	*fanout

	sinkMu sync.RWMutex
	sinks  []func([]byte)
}

// NewOverlayBroadcaster creates a broadcaster for overlay snapshots.
func NewOverlayBroadcaster(m *metrics.Metrics) *OverlayBroadcaster {
	return &OverlayBroadcaster{fanout: newFanout("OverlayBroadcaster", m)}
}

// AddSink registers fn to receive the protobuf encoding of every event.
// fn is called synchronously and must not block.
func (ob *OverlayBroadcaster) AddSink(fn func([]byte)) {
	ob.sinkMu.Lock()
	ob.sinks = append(ob.sinks, fn)
	ob.sinkMu.Unlock()
}

// Publish serializes snap and delivers it. It never blocks on slow clients.
func (ob *OverlayBroadcaster) Publish(snap playback.Snapshot) {
	event, err := SerializeSnapshot(snap)
	if err != nil {
		logger.Error("OverlayBroadcaster", "Serialize error: %v", err)
		return
	}

	ob.broadcast(event)

	ob.sinkMu.RLock()
	defer ob.sinkMu.RUnlock()
	for _, sink := range ob.sinks {
		sink(event.Raw)
	}
}

// Stop closes every subscriber channel. Later subscribers get a closed channel.
func (ob *OverlayBroadcaster) Stop() {
	if ob.stop() {
		logger.Info("OverlayBroadcaster", "Stopped")
	}
}

// SerializeSnapshot encodes snap as JSON and protobuf.
func SerializeSnapshot(snap playback.Snapshot) (*SerializedEvent, error) {
	if snap.Detections == nil {
		snap.Detections = []tracking.DisplayedDetection{}
	}
	jsonData, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	raw := wire.Marshal(toWireEvent(snap))
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(raw)),
		Raw:          raw,
	}, nil
}

func toWireEvent(snap playback.Snapshot) *wire.OverlayEvent {
	event := &wire.OverlayEvent{
		SessionID:  snap.SessionID,
		FrameIndex: int64(snap.FrameIndex),
		MediaTime:  snap.MediaTime,
		Detections: make([]wire.Detection, 0, len(snap.Detections)),
	}
	for _, d := range snap.Detections {
		event.Detections = append(event.Detections, wire.Detection{
			ID:         d.DetectionID,
			ClassName:  d.Source.ClassName,
			Confidence: d.Source.Confidence,
			Rect: wire.Rect{
				Width:  d.Rect.Width,
				Height: d.Rect.Height,
				Left:   d.Rect.Left,
				Bottom: d.Rect.Bottom,
			},
			Color:    d.Color,
			Opacity:  d.Opacity,
			Enlarged: d.Enlarged,
		})
	}
	return event
}

// StatusBroadcaster periodically publishes monitor status to SSE clients.
type StatusBroadcaster struct {
	*fanout

	monitor  *Monitor
	interval time.Duration
	extra    func(*MonitorStats)
	done     chan struct{}
	once     sync.Once
}

// NewStatusBroadcaster creates a broadcaster for status events. extra, when
// set, fills in stats the monitor does not track itself.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration, extra func(*MonitorStats)) *StatusBroadcaster {
	return &StatusBroadcaster{
		fanout:   newFanout("StatusBroadcaster", nil),
		monitor:  monitor,
		interval: interval,
		extra:    extra,
		done:     make(chan struct{}),
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster and closes every subscriber channel.
func (sb *StatusBroadcaster) Stop() {
	sb.once.Do(func() {
		close(sb.done)
		sb.stop()
	})
}

func (sb *StatusBroadcaster) run() {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.done:
			return
		case <-ticker.C:
			if sb.ClientCount() == 0 {
				continue
			}
			event, err := sb.serialize()
			if err != nil {
				logger.Error("StatusBroadcaster", "JSON marshal error: %v", err)
				continue
			}
			sb.broadcast(event)
		}
	}
}

func (sb *StatusBroadcaster) serialize() (*SerializedEvent, error) {
	data, err := json.Marshal(statusPayload(sb.monitor, sb.extra))
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{JSONData: data}, nil
}

func statusPayload(monitor *Monitor, extra func(*MonitorStats)) map[string]any {
	stats, session, latest, history := monitor.Snapshot()
	if extra != nil {
		extra(&stats)
	}
	return map[string]any{
		"monitor":         stats,
		"session":         session,
		"latest_overlay":  latest,
		"overlay_history": history,
		"uptime_seconds":  monitor.Uptime().Seconds(),
		"timestamp":       float64(time.Now().Unix()),
	}
}
