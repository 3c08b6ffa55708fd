package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/detection"
	"github.com/fbn/imgrec/overlay-server/internal/geometry"
	"github.com/fbn/imgrec/overlay-server/internal/inference"
	"github.com/fbn/imgrec/overlay-server/internal/logger"
	"github.com/fbn/imgrec/overlay-server/internal/metrics"
	"github.com/fbn/imgrec/overlay-server/internal/overlay"
	"github.com/fbn/imgrec/overlay-server/internal/playback"
	"github.com/fbn/imgrec/overlay-server/internal/store"
	"github.com/fbn/imgrec/overlay-server/internal/tracking"
	"github.com/fbn/imgrec/overlay-server/internal/webrtc"
	"github.com/fbn/imgrec/overlay-server/pkg/types"
)

// Clock kinds accepted by POST /api/sessions.
const (
	ClockTicker   = "ticker"
	ClockCallback = "callback"
)

const (
	maxResultBytes = 64 << 20
	maxVideoBytes  = 1 << 30
)

// Deps are the optional collaborators of a Server. Nil members disable the
// endpoints that need them.
type Deps struct {
	Metrics   *metrics.Metrics
	Inference *inference.Client
	Store     *store.Store
	WebRTC    *webrtc.Server
}

// Server serves the overlay endpoints and owns the active playback session.
type Server struct {
	cfg       Config
	metrics   *metrics.Metrics
	monitor   *Monitor
	overlay   *OverlayBroadcaster
	status    *StatusBroadcaster
	inference *inference.Client
	store     *store.Store
	rtc       *webrtc.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	session     *playback.Session
	info        *SessionInfo
	unsubscribe func()
}

// NewServer returns a configured overlay server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	defaults := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaults.StatusInterval
	}
	if cfg.ColorMode == "" {
		cfg.ColorMode = defaults.ColorMode
	}
	if _, err := tracking.NewColorPicker(cfg.ColorMode); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		metrics:   deps.Metrics,
		monitor:   NewMonitor(),
		overlay:   NewOverlayBroadcaster(deps.Metrics),
		inference: deps.Inference,
		store:     deps.Store,
		rtc:       deps.WebRTC,
		ctx:       ctx,
		cancel:    cancel,
	}

	if s.rtc != nil {
		s.overlay.AddSink(s.rtc.SendEvent)
	}
	s.status = NewStatusBroadcaster(s.monitor, cfg.StatusInterval, s.fillClientStats)
	s.status.Start()

	return s, nil
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	assetHandler := newAssetHandler(s.cfg.BuildAssetsDir, s.cfg.AssetsDir)

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", assetHandler))
	mux.HandleFunc("/healthcheck", s.handleHealthcheck)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/playback/play", s.handlePlay)
	mux.HandleFunc("/api/playback/pause", s.handlePause)
	mux.HandleFunc("/api/playback/seek", s.handleSeek)
	mux.HandleFunc("/api/playback/frame", s.handleFrame)
	mux.HandleFunc("/api/viewport", s.handleViewport)
	mux.HandleFunc("/api/detections", s.handleDetections)
	mux.HandleFunc("POST /api/detections/{id}/enlarge", s.handleEnlarge)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/overlay.png", s.handleOverlayPNG)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/videos", s.handleUpload)
	mux.HandleFunc("/api/inference/health", s.handleInferenceHealth)
	mux.HandleFunc("GET /api/results", s.handleResults)
	mux.HandleFunc("DELETE /api/results/{id}", s.handleResultDelete)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/ws/overlay", s.handleOverlayWS)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// Close tears down the active session and stops every broadcaster.
func (s *Server) Close() {
	s.closeSession()
	s.cancel()
	s.status.Stop()
	s.overlay.Stop()
}

func (s *Server) fillClientStats(stats *MonitorStats) {
	stats.OverlayClients = s.overlay.ClientCount()
	if s.rtc != nil {
		stats.WebRTCClients = s.rtc.GetClientCount()
	}
}

func (s *Server) activeSession() (*playback.Session, *SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.info
}

func (s *Server) currentSnapshot() (playback.Snapshot, bool) {
	sess, _ := s.activeSession()
	if sess == nil {
		return playback.Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// requireSession answers 404 when there is no active session.
func (s *Server) requireSession(w http.ResponseWriter) (*playback.Session, bool) {
	sess, _ := s.activeSession()
	if sess == nil {
		writeJSONWithStatus(w, map[string]any{"error": "no active session"}, http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.HealthCheckResponse{Status: "pass"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		_, info := s.activeSession()
		if info == nil {
			writeJSONWithStatus(w, map[string]any{"error": "no active session"}, http.StatusNotFound)
			return
		}
		writeJSON(w, info)
	case http.MethodPost:
		s.handleSessionCreate(w, r)
	case http.MethodDelete:
		id, ok := s.closeSession()
		if !ok {
			writeJSONWithStatus(w, map[string]any{"error": "no active session"}, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"status": "closed", "session_id": id})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	clockKind := r.URL.Query().Get("clock")
	if clockKind == "" {
		clockKind = ClockTicker
	}
	if clockKind != ClockTicker && clockKind != ClockCallback {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("unknown clock %q", clockKind)}, http.StatusBadRequest)
		return
	}

	fileID := r.URL.Query().Get("file_id")
	var (
		result *types.VideoRecognitionResult
		err    error
	)
	if fileID != "" {
		var status int
		result, status, err = s.loadResult(r.Context(), fileID)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
			return
		}
	} else {
		result, err = detection.ReadVideoResult(http.MaxBytesReader(w, r.Body, maxResultBytes))
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
			return
		}
	}

	info, err := s.startSession(result, fileID, clockKind)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSONWithStatus(w, info, http.StatusCreated)
}

// loadResult returns the cached result for fileID, asking the inference
// service and caching its answer on a miss.
func (s *Server) loadResult(ctx context.Context, fileID string) (*types.VideoRecognitionResult, int, error) {
	if s.store != nil {
		result, err := s.store.Get(ctx, fileID)
		if err == nil {
			s.metrics.CacheHits.Add(1)
			logger.Debug("Server", "Result %s served from cache", fileID)
			return result, http.StatusOK, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Server", "Cache read for %s failed: %v", fileID, err)
		}
		s.metrics.CacheMisses.Add(1)
	}

	if s.inference == nil {
		return nil, http.StatusNotFound, fmt.Errorf("result %s not cached and no inference service configured", fileID)
	}

	result, _, err := s.inference.PredictVideo(ctx, fileID, s.cfg.TrackingThreshold)
	if err != nil {
		if errors.Is(err, detection.ErrMalformedResult) {
			return nil, http.StatusBadGateway, err
		}
		return nil, http.StatusBadGateway, fmt.Errorf("inference service: %w", err)
	}

	if s.store != nil {
		if err := s.store.Put(ctx, fileID, result); err != nil {
			logger.Warn("Server", "Caching result %s failed: %v", fileID, err)
		}
	}
	return result, http.StatusOK, nil
}

// startSession replaces the active session with one for result.
func (s *Server) startSession(result *types.VideoRecognitionResult, fileID, clockKind string) (*SessionInfo, error) {
	colors, err := tracking.NewColorPicker(s.cfg.ColorMode)
	if err != nil {
		return nil, err
	}

	sess := playback.NewSession(result, playback.Options{
		Colors:  colors,
		Surface: geometry.Size{Width: s.cfg.SurfaceWidth, Height: s.cfg.SurfaceHeight},
		Metrics: s.metrics,
	})
	unsubscribe := sess.Subscribe(func(snap playback.Snapshot) {
		s.monitor.Record(snap)
		s.overlay.Publish(snap)
	})

	var clock playback.FrameClock
	switch clockKind {
	case ClockCallback:
		clock = playback.NewCallbackClock()
	default:
		clock = playback.NewTickerClock(result.FrameRate, len(result.Frames))
	}

	info := &SessionInfo{
		SessionID:  sess.ID(),
		FileID:     fileID,
		Clock:      clockKind,
		FrameRate:  result.FrameRate,
		FrameCount: len(result.Frames),
		Duration:   result.Duration(),
	}

	s.mu.Lock()
	old, oldUnsubscribe := s.session, s.unsubscribe
	s.session, s.info, s.unsubscribe = sess, info, unsubscribe
	s.mu.Unlock()

	if old != nil {
		oldUnsubscribe()
		old.Close()
	}

	s.monitor.SetSession(info)
	sess.Start(s.ctx, clock)
	s.overlay.Publish(sess.Snapshot())

	logger.Info("Server", "Session %s started (clock=%s, file=%q)", info.SessionID, clockKind, fileID)
	return info, nil
}

// closeSession tears down the active session and tells clients to clear.
func (s *Server) closeSession() (string, bool) {
	s.mu.Lock()
	sess, unsubscribe := s.session, s.unsubscribe
	s.session, s.info, s.unsubscribe = nil, nil, nil
	s.mu.Unlock()

	if sess == nil {
		return "", false
	}
	unsubscribe()
	sess.Close()
	s.monitor.SetSession(nil)

	cleared := sess.Snapshot()
	cleared.FrameIndex = -1
	s.overlay.Publish(cleared)
	return sess.ID(), true
}

// controller returns the server-side clock of the active session.
func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*playback.Session, *playback.TickerClock, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, nil, false
	}
	sess, ok := s.requireSession(w)
	if !ok {
		return nil, nil, false
	}
	clock, ok := sess.Clock().(*playback.TickerClock)
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "playback is driven by the browser"}, http.StatusConflict)
		return nil, nil, false
	}
	return sess, clock, true
}

func (s *Server) writePlaybackState(w http.ResponseWriter, clock *playback.TickerClock) {
	writeJSON(w, PlaybackState{Playing: clock.Playing(), Position: clock.Position()})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	sess, clock, ok := s.controller(w, r)
	if !ok {
		return
	}
	if clock.Ended() {
		clock.Seek(0)
	}
	clock.Play()
	if !sess.Running() {
		// The loop returns at the end of playback; playing again restarts it.
		sess.Start(s.ctx, clock)
	}
	s.writePlaybackState(w, clock)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	_, clock, ok := s.controller(w, r)
	if !ok {
		return
	}
	clock.Pause()
	s.writePlaybackState(w, clock)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	sess, clock, ok := s.controller(w, r)
	if !ok {
		return
	}
	t, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
	if err != nil || t < 0 || math.IsInf(t, 0) || math.IsNaN(t) {
		writeJSONWithStatus(w, map[string]any{"error": "t must be a non-negative number of seconds"}, http.StatusBadRequest)
		return
	}
	clock.Seek(t)
	if !sess.Running() {
		sess.Start(s.ctx, clock)
	}
	s.writePlaybackState(w, clock)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w)
	if !ok {
		return
	}
	clock, ok := sess.Clock().(*playback.CallbackClock)
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "playback is driven by the server"}, http.StatusConflict)
		return
	}

	var req FrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MediaTime == nil {
		writeJSONWithStatus(w, map[string]any{"error": "media_time is required"}, http.StatusBadRequest)
		return
	}

	superseded := clock.Present(playback.FrameMetadata{
		MediaTime:       *req.MediaTime,
		PresentedFrames: req.PresentedFrames,
		PresentedAt:     time.Now(),
	})
	if superseded {
		s.metrics.DroppedNotices.Add(1)
	}
	writeJSONWithStatus(w, map[string]any{"accepted": true, "superseded": superseded}, http.StatusAccepted)
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ViewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid viewport data"}, http.StatusBadRequest)
		return
	}
	sess, ok := s.requireSession(w)
	if !ok {
		return
	}

	surface, err := sess.SetViewport(
		geometry.Size{Width: req.ContainerWidth, Height: req.ContainerHeight},
		geometry.Size{Width: req.MediaWidth, Height: req.MediaHeight},
	)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"surface": surface})
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w)
	if !ok {
		return
	}
	snap := sess.Snapshot()
	if snap.Detections == nil {
		snap.Detections = []tracking.DisplayedDetection{}
	}
	writeJSON(w, snap)
}

func (s *Server) handleEnlarge(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	enlarged, found := sess.ToggleEnlarged(id)
	if !found {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("detection %q is not displayed", id)}, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"id": id, "enlarged": enlarged})
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.overlay.Subscribe()
	defer s.overlay.Unsubscribe(id)

	s.metrics.SSEClients.Add(1)
	defer metrics.Dec(&s.metrics.SSEClients)

	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	var initial *SerializedEvent
	if snap, ok := s.currentSnapshot(); ok {
		if event, err := SerializeSnapshot(snap); err == nil {
			initial = event
		}
	}

	streamEventsFromChannel(w, r, "SSE", initial, eventCh, useProtobuf)
}

func (s *Server) handleOverlayPNG(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w)
	if !ok {
		return
	}
	snap := sess.Snapshot()
	img, err := overlay.Render(snap.Surface, snap.Detections)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := overlay.EncodeImage(w, img); err != nil {
		logger.Debug("Server", "Overlay PNG write failed: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusPayload(s.monitor, s.fillClientStats))
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	initial, _ := s.status.serialize()
	streamEventsFromChannel(w, r, "StatusSSE", initial, eventCh, false)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.inference == nil {
		writeJSONWithStatus(w, map[string]any{"error": "no inference service configured"}, http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVideoBytes)
	file, header, err := r.FormFile("video")
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "video file is required"}, http.StatusBadRequest)
		return
	}
	defer file.Close()

	fileID, err := s.inference.UploadVideo(r.Context(), header.Filename, file)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("inference service: %v", err)}, http.StatusBadGateway)
		return
	}
	logger.Info("Server", "Uploaded %s as %s", header.Filename, fileID)
	writeJSONWithStatus(w, types.UploadResponse{Description: "uploaded", FileID: fileID}, http.StatusCreated)
}

func (s *Server) handleInferenceHealth(w http.ResponseWriter, r *http.Request) {
	if s.inference == nil {
		writeJSONWithStatus(w, types.HealthCheckResponse{Status: "fail"}, http.StatusServiceUnavailable)
		return
	}
	healthy, err := s.inference.Health(r.Context())
	if err != nil || !healthy {
		if err != nil {
			logger.Warn("Server", "Inference health check failed: %v", err)
		}
		writeJSONWithStatus(w, types.HealthCheckResponse{Status: "fail"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, types.HealthCheckResponse{Status: "pass"})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, []store.Entry{})
		return
	}
	entries, err := s.store.List(r.Context())
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, entries)
}

func (s *Server) handleResultDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.store == nil {
		writeJSONWithStatus(w, map[string]any{"error": "no result cache configured"}, http.StatusNotFound)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}
	writeJSON(w, map[string]any{"status": "deleted", "file_id": id})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.rtc.HandleOffer(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrTooManyClients) {
			status = http.StatusServiceUnavailable
		}
		logger.Warn("Server", "WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
