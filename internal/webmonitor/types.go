package webmonitor

// ViewportRequest is the body of POST /api/viewport.
type ViewportRequest struct {
	ContainerWidth  float64 `json:"container_width"`
	ContainerHeight float64 `json:"container_height"`
	MediaWidth      float64 `json:"media_width"`
	MediaHeight     float64 `json:"media_height"`
}

// FrameRequest is the body of POST /api/playback/frame, sent from the
// browser's video frame callback.
type FrameRequest struct {
	MediaTime       *float64 `json:"media_time"`
	PresentedFrames uint64   `json:"presented_frames"`
}

// SessionInfo describes the active playback session.
type SessionInfo struct {
	SessionID  string  `json:"session_id"`
	FileID     string  `json:"file_id,omitempty"`
	Clock      string  `json:"clock"`
	FrameRate  float64 `json:"frame_rate"`
	FrameCount int     `json:"frame_count"`
	Duration   float64 `json:"duration"`
}

// PlaybackState is returned by the playback control endpoints.
type PlaybackState struct {
	Playing  bool    `json:"playing"`
	Position float64 `json:"position"`
}

// MonitorStats summarizes overlay activity for /api/status.
type MonitorStats struct {
	Updates          int     `json:"updates"`
	UpdatesPerSecond float64 `json:"updates_per_second"`
	DisplayedCount   int     `json:"displayed_count"`
	FrameIndex       int     `json:"frame_index"`
	MediaTime        float64 `json:"media_time"`
	OverlayClients   int     `json:"overlay_clients"`
	WebRTCClients    int     `json:"webrtc_clients"`
}
