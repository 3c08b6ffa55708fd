package types

// Box is a normalized, center-anchored bounding box.
// X and Y locate the box center; all values are fractions of the source media size.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is a single object reported by the inference service.
type Detection struct {
	ID         string  `json:"id"`                    // Stable across frames for the same tracked object
	Box        Box     `json:"box"`                   // Normalized position and size
	ClassName  string  `json:"class_name"`            // Guessed kind of object
	Confidence float64 `json:"confidence"`            // Classification confidence [0-1]
	ClassIndex *int    `json:"class_index,omitempty"` // Debug only
}

// FrameRecord holds the detections of one video frame.
type FrameRecord struct {
	FrameIndex int         `json:"frame_index"` // Index of the video frame starting with 0
	Detections []Detection `json:"detections"`
}

// VideoRecognitionResult is the complete per-frame detection metadata of one video.
// It is produced before playback starts and never mutated afterwards.
type VideoRecognitionResult struct {
	FrameRate float64       `json:"frame_rate"`
	Frames    []FrameRecord `json:"frames"`
}

// Duration returns the playback length covered by the frame records, in seconds.
func (r *VideoRecognitionResult) Duration() float64 {
	if r == nil || r.FrameRate <= 0 {
		return 0
	}
	return float64(len(r.Frames)) / r.FrameRate
}

// UploadResponse is returned by the inference service after a video upload.
type UploadResponse struct {
	Description string `json:"description"`
	FileID      string `json:"fileId"`
}

// HealthCheckResponse is returned by the inference service health endpoint.
type HealthCheckResponse struct {
	Status string `json:"status"` // "pass" or "fail"
}
