package types

import "time"

// FaceBox is an axis-aligned region of interest in pixel space of a
// (possibly downscaled) grayscale frame.
type FaceBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Area returns width * height.
func (b FaceBox) Area() int {
	return b.Width * b.Height
}

// Center returns the integer center point (floor division, as the detector
// pipeline has always computed it).
func (b FaceBox) Center() (x, y int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Valid reports whether the box has positive dimensions.
func (b FaceBox) Valid() bool {
	return b.Width > 0 && b.Height > 0
}

// FrameStats holds scalar summaries of one grayscale frame.
type FrameStats struct {
	MeanBrightness float64 `json:"mean_brightness"`
	StdBrightness  float64 `json:"std_brightness"`
	BlurScore      float64 `json:"blur_score"`     // Laplacian variance
	MovementScore  float64 `json:"movement_score"` // Mean absolute diff vs previous frame
}

// Diagnostics carries the signals computed alongside a classification that
// do not influence the outcome. They are logged and exposed for telemetry.
type Diagnostics struct {
	FaceCount     int           `json:"face_count"`
	RawFaceCount  int           `json:"raw_face_count"`
	ProfileCount  int           `json:"profile_count"`
	EyesFound     int           `json:"eyes_found"`
	AspectRatio   float64       `json:"aspect_ratio,omitempty"`
	FaceRatio     float64       `json:"face_ratio,omitempty"`
	CenterOffset  float64       `json:"center_offset,omitempty"`
	AbsenceFor    time.Duration `json:"absence_ns,omitempty"`
	BlurOverride  bool          `json:"blur_override"`
	DecodeFailure bool          `json:"decode_failure"`
}
