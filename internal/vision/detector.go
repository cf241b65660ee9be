package vision

import (
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// Detector finds rectangular regions of interest in a grayscale frame.
// Implementations need not be safe for concurrent use unless the caller
// shares them across sessions.
type Detector interface {
	Detect(img *Gray) ([]types.FaceBox, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(img *Gray) ([]types.FaceBox, error)

// Detect calls f(img).
func (f DetectorFunc) Detect(img *Gray) ([]types.FaceBox, error) {
	return f(img)
}

// Detectors groups the region detectors the classifier combines.
type Detectors struct {
	Face    Detector   // Frontal faces, strict parameters
	Profile Detector   // Side profiles; diagnostics only, may be nil
	Eyes    []Detector // Eye passes at different sensitivities over the face ROI
}

// detect runs d and converts every failure mode into "no regions".
func detect(name string, d Detector, img *Gray) (boxes []types.FaceBox) {
	if d == nil || img == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Detector", "%s detector panicked: %v", name, r)
			boxes = nil
		}
	}()

	found, err := d.Detect(img)
	if err != nil {
		logger.Debug("Detector", "%s detector failed: %v", name, err)
		return nil
	}
	boxes = make([]types.FaceBox, 0, len(found))
	for _, b := range found {
		if b.Valid() {
			boxes = append(boxes, b)
		}
	}
	return boxes
}
