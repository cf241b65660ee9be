// Package cascade provides OpenCV Haar cascade detectors for the frame
// classifier.
package cascade

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/vision"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// Cascade file names as shipped in OpenCV's data/haarcascades directory.
const (
	FrontalFaceFile = "haarcascade_frontalface_default.xml"
	ProfileFaceFile = "haarcascade_profileface.xml"
	EyeFile         = "haarcascade_eye.xml"
)

// ErrCascadeMissing is returned when a cascade file cannot be found.
var ErrCascadeMissing = errors.New("cascade file not found")

// Params are the DetectMultiScale parameters of one pass.
type Params struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int // 0 disables
	MaxSize      int // 0 disables
}

// Parameter sets used by the classifier.
var (
	FaceParams    = Params{ScaleFactor: 1.3, MinNeighbors: 8, MinSize: 80, MaxSize: 300}
	ProfileParams = Params{ScaleFactor: 1.1, MinNeighbors: 3, MinSize: 30}
	EyeParams     = Params{ScaleFactor: 1.05, MinNeighbors: 2}
	EyeAltParams  = Params{ScaleFactor: 1.1, MinNeighbors: 1}
)

// Detector runs one Haar cascade. gocv classifiers are not safe for
// concurrent use, so Detect serializes calls.
type Detector struct {
	mu     sync.Mutex
	name   string
	cc     gocv.CascadeClassifier
	params Params
}

// Load reads a cascade XML file.
func Load(path string, params Params) (*Detector, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCascadeMissing, path)
	}
	cc := gocv.NewCascadeClassifier()
	if !cc.Load(path) {
		cc.Close()
		return nil, fmt.Errorf("load cascade %s", path)
	}
	return &Detector{name: filepath.Base(path), cc: cc, params: params}, nil
}

// Detect implements vision.Detector.
func (d *Detector) Detect(img *vision.Gray) ([]types.FaceBox, error) {
	if img == nil || img.Width == 0 || img.Height == 0 {
		return nil, nil
	}
	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC1, img.Pix)
	if err != nil {
		return nil, fmt.Errorf("wrap frame: %w", err)
	}
	defer mat.Close()

	var minSize, maxSize image.Point
	if d.params.MinSize > 0 {
		minSize = image.Pt(d.params.MinSize, d.params.MinSize)
	}
	if d.params.MaxSize > 0 {
		maxSize = image.Pt(d.params.MaxSize, d.params.MaxSize)
	}

	d.mu.Lock()
	rects := d.cc.DetectMultiScaleWithParams(mat, d.params.ScaleFactor, d.params.MinNeighbors, 0, minSize, maxSize)
	d.mu.Unlock()

	boxes := make([]types.FaceBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, types.FaceBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()})
	}
	return boxes, nil
}

// Close releases the underlying classifier.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cc.Close()
}

// Set holds the loaded detectors.
type Set struct {
	Face    *Detector
	Profile *Detector
	Eye     *Detector
	EyeAlt  *Detector
}

// LoadDir loads every cascade from dir. The frontal face cascade is
// required; a missing profile or eye cascade only degrades classification.
func LoadDir(dir string) (*Set, error) {
	face, err := Load(filepath.Join(dir, FrontalFaceFile), FaceParams)
	if err != nil {
		return nil, err
	}
	s := &Set{Face: face}

	if s.Profile, err = Load(filepath.Join(dir, ProfileFaceFile), ProfileParams); err != nil {
		logger.Warn("Cascade", "Profile detector disabled: %v", err)
	}
	if s.Eye, err = Load(filepath.Join(dir, EyeFile), EyeParams); err != nil {
		logger.Warn("Cascade", "Eye detector disabled: %v", err)
	} else if s.EyeAlt, err = Load(filepath.Join(dir, EyeFile), EyeAltParams); err != nil {
		logger.Warn("Cascade", "Second eye pass disabled: %v", err)
	}

	logger.Info("Cascade", "Loaded cascades from %s", dir)
	return s, nil
}

// Detectors adapts the set for vision.NewClassifier.
func (s *Set) Detectors() vision.Detectors {
	var d vision.Detectors
	if s.Face != nil {
		d.Face = s.Face
	}
	if s.Profile != nil {
		d.Profile = s.Profile
	}
	for _, eye := range []*Detector{s.Eye, s.EyeAlt} {
		if eye != nil {
			d.Eyes = append(d.Eyes, eye)
		}
	}
	return d
}

// Close releases every loaded detector.
func (s *Set) Close() error {
	var errs []error
	for _, d := range []*Detector{s.Face, s.Profile, s.Eye, s.EyeAlt} {
		if d != nil {
			errs = append(errs, d.Close())
		}
	}
	return errors.Join(errs...)
}
