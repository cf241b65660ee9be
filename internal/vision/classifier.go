package vision

import (
	"image"
	"math"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// Config holds the classifier thresholds.
type Config struct {
	MaxSide              int           // Frames are downscaled so the longer side fits
	Dedup                DedupConfig   // Face deduplication bounds
	DarkBrightness       float64       // Mean below this: lights off
	LowContrast          float64       // Std below this: empty or covered camera
	BrightRoomBrightness float64       // Mean above this ...
	BrightRoomContrast   float64       // ... with std below this: empty bright room
	AbsenceTimeout       time.Duration // Face-less longer than this: student left
	BlurThreshold        float64       // Laplacian variance below this: blurred
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSide:              640,
		Dedup:                DefaultDedupConfig(),
		DarkBrightness:       30,
		LowContrast:          15,
		BrightRoomBrightness: 100,
		BrightRoomContrast:   25,
		AbsenceTimeout:       5 * time.Second,
		BlurThreshold:        DefaultBlurThreshold,
	}
}

// Result is the outcome of analyzing one frame.
type Result struct {
	Category    types.Category
	Stats       types.FrameStats
	Faces       []types.FaceBox
	Diagnostics types.Diagnostics
	Format      string // Codec of the decoded payload, "" if undecodable
}

// Classifier turns frames into violation categories. It is stateless; all
// temporal state lives in the per-session Context passed to each call, so
// one Classifier serves every session.
type Classifier struct {
	cfg       Config
	detectors Detectors
	log       logger.Module
}

// NewClassifier creates a classifier with the given thresholds and detectors.
func NewClassifier(cfg Config, detectors Detectors) *Classifier {
	if cfg.MaxSide <= 0 {
		cfg.MaxSide = DefaultConfig().MaxSide
	}
	return &Classifier{cfg: cfg, detectors: detectors, log: logger.For("Classifier")}
}

// Config returns the classifier thresholds.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Analyze decodes an encoded frame, classifies it and applies the blur
// override. Payloads that cannot be decoded classify as NoFace without
// touching the context.
func (c *Classifier) Analyze(vc *Context, data []byte, now time.Time) Result {
	img, format, err := Decode(data)
	if err != nil {
		c.log.Debug("Undecodable frame (%d bytes): %v", len(data), err)
		return Result{
			Category:    types.NoFace,
			Diagnostics: types.Diagnostics{DecodeFailure: true},
		}
	}

	res := c.Classify(vc, img, now)
	res.Format = format

	category, blurred := ApplyBlurOverride(res.Category, res.Stats.BlurScore, c.cfg.BlurThreshold)
	if blurred {
		c.log.Debug("Blur detected: %.2f (threshold: %.1f)", res.Stats.BlurScore, c.cfg.BlurThreshold)
	}
	res.Category = category
	res.Diagnostics.BlurOverride = blurred
	return res
}

// Classify runs the frame classifier on a decoded image. The blur override
// is not applied; BlurScore is filled in for the caller.
func (c *Classifier) Classify(vc *Context, img image.Image, now time.Time) Result {
	gray := ToGray(img, c.cfg.MaxSide)

	mean, std := MeanStd(gray)
	stats := types.FrameStats{
		MeanBrightness: mean,
		StdBrightness:  std,
		BlurScore:      LaplacianVariance(gray),
		MovementScore:  Movement(gray, vc.previous),
	}
	vc.previous = gray

	raw := detect("face", c.detectors.Face, gray)
	faces := Deduplicate(raw, gray.Width, gray.Height, c.cfg.Dedup)

	res := Result{
		Stats: stats,
		Faces: faces,
		Diagnostics: types.Diagnostics{
			FaceCount:    len(faces),
			RawFaceCount: len(raw),
		},
	}

	switch {
	case len(faces) == 0:
		res.Category = c.classifyAbsent(vc, gray, now, &res)
	case len(faces) >= 2:
		vc.faceSeen(now)
		res.Category = types.MultiplePeople
		c.log.Debug("Multiple people detected: %d faces", len(faces))
	default:
		vc.faceSeen(now)
		res.Category = c.classifySingle(gray, largest(faces), &res.Diagnostics)
	}
	return res
}

func (c *Classifier) classifyAbsent(vc *Context, gray *Gray, now time.Time, res *Result) types.Category {
	absence := vc.absence(now)
	res.Diagnostics.AbsenceFor = absence

	s := res.Stats
	dark := s.MeanBrightness < c.cfg.DarkBrightness
	lowContrast := s.StdBrightness < c.cfg.LowContrast
	emptyBrightRoom := s.MeanBrightness > c.cfg.BrightRoomBrightness && s.StdBrightness < c.cfg.BrightRoomContrast
	longAbsence := absence > c.cfg.AbsenceTimeout

	if dark || lowContrast || emptyBrightRoom || longAbsence {
		c.log.Debug("No face detected - person absent: brightness=%.1f, contrast=%.1f, duration=%.1fs",
			s.MeanBrightness, s.StdBrightness, absence.Seconds())
		return types.NoFace
	}

	// A profile means the student turned away; without one they may be
	// partially out of frame. Both are LookingAway.
	if c.detectors.Profile != nil {
		res.Diagnostics.ProfileCount = len(detect("profile", c.detectors.Profile, gray))
	}
	c.log.Debug("No frontal face, looking away: brightness=%.1f, contrast=%.1f, movement=%.1f, profiles=%d",
		s.MeanBrightness, s.StdBrightness, s.MovementScore, res.Diagnostics.ProfileCount)
	return types.LookingAway
}

func (c *Classifier) classifySingle(gray *Gray, face types.FaceBox, diag *types.Diagnostics) types.Category {
	roi := gray.Crop(face)
	eyes := 0
	for i, d := range c.detectors.Eyes {
		eyes = max(eyes, len(detect(eyePassName(i), d, roi)))
	}
	diag.EyesFound = eyes

	imageArea := float64(gray.Width * gray.Height)
	imageCenterX := float64(gray.Width) / 2
	if face.Height > 0 {
		diag.AspectRatio = float64(face.Width) / float64(face.Height)
	}
	if imageArea > 0 {
		diag.FaceRatio = float64(face.Area()) / imageArea
	}
	if imageCenterX > 0 {
		diag.CenterOffset = math.Abs(float64(face.X)+float64(face.Width)/2-imageCenterX) / imageCenterX
	}

	if eyes == 0 {
		c.log.Debug("Looking away detected: aspect=%.2f, eyes=%d, face_ratio=%.3f, offset=%.2f",
			diag.AspectRatio, eyes, diag.FaceRatio, diag.CenterOffset)
		return types.LookingAway
	}
	return types.None
}

// largest returns the box with the greatest area; ties keep the first.
func largest(faces []types.FaceBox) types.FaceBox {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Area() > best.Area() {
			best = f
		}
	}
	return best
}

func eyePassName(i int) string {
	if i == 0 {
		return "eye"
	}
	return "eye-alt"
}
