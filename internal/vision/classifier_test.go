package vision

import (
	"image"
	"testing"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

var (
	leftFace  = types.FaceBox{X: 40, Y: 40, Width: 100, Height: 100}
	rightFace = types.FaceBox{X: 400, Y: 40, Width: 100, Height: 100}
	midFace   = types.FaceBox{X: 200, Y: 100, Width: 150, Height: 150}
)

func newTestClassifier(d Detectors) *Classifier {
	return NewClassifier(DefaultConfig(), d)
}

func TestClassifyMultiplePeople(t *testing.T) {
	c := newTestClassifier(Detectors{
		Face: fixedBoxes(leftFace, rightFace),
		Eyes: []Detector{countBoxes(0)},
	})
	vc := NewContext()
	frame := checkerboard(640, 480, 10, 90)

	res := c.Classify(vc, frame, time.Now())
	if res.Category != types.MultiplePeople {
		t.Fatalf("category = %s, want multiple_people", res.Category)
	}
	if res.Diagnostics.FaceCount != 2 {
		t.Fatalf("face count = %d, want 2", res.Diagnostics.FaceCount)
	}
}

func TestClassifyDuplicatesCollapse(t *testing.T) {
	dup := types.FaceBox{X: 210, Y: 105, Width: 140, Height: 140}
	c := newTestClassifier(Detectors{
		Face: fixedBoxes(midFace, dup),
		Eyes: []Detector{countBoxes(2)},
	})
	res := c.Classify(NewContext(), checkerboard(640, 480, 10, 90), time.Now())
	if res.Category != types.None {
		t.Fatalf("category = %s, want none", res.Category)
	}
	if res.Diagnostics.RawFaceCount != 2 || res.Diagnostics.FaceCount != 1 {
		t.Fatalf("diagnostics = %+v", res.Diagnostics)
	}
}

func TestClassifyDarkFrameIsNoFace(t *testing.T) {
	c := newTestClassifier(Detectors{Face: fixedBoxes()})
	// mean 25 and std 25: dark despite plenty of contrast.
	res := c.Classify(NewContext(), checkerboard(640, 480, 0, 50), time.Now())
	if res.Category != types.NoFace {
		t.Fatalf("category = %s, want no_face", res.Category)
	}
}

func TestClassifyEmptyScenes(t *testing.T) {
	c := newTestClassifier(Detectors{Face: fixedBoxes()})
	cases := map[string]image.Image{
		"low contrast":      uniform(64, 48, 60),
		"empty bright room": checkerboard(64, 48, 100, 140), // mean 120, std 20
	}
	for name, img := range cases {
		if got := c.Classify(NewContext(), img, time.Now()).Category; got != types.NoFace {
			t.Fatalf("%s: category = %s, want no_face", name, got)
		}
	}
}

func TestClassifySingleFace(t *testing.T) {
	frame := checkerboard(640, 480, 10, 90)

	noEyes := newTestClassifier(Detectors{
		Face: fixedBoxes(midFace),
		Eyes: []Detector{countBoxes(0), countBoxes(0)},
	})
	if got := noEyes.Classify(NewContext(), frame, time.Now()).Category; got != types.LookingAway {
		t.Fatalf("no eyes: category = %s, want looking_away", got)
	}

	// The second pass rescues eyes the strict pass missed.
	secondPass := newTestClassifier(Detectors{
		Face: fixedBoxes(midFace),
		Eyes: []Detector{countBoxes(0), countBoxes(1)},
	})
	res := secondPass.Classify(NewContext(), frame, time.Now())
	if res.Category != types.None {
		t.Fatalf("eyes found: category = %s, want none", res.Category)
	}
	if res.Diagnostics.EyesFound != 1 {
		t.Fatalf("eyes found = %d, want 1", res.Diagnostics.EyesFound)
	}
	if res.Diagnostics.AspectRatio != 1 {
		t.Fatalf("aspect ratio = %v, want 1", res.Diagnostics.AspectRatio)
	}
}

func TestAbsenceTimeline(t *testing.T) {
	c := newTestClassifier(Detectors{Face: fixedBoxes()})
	vc := NewContext()
	frame := checkerboard(640, 480, 10, 90)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	steps := []struct {
		at   time.Duration
		want types.Category
	}{
		{0, types.LookingAway},
		{3 * time.Second, types.LookingAway},
		{5 * time.Second, types.LookingAway},
		{5100 * time.Millisecond, types.NoFace},
		{6 * time.Second, types.NoFace},
	}
	for _, s := range steps {
		res := c.Classify(vc, frame, t0.Add(s.at))
		if res.Category != s.want {
			t.Fatalf("t+%v: category = %s, want %s", s.at, res.Category, s.want)
		}
		if res.Diagnostics.AbsenceFor != s.at {
			t.Fatalf("t+%v: absence = %v", s.at, res.Diagnostics.AbsenceFor)
		}
	}

	started, ok := vc.AbsenceStartedAt()
	if !ok || !started.Equal(t0) {
		t.Fatalf("absence started at %v (%v), want %v", started, ok, t0)
	}
}

func TestFaceClearsAbsence(t *testing.T) {
	var faces []types.FaceBox
	c := newTestClassifier(Detectors{
		Face: DetectorFunc(func(*Gray) ([]types.FaceBox, error) { return faces, nil }),
		Eyes: []Detector{countBoxes(2)},
	})
	vc := NewContext()
	frame := checkerboard(640, 480, 10, 90)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c.Classify(vc, frame, t0)
	faces = []types.FaceBox{midFace}
	if got := c.Classify(vc, frame, t0.Add(4*time.Second)).Category; got != types.None {
		t.Fatalf("face frame: category = %s", got)
	}
	if _, ok := vc.AbsenceStartedAt(); ok {
		t.Fatalf("absence timer still running after a face")
	}
	if seen, ok := vc.LastFaceSeenAt(); !ok || !seen.Equal(t0.Add(4*time.Second)) {
		t.Fatalf("last face seen = %v", seen)
	}

	// A fresh absence starts from zero, not from the first gap.
	faces = nil
	if got := c.Classify(vc, frame, t0.Add(8*time.Second)).Category; got != types.LookingAway {
		t.Fatalf("new absence: category = %s, want looking_away", got)
	}
}

func TestMovementUsesPreviousFrame(t *testing.T) {
	c := newTestClassifier(Detectors{})
	vc := NewContext()

	first := c.Classify(vc, uniform(64, 48, 100), time.Now())
	if first.Stats.MovementScore != 0 {
		t.Fatalf("first frame movement = %v", first.Stats.MovementScore)
	}
	second := c.Classify(vc, uniform(64, 48, 140), time.Now())
	if second.Stats.MovementScore != 40 {
		t.Fatalf("second frame movement = %v, want 40", second.Stats.MovementScore)
	}
	if vc.PreviousFrame().At(0, 0) != 140 {
		t.Fatalf("previous frame not updated")
	}
}

func TestDetectorFailuresCountAsNoFaces(t *testing.T) {
	frame := checkerboard(640, 480, 10, 90)
	for name, d := range map[string]Detector{"error": failing(), "panic": panicking()} {
		c := newTestClassifier(Detectors{Face: d, Profile: d})
		if got := c.Classify(NewContext(), frame, time.Now()).Category; got != types.LookingAway {
			t.Fatalf("%s: category = %s, want looking_away", name, got)
		}
	}
}

func TestAnalyzeUndecodable(t *testing.T) {
	c := newTestClassifier(Detectors{Face: fixedBoxes(midFace)})
	vc := NewContext()

	for _, data := range [][]byte{nil, []byte("not an image")} {
		res := c.Analyze(vc, data, time.Now())
		if res.Category != types.NoFace || !res.Diagnostics.DecodeFailure {
			t.Fatalf("Analyze(%q) = %s %+v", data, res.Category, res.Diagnostics)
		}
	}
	if vc.PreviousFrame() != nil {
		t.Fatalf("undecodable frame mutated the context")
	}
	if _, ok := vc.AbsenceStartedAt(); ok {
		t.Fatalf("undecodable frame started the absence timer")
	}
}

func TestAnalyzeAppliesBlurOverride(t *testing.T) {
	c := newTestClassifier(Detectors{
		Face: fixedBoxes(midFace),
		Eyes: []Detector{countBoxes(2)},
	})

	// Flat frame: a face with eyes but zero sharpness.
	res := c.Analyze(NewContext(), encodePNG(t, uniform(640, 480, 128)), time.Now())
	if res.Category != types.BlurScreen || !res.Diagnostics.BlurOverride {
		t.Fatalf("flat frame: category = %s, override = %v", res.Category, res.Diagnostics.BlurOverride)
	}
	if res.Format != "png" {
		t.Fatalf("format = %q, want png", res.Format)
	}

	sharp := c.Analyze(NewContext(), encodePNG(t, checkerboard(640, 480, 10, 90)), time.Now())
	if sharp.Category != types.None || sharp.Diagnostics.BlurOverride {
		t.Fatalf("sharp frame: category = %s", sharp.Category)
	}
}

func TestAnalyzeBlurNeverMasksNoFace(t *testing.T) {
	c := newTestClassifier(Detectors{Face: fixedBoxes()})
	res := c.Analyze(NewContext(), encodePNG(t, uniform(640, 480, 5)), time.Now())
	if res.Category != types.NoFace {
		t.Fatalf("category = %s, want no_face", res.Category)
	}
}

func TestApplyBlurOverride(t *testing.T) {
	for _, cat := range append([]types.Category{types.None}, types.ViolationCategories...) {
		got, _ := ApplyBlurOverride(cat, 3, DefaultBlurThreshold)
		want := cat
		if cat == types.None || cat == types.LookingAway {
			want = types.BlurScreen
		}
		if got != want {
			t.Fatalf("override(%s, blurred) = %s, want %s", cat, got, want)
		}
		if sharp, changed := ApplyBlurOverride(cat, DefaultBlurThreshold, DefaultBlurThreshold); sharp != cat || changed {
			t.Fatalf("override(%s, at threshold) = %s", cat, sharp)
		}

		// Idempotent.
		again, _ := ApplyBlurOverride(got, 3, DefaultBlurThreshold)
		if again != got {
			t.Fatalf("override not idempotent for %s: %s -> %s", cat, got, again)
		}
	}
}
