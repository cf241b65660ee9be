package cascade

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/vision"
)

func cascadeDir(t *testing.T) string {
	t.Helper()
	dir := os.Getenv("CASCADE_DIR")
	if dir == "" {
		dir = "/usr/share/opencv4/haarcascades"
	}
	if _, err := os.Stat(filepath.Join(dir, FrontalFaceFile)); err != nil {
		t.Skipf("cascades not available in %s", dir)
	}
	return dir
}

func TestLoadMissing(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	if !errors.Is(err, ErrCascadeMissing) {
		t.Fatalf("LoadDir(empty) error = %v, want ErrCascadeMissing", err)
	}
}

func TestDetectBlankFrame(t *testing.T) {
	set, err := LoadDir(cascadeDir(t))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	defer set.Close()

	d := set.Detectors()
	if d.Face == nil || len(d.Eyes) == 0 {
		t.Fatalf("detectors not wired: %+v", d)
	}

	boxes, err := d.Face.Detect(vision.NewGray(640, 480))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(boxes) != 0 {
		t.Fatalf("blank frame produced %d faces", len(boxes))
	}
}
