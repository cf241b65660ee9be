package vision

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// checkerboard returns a w x h frame alternating lo/hi per pixel. With even
// dimensions its mean is (lo+hi)/2 and its std is |hi-lo|/2.
func checkerboard(w, h int, lo, hi uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.Pix[y*img.Stride+x] = lo
			} else {
				img.Pix[y*img.Stride+x] = hi
			}
		}
	}
	return img
}

func uniform(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func fixedBoxes(boxes ...types.FaceBox) Detector {
	return DetectorFunc(func(*Gray) ([]types.FaceBox, error) {
		return boxes, nil
	})
}

func countBoxes(n int) Detector {
	return DetectorFunc(func(*Gray) ([]types.FaceBox, error) {
		out := make([]types.FaceBox, n)
		for i := range out {
			out[i] = types.FaceBox{X: i * 10, Y: 5, Width: 8, Height: 8}
		}
		return out, nil
	})
}

var errDetector = errors.New("detector unavailable")

func failing() Detector {
	return DetectorFunc(func(*Gray) ([]types.FaceBox, error) {
		return nil, errDetector
	})
}

func panicking() Detector {
	return DetectorFunc(func(*Gray) ([]types.FaceBox, error) {
		panic("cascade not loaded")
	})
}

func typesBox(x, y, w, h int) types.FaceBox {
	return types.FaceBox{X: x, Y: y, Width: w, Height: h}
}
