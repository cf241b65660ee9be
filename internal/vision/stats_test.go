package vision

import (
	"image"
	"math"
	"testing"
)

func TestMeanStd(t *testing.T) {
	g := ToGray(checkerboard(64, 48, 10, 90), 640)
	mean, std := MeanStd(g)
	if math.Abs(mean-50) > 1e-9 || math.Abs(std-40) > 1e-9 {
		t.Fatalf("MeanStd = (%.3f, %.3f), want (50, 40)", mean, std)
	}
}

func TestMovement(t *testing.T) {
	a := ToGray(uniform(8, 8, 100), 640)
	b := ToGray(uniform(8, 8, 110), 640)
	if got := Movement(b, a); got != 10 {
		t.Fatalf("Movement = %v, want 10", got)
	}
	if got := Movement(b, nil); got != 0 {
		t.Fatalf("Movement without previous = %v, want 0", got)
	}
	c := ToGray(uniform(4, 4, 0), 640)
	if got := Movement(b, c); got != 0 {
		t.Fatalf("Movement across sizes = %v, want 0", got)
	}
}

func TestLaplacianVariance(t *testing.T) {
	if v := LaplacianVariance(ToGray(uniform(32, 32, 128), 640)); v != 0 {
		t.Fatalf("flat frame variance = %v, want 0", v)
	}
	// Every pixel's four neighbours hold the opposite value: response is
	// +-4*(hi-lo) everywhere, including reflected borders.
	v := LaplacianVariance(ToGray(checkerboard(32, 32, 10, 90), 640))
	if math.Abs(v-102400) > 1e-6 {
		t.Fatalf("checkerboard variance = %v, want 102400", v)
	}
	if v := LaplacianVariance(ToGray(uniform(1, 1, 9), 640)); v != 0 {
		t.Fatalf("1x1 variance = %v, want 0", v)
	}
}

func TestReflect101(t *testing.T) {
	cases := []struct{ i, n, want int }{
		{-1, 5, 1},
		{5, 5, 3},
		{2, 5, 2},
		{-1, 1, 0},
	}
	for _, c := range cases {
		if got := reflect101(c.i, c.n); got != c.want {
			t.Fatalf("reflect101(%d,%d) = %d, want %d", c.i, c.n, got, c.want)
		}
	}
}

func TestToGrayDownscales(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	g := ToGray(img, 640)
	if g.Width != 640 || g.Height != 360 {
		t.Fatalf("ToGray size = %dx%d, want 640x360", g.Width, g.Height)
	}

	small := ToGray(image.NewRGBA(image.Rect(0, 0, 320, 240)), 640)
	if small.Width != 320 || small.Height != 240 {
		t.Fatalf("small frame resized to %dx%d", small.Width, small.Height)
	}
}

func TestCrop(t *testing.T) {
	g := ToGray(checkerboard(10, 10, 0, 255), 640)
	roi := g.Crop(typesBox(8, 8, 5, 5))
	if roi == nil || roi.Width != 2 || roi.Height != 2 {
		t.Fatalf("Crop clipped to %+v", roi)
	}
	if roi.At(0, 0) != g.At(8, 8) {
		t.Fatalf("Crop copied wrong pixels")
	}
	if g.Crop(typesBox(20, 20, 5, 5)) != nil {
		t.Fatalf("Crop outside frame should be nil")
	}
}
