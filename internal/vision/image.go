package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // GIF decoder
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"  // BMP decoder
	_ "golang.org/x/image/tiff" // TIFF decoder
	_ "golang.org/x/image/webp" // WebP decoder
)

// MaxDecodePixels bounds the declared size of an encoded frame. Webcam
// snapshots are far below this; larger payloads are treated as undecodable.
const MaxDecodePixels = 40_000_000

// ErrEmptyImage is returned for payloads that decode to nothing.
var ErrEmptyImage = errors.New("vision: empty image")

// Gray is an 8-bit single-channel frame stored row-major.
type Gray struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewGray allocates a zeroed w x h frame.
func NewGray(w, h int) *Gray {
	return &Gray{Width: w, Height: h, Pix: make([]uint8, w*h)}
}

// At returns the pixel at (x, y). No bounds checking beyond the slice's.
func (g *Gray) At(x, y int) uint8 {
	return g.Pix[y*g.Width+x]
}

// Bounds returns the frame as a FaceBox anchored at the origin.
func (g *Gray) Bounds() types.FaceBox {
	return types.FaceBox{Width: g.Width, Height: g.Height}
}

// Crop copies the region r, clipped to the frame. It returns nil when the
// clipped region is empty.
func (g *Gray) Crop(r types.FaceBox) *Gray {
	x0, y0 := max(r.X, 0), max(r.Y, 0)
	x1, y1 := min(r.X+r.Width, g.Width), min(r.Y+r.Height, g.Height)
	if x1 <= x0 || y1 <= y0 {
		return nil
	}
	out := NewGray(x1-x0, y1-y0)
	for y := y0; y < y1; y++ {
		copy(out.Pix[(y-y0)*out.Width:(y-y0+1)*out.Width], g.Pix[y*g.Width+x0:y*g.Width+x1])
	}
	return out
}

// Clone returns a deep copy.
func (g *Gray) Clone() *Gray {
	out := &Gray{Width: g.Width, Height: g.Height, Pix: make([]uint8, len(g.Pix))}
	copy(out.Pix, g.Pix)
	return out
}

// Decode decodes an encoded still image (JPEG, PNG, GIF, WebP, BMP, TIFF)
// and returns the codec name.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", ErrEmptyImage
	}
	if cfg.Width*cfg.Height > MaxDecodePixels {
		return nil, "", fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, "", ErrEmptyImage
	}
	return img, format, nil
}

// ToGray downscales img so its longer side is at most maxSide (bilinear)
// and converts it to grayscale with BT.601 luma weights.
func ToGray(img image.Image, maxSide int) *Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	nw, nh := w, h
	if longest := max(w, h); maxSide > 0 && longest > maxSide {
		scale := float64(maxSide) / float64(longest)
		nw = max(int(float64(w)*scale), 1)
		nh = max(int(float64(h)*scale), 1)
	}

	if src, ok := img.(*image.Gray); ok && nw == w && nh == h {
		out := NewGray(w, h)
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(out.Pix[y*w:(y+1)*w], src.Pix[off:off+w])
		}
		return out
	}

	rgba := image.NewRGBA(image.Rect(0, 0, nw, nh))
	if nw != w || nh != h {
		draw.BiLinear.Scale(rgba, rgba.Bounds(), img, b, draw.Src, nil)
	} else {
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	out := NewGray(nw, nh)
	for i, j := 0, 0; j < len(out.Pix); i, j = i+4, j+1 {
		r, g, bl := uint32(rgba.Pix[i]), uint32(rgba.Pix[i+1]), uint32(rgba.Pix[i+2])
		out.Pix[j] = uint8((r*4899 + g*9617 + bl*1868 + 8192) >> 14)
	}
	return out
}
