package vision

import (
	"math"

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// DedupConfig bounds which frontal-face candidates count as distinct people.
type DedupConfig struct {
	MinSize       int     // Minimum box width/height in pixels
	MaxSize       int     // Maximum box width/height in pixels
	EdgeMargin    int     // Boxes closer than this to any frame edge are rejected
	MaxOverlap    float64 // Overlap above this fraction of the smaller box is a duplicate
	MinSeparation float64 // Centers closer than this multiple of the largest side are duplicates
}

// DefaultDedupConfig returns the thresholds tuned against false
// "multiple people" alerts.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		MinSize:       80,
		MaxSize:       300,
		EdgeMargin:    20,
		MaxOverlap:    0.1,
		MinSeparation: 1.2,
	}
}

// Deduplicate filters raw face candidates down to boxes judged to be distinct
// people. It is greedy and order dependent: the first accepted box wins, so
// the result under-counts rather than over-counts.
func Deduplicate(candidates []types.FaceBox, frameW, frameH int, cfg DedupConfig) []types.FaceBox {
	accepted := make([]types.FaceBox, 0, len(candidates))
	for _, c := range candidates {
		if !cfg.wellFormed(c, frameW, frameH) {
			continue
		}
		duplicate := false
		for _, a := range accepted {
			if cfg.isDuplicate(c, a) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			accepted = append(accepted, c)
		}
	}
	return accepted
}

func (cfg DedupConfig) wellFormed(b types.FaceBox, frameW, frameH int) bool {
	if b.Width < cfg.MinSize || b.Height < cfg.MinSize || b.Width > cfg.MaxSize || b.Height > cfg.MaxSize {
		return false
	}
	m := cfg.EdgeMargin
	return b.X >= m && b.Y >= m && b.X+b.Width <= frameW-m && b.Y+b.Height <= frameH-m
}

func (cfg DedupConfig) isDuplicate(a, b types.FaceBox) bool {
	ox := max(0, min(a.X+a.Width, b.X+b.Width)-max(a.X, b.X))
	oy := max(0, min(a.Y+a.Height, b.Y+b.Height)-max(a.Y, b.Y))
	if float64(ox*oy) > cfg.MaxOverlap*float64(min(a.Area(), b.Area())) {
		return true
	}

	ax, ay := a.Center()
	bx, by := b.Center()
	distance := math.Hypot(float64(ax-bx), float64(ay-by))
	largest := max(a.Width, a.Height, b.Width, b.Height)
	return distance < float64(largest)*cfg.MinSeparation
}
