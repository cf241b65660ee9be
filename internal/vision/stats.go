package vision

import "math"

// MeanStd returns the mean and population standard deviation of the pixels.
func MeanStd(g *Gray) (mean, std float64) {
	n := len(g.Pix)
	if n == 0 {
		return 0, 0
	}
	var sum, sumSq uint64
	for _, p := range g.Pix {
		v := uint64(p)
		sum += v
		sumSq += v * v
	}
	mean = float64(sum) / float64(n)
	variance := float64(sumSq)/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// Movement returns the mean absolute difference between cur and prev.
// Frames of different sizes (or no previous frame) yield 0.
func Movement(cur, prev *Gray) float64 {
	if prev == nil || cur == nil || prev.Width != cur.Width || prev.Height != cur.Height || len(cur.Pix) == 0 {
		return 0
	}
	var sum uint64
	for i, p := range cur.Pix {
		q := prev.Pix[i]
		if p > q {
			sum += uint64(p - q)
		} else {
			sum += uint64(q - p)
		}
	}
	return float64(sum) / float64(len(cur.Pix))
}

// LaplacianVariance estimates sharpness as the variance of the 3x3
// four-neighbour Laplacian, with reflect-101 borders.
func LaplacianVariance(g *Gray) float64 {
	w, h := g.Width, g.Height
	n := w * h
	if n == 0 {
		return 0
	}
	var sum, sumSq int64
	for y := 0; y < h; y++ {
		up := reflect101(y-1, h) * w
		down := reflect101(y+1, h) * w
		row := y * w
		for x := 0; x < w; x++ {
			left := reflect101(x-1, w)
			right := reflect101(x+1, w)
			v := int64(g.Pix[up+x]) + int64(g.Pix[down+x]) +
				int64(g.Pix[row+left]) + int64(g.Pix[row+right]) -
				4*int64(g.Pix[row+x])
			sum += v
			sumSq += v * v
		}
	}
	mean := float64(sum) / float64(n)
	variance := float64(sumSq)/float64(n) - mean*mean
	if variance < 0 {
		return 0
	}
	return variance
}

// reflect101 maps an out-of-range index to its mirror without repeating
// the edge pixel (gfedcb|abcdefgh|gfedcba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - 2 - i
	}
	return i
}
