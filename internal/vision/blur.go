package vision

import "github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"

// DefaultBlurThreshold is the Laplacian variance below which a frame is
// considered blurred. Normal laptop webcams sit between 50 and 200.
const DefaultBlurThreshold = 15.0

// ApplyBlurOverride turns None and LookingAway into BlurScreen when the frame
// is too soft. NoFace and MultiplePeople always win over blur.
func ApplyBlurOverride(category types.Category, sharpness, threshold float64) (types.Category, bool) {
	if sharpness >= threshold {
		return category, false
	}
	switch category {
	case types.None, types.LookingAway:
		return types.BlurScreen, true
	default:
		return category, false
	}
}
