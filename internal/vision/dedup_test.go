package vision

import (
	"testing"

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

func TestDeduplicate(t *testing.T) {
	cfg := DefaultDedupConfig()

	tests := []struct {
		name  string
		boxes []types.FaceBox
		want  int
	}{
		{
			name: "two well separated faces",
			boxes: []types.FaceBox{
				{X: 40, Y: 40, Width: 100, Height: 100},
				{X: 400, Y: 40, Width: 100, Height: 100},
			},
			want: 2,
		},
		{
			name: "overlapping detections of one face",
			boxes: []types.FaceBox{
				{X: 100, Y: 100, Width: 120, Height: 120},
				{X: 130, Y: 110, Width: 110, Height: 110},
			},
			want: 1,
		},
		{
			name: "disjoint but too close centers",
			boxes: []types.FaceBox{
				{X: 100, Y: 100, Width: 100, Height: 100},
				{X: 205, Y: 100, Width: 100, Height: 100},
			},
			want: 1,
		},
		{
			name: "too small and too large",
			boxes: []types.FaceBox{
				{X: 100, Y: 100, Width: 79, Height: 90},
				{X: 100, Y: 100, Width: 301, Height: 120},
			},
			want: 0,
		},
		{
			name: "touching the edge margin",
			boxes: []types.FaceBox{
				{X: 19, Y: 100, Width: 100, Height: 100},
				{X: 300, Y: 361, Width: 100, Height: 100},
				{X: 521, Y: 100, Width: 100, Height: 100},
			},
			want: 0,
		},
		{
			name: "rejected candidate does not shadow a later one",
			boxes: []types.FaceBox{
				{X: 5, Y: 100, Width: 100, Height: 100},
				{X: 30, Y: 100, Width: 100, Height: 100},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Deduplicate(tt.boxes, 640, 480, cfg)
			if len(got) != tt.want {
				t.Fatalf("Deduplicate() kept %d boxes (%v), want %d", len(got), got, tt.want)
			}
		})
	}
}

func TestDeduplicateFirstAcceptedWins(t *testing.T) {
	a := types.FaceBox{X: 100, Y: 100, Width: 100, Height: 100}
	b := types.FaceBox{X: 150, Y: 100, Width: 150, Height: 150}

	got := Deduplicate([]types.FaceBox{a, b}, 640, 480, DefaultDedupConfig())
	if len(got) != 1 || got[0] != a {
		t.Fatalf("expected first box to win, got %v", got)
	}
	got = Deduplicate([]types.FaceBox{b, a}, 640, 480, DefaultDedupConfig())
	if len(got) != 1 || got[0] != b {
		t.Fatalf("expected first box to win, got %v", got)
	}
}
