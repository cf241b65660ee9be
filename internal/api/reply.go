package api

import (
	"context"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/proctor"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

const (
	allClearMessage  = "Everything looks good. Keep focusing on your exam!"
	tabSwitchMessage = "Please stay on the exam page. Tab switching detected!"
)

// AnalyzeReply is the exam page's view of one classified frame.
type AnalyzeReply struct {
	Alert         bool            `json:"alert"`
	Message       string          `json:"message"`
	SoundType     *types.Category `json:"sound_type"`
	ScreenBlurred bool            `json:"screen_blurred"`
	Category      *types.Category `json:"category"`
}

// TabSwitchReply is the exam page's view of one tab switch.
type TabSwitchReply struct {
	Alert     bool            `json:"alert"`
	Message   string          `json:"message,omitempty"`
	SoundType *types.Category `json:"sound_type,omitempty"`
}

func analyzeReply(res proctor.FrameResult) AnalyzeReply {
	if !res.AlertFired {
		return AnalyzeReply{Message: allClearMessage}
	}
	return AnalyzeReply{
		Alert:         true,
		Message:       res.Message,
		SoundType:     res.Category,
		ScreenBlurred: res.IsBlur,
		Category:      res.Category,
	}
}

func tabSwitchReply(res proctor.TabResult) TabSwitchReply {
	if !res.AlertFired {
		return TabSwitchReply{}
	}
	sound := types.TabSwitching
	return TabSwitchReply{Alert: true, Message: tabSwitchMessage, SoundType: &sound}
}

// Ingest adapts the proctor service to the WebRTC data channel, replying
// with the same JSON as /analyze and /tab_switch.
type Ingest struct {
	svc *proctor.Service
}

// NewIngest returns an Ingest backed by svc.
func NewIngest(svc *proctor.Service) *Ingest {
	return &Ingest{svc: svc}
}

// Frame classifies one binary frame.
func (i *Ingest) Frame(ctx context.Context, user string, data []byte) (any, error) {
	res, err := i.svc.ClassifyFrame(ctx, user, data)
	if err != nil {
		return nil, err
	}
	return analyzeReply(res), nil
}

// TabSwitch records one tab switch.
func (i *Ingest) TabSwitch(ctx context.Context, user string) (any, error) {
	res, err := i.svc.TabSwitch(ctx, user)
	if err != nil {
		return nil, err
	}
	return tabSwitchReply(res), nil
}
