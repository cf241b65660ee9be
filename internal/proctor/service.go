// Package proctor implements the two student-facing operations, frame
// classification and tab-switch reporting, on top of the vision, session and
// alert packages.
package proctor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/alert"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/metrics"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/notify"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/recorder"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/session"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/vision"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

var (
	// ErrInvalidInput means no image payload was supplied at all.
	ErrInvalidInput = errors.New("no image data provided")
	// ErrUnauthenticated means the caller has no student identity.
	ErrUnauthenticated = errors.New("not authenticated")
)

// Sources recorded on events.
const (
	SourceFrame     = "frame"
	SourceTabSwitch = "tab_switch"
)

// FrameResult is the outcome of one classified frame.
type FrameResult struct {
	AlertFired bool
	Message    string          // Alert message, "" when no alert fired
	Category   *types.Category // Fired category, nil when no alert fired
	IsBlur     bool            // An alert fired for a blurred screen
	Detected   types.Category  // Classification before cooldown
}

// TabResult is the outcome of one tab switch.
type TabResult struct {
	AlertFired bool
	Message    string // "" when suppressed
}

// EventPublisher accepts alert events without blocking.
type EventPublisher interface {
	Publish(e notify.Event) bool
}

// SnapshotSink accepts evidence snapshots without blocking.
type SnapshotSink interface {
	SendSnapshot(s *recorder.Snapshot) bool
}

// Options wires a Service. Events, Snapshots and Metrics may be nil.
type Options struct {
	Classifier *vision.Classifier
	Sessions   *session.Manager
	Aggregator *alert.Aggregator
	Events     EventPublisher
	Snapshots  SnapshotSink
	Metrics    *metrics.Metrics
}

// Service runs the proctoring operations. It is safe for concurrent use;
// events for one student are serialized by that student's session.
type Service struct {
	classifier *vision.Classifier
	sessions   *session.Manager
	agg        *alert.Aggregator
	events     EventPublisher
	snapshots  SnapshotSink
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates a service.
func New(opts Options) *Service {
	return &Service{
		classifier: opts.Classifier,
		sessions:   opts.Sessions,
		agg:        opts.Aggregator,
		events:     opts.Events,
		snapshots:  opts.Snapshots,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// Aggregator returns the alert aggregator.
func (s *Service) Aggregator() *alert.Aggregator { return s.agg }

// Sessions returns the session registry.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Begin creates user's monitoring record if it does not exist yet.
func (s *Service) Begin(user string) error {
	if user == "" {
		return ErrUnauthenticated
	}
	s.agg.Ensure(user)
	return nil
}

// ClassifyEncoded classifies a frame sent as a data URL or bare base64
// string. Undecodable base64 classifies as NoFace.
func (s *Service) ClassifyEncoded(ctx context.Context, user, encoded string) (FrameResult, error) {
	if user == "" {
		return FrameResult{}, ErrUnauthenticated
	}
	if encoded == "" {
		if s.metrics != nil {
			s.metrics.FramesRejected.Add(1)
		}
		return FrameResult{}, ErrInvalidInput
	}
	data, err := DecodeDataURL(encoded)
	if err != nil {
		logger.Debug("Proctor", "Undecodable base64 frame from %s: %v", user, err)
		data = []byte{}
	}
	return s.ClassifyFrame(ctx, user, data)
}

// ClassifyFrame classifies one encoded frame for user and applies the
// alert gate. A nil payload is ErrInvalidInput; an empty or undecodable one
// classifies as NoFace.
func (s *Service) ClassifyFrame(ctx context.Context, user string, data []byte) (FrameResult, error) {
	if user == "" {
		return FrameResult{}, ErrUnauthenticated
	}
	if data == nil {
		if s.metrics != nil {
			s.metrics.FramesRejected.Add(1)
		}
		return FrameResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FrameResult{}, err
	}

	s.agg.Ensure(user)
	if s.metrics != nil {
		s.metrics.FramesReceived.Add(1)
	}

	var (
		res     vision.Result
		outcome alert.Outcome
		took    time.Duration
	)
	s.sessions.Do(user, func(sess *session.Session) {
		sess.CountFrame()
		start := time.Now()
		res = s.classifier.Analyze(sess.Vision(), data, s.now())
		took = time.Since(start)
		outcome = s.agg.RecordFrameDetection(user, res.Category)
	})

	if s.metrics != nil {
		s.metrics.ObserveClassification(res.Category, took)
		if res.Diagnostics.DecodeFailure {
			s.metrics.DecodeFailures.Add(1)
		}
	}

	out := FrameResult{Detected: res.Category}
	if !outcome.Fired {
		if res.Category.IsViolation() && s.metrics != nil {
			s.metrics.AlertsSuppressed.Add(1)
		}
		return out, nil
	}

	category := res.Category
	out.AlertFired = true
	out.Message = outcome.Message
	out.Category = &category
	out.IsBlur = category == types.BlurScreen
	s.fired(user, outcome.Alert, SourceFrame)

	if s.snapshots != nil && !res.Diagnostics.DecodeFailure {
		s.snapshots.SendSnapshot(&recorder.Snapshot{
			User:      user,
			Category:  category,
			AlertID:   outcome.Alert.ID,
			Timestamp: outcome.Alert.Timestamp,
			Format:    res.Format,
			Data:      bytes.Clone(data),
		})
	}
	return out, nil
}

// TabSwitch records that user left the exam page.
func (s *Service) TabSwitch(ctx context.Context, user string) (TabResult, error) {
	if user == "" {
		return TabResult{}, ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return TabResult{}, err
	}

	var outcome alert.Outcome
	s.sessions.Do(user, func(*session.Session) {
		outcome = s.agg.RecordTabSwitch(user)
	})

	if s.metrics != nil {
		s.metrics.TabSwitches.Add(1)
	}
	if !outcome.Fired {
		if s.metrics != nil {
			s.metrics.AlertsSuppressed.Add(1)
		}
		return TabResult{}, nil
	}
	s.fired(user, outcome.Alert, SourceTabSwitch)
	return TabResult{AlertFired: true, Message: outcome.Message}, nil
}

// EndSession destroys user's vision context. Counters and the alert log
// are kept.
func (s *Service) EndSession(user string) bool {
	if !s.sessions.End(user) {
		return false
	}
	s.publish(notify.Event{Type: notify.TypeSessionEnded, User: user, Timestamp: s.now()})
	return true
}

// DeleteRecord removes user's record, the only way to reset counters.
func (s *Service) DeleteRecord(user string) bool {
	s.sessions.End(user)
	if !s.agg.Delete(user) {
		return false
	}
	s.publish(notify.Event{Type: notify.TypeDeleted, User: user, Timestamp: s.now()})
	return true
}

func (s *Service) fired(user string, a *alert.AlertRecord, source string) {
	if s.metrics != nil {
		s.metrics.AlertsFired.Add(1)
	}
	s.publish(notify.Event{
		ID:        a.ID,
		Type:      notify.TypeAlert,
		User:      user,
		Category:  a.Category,
		Message:   a.Message,
		Source:    source,
		Timestamp: a.Timestamp,
	})
}

func (s *Service) publish(e notify.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

// DecodeDataURL decodes "data:image/...;base64,<payload>" or a bare base64
// payload. Everything up to the first comma is ignored.
func DecodeDataURL(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
