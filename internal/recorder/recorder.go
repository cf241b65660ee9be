package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/metrics"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// Snapshot is the frame that fired an alert.
type Snapshot struct {
	User      string
	Category  types.Category
	AlertID   string
	Timestamp time.Time
	Format    string // Decoded codec name ("jpeg", "png", ...)
	Data      []byte
}

// Recorder writes evidence snapshots to <basePath>/<user>/ from a
// background goroutine.
type Recorder struct {
	mu            sync.RWMutex
	basePath      string
	recording     bool
	snapshotCount uint64
	bytesWritten  uint64
	lastFile      string
	startTime     time.Time
	snapChan      chan *Snapshot
	wg            sync.WaitGroup
	metrics       *metrics.Metrics
}

// NewRecorder creates a recorder. m may be nil.
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	return &Recorder{
		basePath: basePath,
		metrics:  m,
	}
}

// Start begins accepting snapshots.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if err := os.MkdirAll(r.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	r.recording = true
	r.startTime = time.Now()
	r.snapChan = make(chan *Snapshot, 32)

	r.wg.Add(1)
	go r.writeSnapshots(r.snapChan)

	logger.Info("Recorder", "Writing evidence snapshots to %s", r.basePath)
	return nil
}

// Stop stops accepting snapshots and waits for queued ones to be written.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.snapChan)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// SendSnapshot queues a snapshot (non-blocking) and reports whether it was
// accepted.
func (r *Recorder) SendSnapshot(s *Snapshot) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	select {
	case r.snapChan <- s:
		return true
	default:
		if r.metrics != nil {
			r.metrics.SnapshotsDropped.Add(1)
		}
		return false
	}
}

func (r *Recorder) writeSnapshots(ch <-chan *Snapshot) {
	defer r.wg.Done()
	for s := range ch {
		if err := r.writeSnapshot(s); err != nil {
			if r.metrics != nil {
				r.metrics.SnapshotErrors.Add(1)
			}
			logger.Error("Recorder", "Snapshot for %s failed: %v", s.User, err)
		}
	}
}

func (r *Recorder) writeSnapshot(s *Snapshot) error {
	dir := filepath.Join(r.basePath, safeName(s.User))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(dir, Filename(s))
	if err := os.WriteFile(path, s.Data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	r.mu.Lock()
	r.snapshotCount++
	r.bytesWritten += uint64(len(s.Data))
	r.lastFile = path
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SnapshotsWritten.Add(1)
	}
	logger.Debug("Recorder", "Saved %s (%d bytes)", path, len(s.Data))
	return nil
}

// Filename returns the file name a snapshot is stored under.
func Filename(s *Snapshot) string {
	name := fmt.Sprintf("%s_%s", s.Timestamp.Format("20060102_150405.000"), s.Category)
	if s.AlertID != "" {
		id := s.AlertID
		if len(id) > 8 {
			id = id[:8]
		}
		name += "_" + id
	}
	return name + extension(s.Format)
}

func extension(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "png", "gif", "webp", "bmp", "tiff":
		return "." + format
	default:
		return ".bin"
	}
}

// safeName maps a username to a single path element.
func safeName(user string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, user)
	if name == "" || name == "." || name == ".." {
		return "_" + name
	}
	return name
}

// IsRecording returns true if snapshots are being accepted
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recorder status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RecordingStatus{
		Recording:     r.recording,
		Directory:     r.basePath,
		SnapshotCount: r.snapshotCount,
		BytesWritten:  r.bytesWritten,
		LastFile:      r.lastFile,
		StartTime:     r.startTime,
	}
}

// Close stops the recorder if it is running
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recorder status
type RecordingStatus struct {
	Recording     bool      `json:"recording"`
	Directory     string    `json:"directory"`
	SnapshotCount uint64    `json:"snapshot_count"`
	BytesWritten  uint64    `json:"bytes_written"`
	LastFile      string    `json:"last_file,omitempty"`
	StartTime     time.Time `json:"start_time"`
}
