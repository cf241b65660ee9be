// Package flaskcompat pins the JSON contract the exam pages and admin
// dashboard were written against. Every test runs the full server stack
// in-process behind httptest.
package flaskcompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/alert"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/api"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/auth"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/metrics"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/notify"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/proctor"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/recorder"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/session"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/store"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/vision"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

const (
	compatSecret          = "flask-compat-secret-0123456789"
	defaultRequestTimeout = 2 * time.Second
)

// faces controls what the fake face cascade reports.
type faces struct {
	mu    sync.Mutex
	boxes []types.FaceBox
}

func (f *faces) set(boxes ...types.FaceBox) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boxes = boxes
}

func (f *faces) detect(*vision.Gray) ([]types.FaceBox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boxes, nil
}

func twoEyes(*vision.Gray) ([]types.FaceBox, error) {
	return []types.FaceBox{{X: 10, Y: 30, Width: 30, Height: 20}, {X: 60, Y: 30, Width: 30, Height: 20}}, nil
}

type compatClient struct {
	baseURL   string
	client    *http.Client
	verifier  *auth.Verifier
	faces     *faces
	flusher   *store.Flusher
	recorder  *recorder.Recorder
	storePath string
	snapDir   string
}

func newCompatClient(t *testing.T) *compatClient {
	t.Helper()
	dir := t.TempDir()
	m := metrics.New()

	fs := &faces{}
	classifier := vision.NewClassifier(vision.DefaultConfig(), vision.Detectors{
		Face: vision.DetectorFunc(fs.detect),
		Eyes: []vision.Detector{vision.DetectorFunc(twoEyes)},
	})

	storePath := filepath.Join(dir, "detection_data.json")
	st, err := store.OpenJSONFile(storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	agg := alert.NewAggregator(alert.NewGate(0))

	snapDir := filepath.Join(dir, "snapshots")
	rec := recorder.NewRecorder(snapDir, m)
	if err := rec.Start(); err != nil {
		t.Fatalf("start recorder: %v", err)
	}

	hub := notify.NewHub(16)
	dispatcher := notify.NewDispatcher(64, m, hub)
	dispatcher.Start()

	svc := proctor.New(proctor.Options{
		Classifier: classifier,
		Sessions:   session.NewManager(),
		Aggregator: agg,
		Events:     dispatcher,
		Snapshots:  rec,
		Metrics:    m,
	})
	verifier := auth.NewVerifier(compatSecret)
	server := api.New(api.Options{Service: svc, Hub: hub, Verifier: verifier, Metrics: m})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		dispatcher.Stop(ctx)
		_ = rec.Close()
		_ = st.Close()
	})

	return &compatClient{
		baseURL:   srv.URL,
		client:    &http.Client{Timeout: defaultRequestTimeout},
		verifier:  verifier,
		faces:     fs,
		flusher:   store.NewFlusher(agg, st, m, time.Second),
		recorder:  rec,
		storePath: storePath,
		snapDir:   snapDir,
	}
}

func (c *compatClient) token(t *testing.T, user, role string) string {
	t.Helper()
	tok, err := c.verifier.Issue(user, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (c *compatClient) do(t *testing.T, method, path, token string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *compatClient) get(t *testing.T, path, token string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, token, nil)
}

func (c *compatClient) postJSON(t *testing.T, path, token string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return c.do(t, http.MethodPost, path, token, bytes.NewReader(data))
}

// cameraFrame is a JPEG data URL like the exam page's canvas.toDataURL
// output: mid-grey with enough texture to count as sharp.
func cameraFrame(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			v := uint8(60)
			if (x/4+y/4)%2 == 0 {
				v = 160
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func openSSE(t *testing.T, url, token string, timeout time.Duration) (http.Header, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open sse: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sse status = %d", resp.StatusCode)
	}
	return resp.Header, bufio.NewReader(resp.Body)
}

// readSSEEvent returns the next event block, skipping keepalive comments.
func readSSEEvent(r *bufio.Reader) (string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read sse: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	lines := strings.Split(event, "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func requireKeys(t *testing.T, payload map[string]any, field string, keys ...string) {
	t.Helper()
	if len(payload) != len(keys) {
		t.Fatalf("%s has keys %v, want exactly %v", field, mapKeys(payload), keys)
	}
	for _, k := range keys {
		if _, ok := payload[k]; !ok {
			t.Fatalf("%s missing %q (has %v)", field, k, mapKeys(payload))
		}
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// assertAnalyzePayload checks the /analyze reply read by the exam page.
func assertAnalyzePayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireKeys(t, payload, "analyze", "alert", "message", "sound_type", "screen_blurred", "category")
	alerted := requireBool(t, payload["alert"], "alert")
	requireString(t, payload["message"], "message")
	requireBool(t, payload["screen_blurred"], "screen_blurred")
	if alerted {
		requireString(t, payload["sound_type"], "sound_type")
		requireString(t, payload["category"], "category")
	} else if payload["sound_type"] != nil || payload["category"] != nil {
		t.Fatalf("no-alert reply carries sound_type/category: %v", payload)
	}
}

// assertRecordPayload checks one student's entry in detection_data.json.
func assertRecordPayload(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireKeys(t, payload, field,
		"looking_away", "multiple_people", "no_face", "blur_screen", "tab_switching", "alert_history")
	for _, k := range []string{"looking_away", "multiple_people", "no_face", "blur_screen", "tab_switching"} {
		requireNumber(t, payload[k], field+"."+k)
	}
	history := requireSlice(t, payload["alert_history"], field+".alert_history")
	for i, raw := range history {
		entry := requireMap(t, raw, fmt.Sprintf("%s.alert_history[%d]", field, i))
		ts := requireString(t, entry["timestamp"], "alert_history.timestamp")
		if _, err := alert.ParseTimestamp(ts); err != nil {
			t.Fatalf("alert_history timestamp %q: %v", ts, err)
		}
		requireString(t, entry["type"], "alert_history.type")
		requireString(t, entry["message"], "alert_history.message")
	}
}
