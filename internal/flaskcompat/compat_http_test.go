package flaskcompat

import (
	"net/http"
	"testing"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/auth"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

var centeredFace = types.FaceBox{X: 245, Y: 165, Width: 150, Height: 150}

func TestFlaskCompatAnalyzeAllClear(t *testing.T) {
	client := newCompatClient(t)
	client.faces.set(centeredFace)

	resp, body := client.postJSON(t, "/analyze", client.token(t, "student1", auth.RoleStudent),
		map[string]any{"image": cameraFrame(t)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /analyze status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	assertAnalyzePayload(t, payload)
	if payload["alert"] != false {
		t.Fatalf("expected no alert, got %v", payload)
	}
	if msg := requireString(t, payload["message"], "message"); msg != "Everything looks good. Keep focusing on your exam!" {
		t.Fatalf("message = %q", msg)
	}
}

func TestFlaskCompatAnalyzeAlert(t *testing.T) {
	client := newCompatClient(t)
	client.faces.set()

	resp, body := client.postJSON(t, "/analyze", client.token(t, "student1", auth.RoleStudent),
		map[string]any{"image": cameraFrame(t)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /analyze status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	assertAnalyzePayload(t, payload)
	if payload["alert"] != true || payload["sound_type"] != "looking_away" ||
		payload["message"] != "Looking away from screen detected!" || payload["screen_blurred"] != false {
		t.Fatalf("unexpected alert payload: %v", payload)
	}
}

func TestFlaskCompatAnalyzeErrors(t *testing.T) {
	client := newCompatClient(t)

	resp, body := client.postJSON(t, "/analyze", "", map[string]any{"image": cameraFrame(t)})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous POST /analyze status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	requireKeys(t, payload, "error", "error")
	if payload["error"] != "Not authenticated" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}

	resp, body = client.postJSON(t, "/analyze", client.token(t, "student1", auth.RoleStudent), map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /analyze without image status = %d", resp.StatusCode)
	}
	if payload := decodeJSONMap(t, body); payload["error"] != "No image data provided" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
}

func TestFlaskCompatStudentHistory(t *testing.T) {
	client := newCompatClient(t)
	admin := client.token(t, "admin", auth.RoleAdmin)

	resp, body := client.get(t, "/api/students/ghost", admin)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET missing student status = %d", resp.StatusCode)
	}
	if payload := decodeJSONMap(t, body); payload["error"] != "No data available for this student" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}

	client.postJSON(t, "/tab_switch", client.token(t, "student1", auth.RoleStudent), nil)
	resp, body = client.get(t, "/api/students/student1", admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET student status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if requireString(t, payload["username"], "username") != "student1" {
		t.Fatalf("username = %v", payload["username"])
	}
	assertRecordPayload(t, requireMap(t, payload["history"], "history"), "history")
}

func TestFlaskCompatAdminStats(t *testing.T) {
	client := newCompatClient(t)
	student := client.token(t, "student1", auth.RoleStudent)
	client.postJSON(t, "/api/session/start", student, nil)
	client.postJSON(t, "/tab_switch", student, nil)

	resp, body := client.get(t, "/api/stats", client.token(t, "admin", auth.RoleAdmin))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/stats status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	requireNumber(t, payload["total_users"], "total_users")
	requireNumber(t, payload["active_sessions"], "active_sessions")
	if requireNumber(t, payload["total_detections"], "total_detections") != 1 {
		t.Fatalf("total_detections = %v", payload["total_detections"])
	}
	byCategory := requireMap(t, payload["by_category"], "by_category")
	for _, c := range types.ViolationCategories {
		requireNumber(t, byCategory[c.String()], "by_category."+c.String())
	}
}

func TestFlaskCompatWebRTCOfferInvalid(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.postJSON(t, "/api/webrtc/offer", client.token(t, "student1", auth.RoleStudent), map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /api/webrtc/offer status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if requireString(t, payload["error"], "error") != "Invalid offer data" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
}
