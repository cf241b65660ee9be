// Package notify fans fired alerts out to live dashboards and the message
// bus without blocking the classification path.
package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// Event types
const (
	TypeAlert        = "alert"
	TypeSessionEnded = "session_ended"
	TypeDeleted      = "record_deleted"
)

// Event is one notification about a student.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"event"`
	User      string         `json:"username"`
	Category  types.Category `json:"type"`
	Message   string         `json:"message,omitempty"`
	Source    string         `json:"source,omitempty"` // "frame", "tab_switch"
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers events somewhere.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
	Name() string
}

// SerializedEvent holds pre-serialized data in both formats so fan-out does
// not serialize once per client.
type SerializedEvent struct {
	User         string
	JSONData     []byte // JSON
	ProtobufData []byte // base64 google.protobuf.Struct, for SSE
}

// Serialize encodes e as JSON and as a base64 protobuf Struct.
func Serialize(e Event) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event json: %w", err)
	}

	fields := map[string]interface{}{
		"event":     e.Type,
		"username":  e.User,
		"type":      e.Category.String(),
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
	}
	if e.ID != "" {
		fields["id"] = e.ID
	}
	if e.Message != "" {
		fields["message"] = e.Message
	}
	if e.Source != "" {
		fields["source"] = e.Source
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build event struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal event protobuf: %w", err)
	}

	return &SerializedEvent{
		User:         e.User,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
