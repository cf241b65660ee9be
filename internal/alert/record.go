package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// legacyTimestamp is the naive ISO-8601 layout written by older exports.
const legacyTimestamp = "2006-01-02T15:04:05.999999999"

// AlertRecord is one fired alert. Records are immutable once appended.
type AlertRecord struct {
	ID        string
	Timestamp time.Time
	Category  types.Category
	Message   string
}

type alertRecordJSON struct {
	ID        string         `json:"id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Category  types.Category `json:"type"`
	Message   string         `json:"message"`
}

// MarshalJSON implements json.Marshaler.
func (a AlertRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(alertRecordJSON{
		ID:        a.ID,
		Timestamp: a.Timestamp.Format(time.RFC3339Nano),
		Category:  a.Category,
		Message:   a.Message,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Timestamps without a zone are
// read as local time.
func (a *AlertRecord) UnmarshalJSON(data []byte) error {
	var raw alertRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*a = AlertRecord{ID: raw.ID, Timestamp: ts, Category: raw.Category, Message: raw.Message}
	return nil
}

// ParseTimestamp accepts RFC 3339 and the zone-less ISO-8601 form.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(legacyTimestamp, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}

// Record is a user's monitoring record: a counter per violation category and
// the alert log in arrival order.
type Record struct {
	Counts       map[types.Category]int
	AlertHistory []AlertRecord
}

// NewRecord returns a record with every counter at zero.
func NewRecord() Record {
	counts := make(map[types.Category]int, len(types.ViolationCategories))
	for _, c := range types.ViolationCategories {
		counts[c] = 0
	}
	return Record{Counts: counts, AlertHistory: []AlertRecord{}}
}

// Total returns the sum of all counters.
func (r Record) Total() int {
	n := 0
	for _, v := range r.Counts {
		n += v
	}
	return n
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := Record{
		Counts:       make(map[types.Category]int, len(r.Counts)),
		AlertHistory: make([]AlertRecord, len(r.AlertHistory)),
	}
	for k, v := range r.Counts {
		out.Counts[k] = v
	}
	copy(out.AlertHistory, r.AlertHistory)
	return out
}

type recordJSON struct {
	LookingAway    int           `json:"looking_away"`
	MultiplePeople int           `json:"multiple_people"`
	NoFace         int           `json:"no_face"`
	BlurScreen     int           `json:"blur_screen"`
	TabSwitching   int           `json:"tab_switching"`
	AlertHistory   []AlertRecord `json:"alert_history"`
}

// MarshalJSON writes the flat detection_data.json shape.
func (r Record) MarshalJSON() ([]byte, error) {
	history := r.AlertHistory
	if history == nil {
		history = []AlertRecord{}
	}
	return json.Marshal(recordJSON{
		LookingAway:    r.Counts[types.LookingAway],
		MultiplePeople: r.Counts[types.MultiplePeople],
		NoFace:         r.Counts[types.NoFace],
		BlurScreen:     r.Counts[types.BlurScreen],
		TabSwitching:   r.Counts[types.TabSwitching],
		AlertHistory:   history,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Missing counters read as zero.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rec := NewRecord()
	rec.Counts[types.LookingAway] = raw.LookingAway
	rec.Counts[types.MultiplePeople] = raw.MultiplePeople
	rec.Counts[types.NoFace] = raw.NoFace
	rec.Counts[types.BlurScreen] = raw.BlurScreen
	rec.Counts[types.TabSwitching] = raw.TabSwitching
	if raw.AlertHistory != nil {
		rec.AlertHistory = raw.AlertHistory
	}
	*r = rec
	return nil
}
