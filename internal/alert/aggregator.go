package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// Outcome is the result of recording one event.
type Outcome struct {
	Fired   bool
	Message string       // Alert message, "" when suppressed
	Alert   *AlertRecord // Appended record when fired
}

// Stats summarizes every record.
type Stats struct {
	TotalUsers      int                    `json:"total_users"`
	TotalDetections int                    `json:"total_detections"`
	TotalAlerts     int                    `json:"total_alerts"`
	ByCategory      map[types.Category]int `json:"by_category"`
}

// Pending lists the changes not yet persisted.
type Pending struct {
	Updated map[string]Record
	Deleted []string
}

// Empty reports whether there is nothing to persist.
func (p Pending) Empty() bool {
	return len(p.Updated) == 0 && len(p.Deleted) == 0
}

// Aggregator owns every user's counters and alert log and consults the Gate
// to decide whether an event fires. Counters are incremented for every
// event, fired or not.
type Aggregator struct {
	mu      sync.RWMutex
	records map[string]*Record
	dirty   map[string]struct{}
	deleted map[string]struct{}
	gate    *Gate

	now   func() time.Time
	newID func() string
}

// NewAggregator creates an aggregator using gate for suppression.
func NewAggregator(gate *Gate) *Aggregator {
	if gate == nil {
		gate = NewGate(0)
	}
	return &Aggregator{
		records: make(map[string]*Record),
		dirty:   make(map[string]struct{}),
		deleted: make(map[string]struct{}),
		gate:    gate,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Gate returns the cooldown gate.
func (a *Aggregator) Gate() *Gate {
	return a.gate
}

// Restore replaces the in-memory records with previously persisted ones.
// Restored records are not marked dirty.
func (a *Aggregator) Restore(records map[string]Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = make(map[string]*Record, len(records))
	for user, rec := range records {
		r := NewRecord()
		for c, n := range rec.Counts {
			r.Counts[c] = n
		}
		r.AlertHistory = append(r.AlertHistory, rec.AlertHistory...)
		a.records[user] = &r
	}
	logger.Info("Aggregator", "Restored %d records", len(records))
}

// Ensure creates an all-zero record for user if none exists and reports
// whether it did.
func (a *Aggregator) Ensure(user string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[user]; ok {
		return false
	}
	a.recordLocked(user)
	return true
}

func (a *Aggregator) recordLocked(user string) *Record {
	rec, ok := a.records[user]
	if !ok {
		r := NewRecord()
		rec = &r
		a.records[user] = rec
		a.dirty[user] = struct{}{}
	}
	return rec
}

// RecordFrameDetection counts a classified frame and fires an alert unless
// the gate suppresses it. A None frame is a clean frame.
func (a *Aggregator) RecordFrameDetection(user string, category types.Category) Outcome {
	if category == types.None {
		a.RecordCleanFrame(user)
		return Outcome{}
	}
	return a.record(user, category)
}

// RecordTabSwitch counts a tab switch and fires an alert unless suppressed.
func (a *Aggregator) RecordTabSwitch(user string) Outcome {
	return a.record(user, types.TabSwitching)
}

func (a *Aggregator) record(user string, category types.Category) Outcome {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.recordLocked(user)
	rec.Counts[category]++
	a.dirty[user] = struct{}{}

	if !a.gate.Admit(user, category, now) {
		logger.Debug("Aggregator", "Suppressed %s for %s (count=%d)", category, user, rec.Counts[category])
		return Outcome{}
	}

	alert := AlertRecord{
		ID:        a.newID(),
		Timestamp: now,
		Category:  category,
		Message:   category.Message(),
	}
	rec.AlertHistory = append(rec.AlertHistory, alert)
	logger.Info("Aggregator", "Alert for %s: %s", user, alert.Message)
	return Outcome{Fired: true, Message: alert.Message, Alert: &alert}
}

// RecordCleanFrame lifts every suppression for user.
func (a *Aggregator) RecordCleanFrame(user string) {
	if n := a.gate.ClearUser(user); n > 0 {
		logger.Debug("Aggregator", "Cleared %d cooldowns for %s", n, user)
	}
}

// Delete removes user's record and cooldowns. This is the only operation
// that resets counters.
func (a *Aggregator) Delete(user string) bool {
	a.mu.Lock()
	_, ok := a.records[user]
	if ok {
		delete(a.records, user)
		delete(a.dirty, user)
		a.deleted[user] = struct{}{}
	}
	a.mu.Unlock()

	a.gate.ClearUser(user)
	return ok
}

// Snapshot returns a copy of user's record.
func (a *Aggregator) Snapshot(user string) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[user]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// All returns a copy of every record keyed by username.
func (a *Aggregator) All() map[string]Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Record, len(a.records))
	for user, rec := range a.records {
		out[user] = rec.Clone()
	}
	return out
}

// Users returns the known usernames in sorted order.
func (a *Aggregator) Users() []string {
	a.mu.RLock()
	users := make([]string, 0, len(a.records))
	for user := range a.records {
		users = append(users, user)
	}
	a.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Stats aggregates counters across every user.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Stats{
		TotalUsers: len(a.records),
		ByCategory: make(map[types.Category]int, len(types.ViolationCategories)),
	}
	for _, c := range types.ViolationCategories {
		s.ByCategory[c] = 0
	}
	for _, rec := range a.records {
		for c, n := range rec.Counts {
			s.ByCategory[c] += n
			s.TotalDetections += n
		}
		s.TotalAlerts += len(rec.AlertHistory)
	}
	return s
}

// TakePending returns and clears the changes made since the last call.
func (a *Aggregator) TakePending() Pending {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := Pending{Updated: make(map[string]Record, len(a.dirty))}
	for user := range a.dirty {
		if rec, ok := a.records[user]; ok {
			p.Updated[user] = rec.Clone()
		}
	}
	for user := range a.deleted {
		p.Deleted = append(p.Deleted, user)
	}
	sort.Strings(p.Deleted)
	a.dirty = make(map[string]struct{})
	a.deleted = make(map[string]struct{})
	return p
}

// Requeue marks the changes in p as pending again after a failed flush.
// Users updated since p was taken keep their newer state.
func (a *Aggregator) Requeue(p Pending) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range p.Deleted {
		if _, ok := a.records[user]; !ok {
			a.deleted[user] = struct{}{}
		}
	}
	for user := range p.Updated {
		if _, ok := a.records[user]; ok {
			a.dirty[user] = struct{}{}
		}
	}
}
