// Package alert decides which classified events become student-facing alerts
// and keeps the per-user violation counters and alert log.
package alert

import (
	"sync"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

type gateKey struct {
	User     string
	Category types.Category
}

// Gate suppresses repeated alerts of the same category for a user. An entry
// lives until the user's next clean frame; with a non-zero expiry it also
// lapses once that much time has passed since the alert fired.
type Gate struct {
	mu      sync.Mutex
	expiry  time.Duration
	entries map[gateKey]time.Time
}

// NewGate creates a gate. expiry 0 disables time-based expiry.
func NewGate(expiry time.Duration) *Gate {
	return &Gate{
		expiry:  expiry,
		entries: make(map[gateKey]time.Time),
	}
}

// Admit reports whether an alert for (user, category) may fire at now, and
// records it when it does.
func (g *Gate) Admit(user string, category types.Category, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := gateKey{User: user, Category: category}
	if last, ok := g.entries[key]; ok {
		if g.expiry <= 0 || now.Sub(last) < g.expiry {
			return false
		}
	}
	g.entries[key] = now
	return true
}

// Active reports whether (user, category) is currently suppressed.
func (g *Gate) Active(user string, category types.Category) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[gateKey{User: user, Category: category}]
	return ok
}

// ClearUser removes every entry for user and returns how many were removed.
func (g *Gate) ClearUser(user string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for key := range g.entries {
		if key.User == user {
			delete(g.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of active entries.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
