package vision

import "time"

// Context is the temporal state the classifier needs across one session's
// frames. It is owned by a single session and is not safe for concurrent
// use; callers serialize access per user.
type Context struct {
	previous         *Gray
	absenceStartedAt time.Time
	lastFaceSeenAt   time.Time
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{}
}

// PreviousFrame returns the last stored grayscale frame, or nil.
func (c *Context) PreviousFrame() *Gray {
	return c.previous
}

// AbsenceStartedAt reports when the current run of face-less frames began.
func (c *Context) AbsenceStartedAt() (time.Time, bool) {
	return c.absenceStartedAt, !c.absenceStartedAt.IsZero()
}

// LastFaceSeenAt reports when a face was last detected.
func (c *Context) LastFaceSeenAt() (time.Time, bool) {
	return c.lastFaceSeenAt, !c.lastFaceSeenAt.IsZero()
}

// Reset drops all state.
func (c *Context) Reset() {
	*c = Context{}
}

func (c *Context) faceSeen(now time.Time) {
	c.absenceStartedAt = time.Time{}
	c.lastFaceSeenAt = now
}

func (c *Context) absence(now time.Time) time.Duration {
	if c.absenceStartedAt.IsZero() {
		c.absenceStartedAt = now
	}
	return now.Sub(c.absenceStartedAt)
}
