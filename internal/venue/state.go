package venue

// Counters tracks the three bounded retry counters named in spec.md §4.1
// and §7: connect_attempts (transport failures), snap_attempts (snapshot
// fetch failures), and update_attempts (in-session streaming failures).
// All three share one MAX_WS_RECONNECTS ceiling; saturating any one of
// them stops the venue client.
type Counters struct {
	Connect int
	Snap    int
	Update  int
	Max     int
}

// NewCounters returns a zeroed Counters bounded by max.
func NewCounters(max int) Counters {
	return Counters{Max: max}
}

// Saturated reports whether any counter has reached its bound.
func (c Counters) Saturated() bool {
	return c.Connect >= c.Max || c.Snap >= c.Max || c.Update >= c.Max
}

// Reset zeroes all three counters, used once a client reaches Streaming
// with a confirmed-good book (a successful period resets the penalty for
// past failures, matching the teacher's reconnect-loop idiom of only
// counting consecutive failures).
func (c *Counters) Reset() {
	c.Connect = 0
	c.Snap = 0
	c.Update = 0
}
