package worker

import (
	"sync"
	"time"
)

// cadence names a worker's own check-schedule gate, per spec §4.10's
// cadence table: news/disclosure hourly, chart/flow at market close only,
// report weekly.
type cadence string

const (
	cadenceHourly      cadence = "hourly"
	cadenceMarketClose cadence = "market_close"
	cadenceWeekly      cadence = "weekly"
)

const (
	marketCloseStartHour, marketCloseStartMinute = 15, 30
	marketCloseEndHour, marketCloseEndMinute     = 16, 0
	weeklyReportWeekday                          = time.Monday
)

// cadenceGate decides, independently of the scheduler, whether this
// worker's pass is due right now — the same "distributed polling" idiom
// C10 uses for its own fallback-notice debounce, applied here to the
// execution decision itself rather than the no-event notice.
type cadenceGate struct {
	mu       sync.Mutex
	cadence  cadence
	location *time.Location
	lastRun  time.Time
	now      func() time.Time
}

func newCadenceGate(c cadence, location *time.Location) *cadenceGate {
	return &cadenceGate{cadence: c, location: location, now: time.Now}
}

// ready reports whether the cadence has elapsed, and a reason string to
// surface when it hasn't.
func (g *cadenceGate) ready() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(g.location)

	switch g.cadence {
	case cadenceHourly:
		if !g.lastRun.IsZero() && now.Sub(g.lastRun) < time.Hour {
			return false, "hourly cadence has not yet elapsed"
		}
	case cadenceMarketClose:
		start := time.Date(now.Year(), now.Month(), now.Day(), marketCloseStartHour, marketCloseStartMinute, 0, 0, g.location)
		end := time.Date(now.Year(), now.Month(), now.Day(), marketCloseEndHour, marketCloseEndMinute, 0, 0, g.location)
		if now.Before(start) || !now.Before(end) {
			return false, "outside today's market-close window"
		}
		if sameDay(g.lastRun, now) {
			return false, "already executed for today's market close"
		}
	case cadenceWeekly:
		if now.Weekday() != weeklyReportWeekday {
			return false, "not the weekly report day"
		}
		if sameISOWeek(g.lastRun, now) {
			return false, "already executed for this week"
		}
	}
	return true, ""
}

// markRun records that a pass just executed, at the gate's current now().
func (g *cadenceGate) markRun() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRun = g.now()
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameISOWeek(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}
