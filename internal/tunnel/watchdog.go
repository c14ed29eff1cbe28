package tunnel

import "time"

type Verdict int

const (
	// VerdictAlive means a heartbeat should go out this tick.
	VerdictAlive Verdict = iota
	// VerdictStale means the link must be dropped; no heartbeat this tick.
	VerdictStale
)

func (v Verdict) String() string {
	if v == VerdictStale {
		return "stale"
	}
	return "alive"
}

// Watchdog decides liveness from the time of the last inbound frame. An open
// socket is not enough; the broker has to have said something recently.
type Watchdog struct {
	staleAfter  time.Duration
	lastInbound time.Time
}

func NewWatchdog(staleAfter time.Duration) *Watchdog {
	return &Watchdog{staleAfter: staleAfter}
}

func (w *Watchdog) Touch(now time.Time) { w.lastInbound = now }

func (w *Watchdog) LastInbound() time.Time { return w.lastInbound }

func (w *Watchdog) SinceLastInbound(now time.Time) time.Duration {
	return now.Sub(w.lastInbound)
}

func (w *Watchdog) Check(now time.Time) Verdict {
	if w.SinceLastInbound(now) > w.staleAfter {
		return VerdictStale
	}
	return VerdictAlive
}
