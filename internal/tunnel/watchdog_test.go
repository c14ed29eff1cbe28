package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogVerdicts(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWatchdog(129 * time.Second)
	w.Touch(start)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    Verdict
	}{
		{"fresh", 0, VerdictAlive},
		{"one interval", 2 * time.Minute, VerdictAlive},
		{"exactly at limit", 129 * time.Second, VerdictAlive},
		{"just past limit", 129*time.Second + time.Millisecond, VerdictStale},
		{"two intervals", 4 * time.Minute, VerdictStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Check(start.Add(tt.elapsed)))
		})
	}
}

func TestWatchdogTouchRefreshes(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWatchdog(time.Minute)
	w.Touch(start)

	later := start.Add(90 * time.Second)
	assert.Equal(t, VerdictStale, w.Check(later))

	w.Touch(later)
	assert.Equal(t, later, w.LastInbound())
	assert.Equal(t, VerdictAlive, w.Check(later.Add(30*time.Second)))
	assert.Equal(t, 30*time.Second, w.SinceLastInbound(later.Add(30*time.Second)))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "alive", VerdictAlive.String())
	assert.Equal(t, "stale", VerdictStale.String())
}
