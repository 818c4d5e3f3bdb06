package watch

import (
	"strings"
	"time"
)

// Ticker rotates on every poll so a frozen view is visible.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Activity lights up on delivery events and fades over ten seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
}

func (a *Activity) OnEvent(at time.Time) {
	a.dots = 5
	a.lastEvent = at
}

// Decay fades the dots based on time since the last event.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	elapsed := now.Sub(a.lastEvent)
	switch {
	case elapsed > 10*time.Second:
		a.dots = 0
	case elapsed > 8*time.Second:
		a.dots = 1
	case elapsed > 6*time.Second:
		a.dots = 2
	case elapsed > 4*time.Second:
		a.dots = 3
	case elapsed > 2*time.Second:
		a.dots = 4
	}
}

func (a Activity) Dots() int { return a.dots }

func (a Activity) LastEvent() time.Time { return a.lastEvent }

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}
