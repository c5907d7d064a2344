package watch

import (
	"strings"
	"time"
)

// Pulse lights up on every response and fades when the pool goes quiet.
type Pulse struct {
	dots     int
	lastSeen time.Time
}

const pulseWidth = 5

func (p *Pulse) OnResponse(at time.Time) {
	p.dots = pulseWidth
	p.lastSeen = at
}

// Decay dims one dot per two seconds of silence.
func (p *Pulse) Decay(now time.Time) {
	if p.lastSeen.IsZero() {
		return
	}
	idle := int(now.Sub(p.lastSeen) / (2 * time.Second))
	p.dots = max(pulseWidth-idle, 0)
}

func (p Pulse) Dots() int { return p.dots }

func (p Pulse) LastSeen() time.Time { return p.lastSeen }

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.dots {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
