package session

import "time"

// defaultGuardDelay is how long the microphone stays gated after the
// assistant stops speaking.
const defaultGuardDelay = 500 * time.Millisecond

// turnGate tracks whether local recognition is paused because the assistant
// is (or just was) speaking. It is owned by the manager loop and not safe for
// concurrent use; the guard timer reports back through fire.
type turnGate struct {
	delay time.Duration
	after AfterFunc
	fire  func(gen uint64)

	speaking bool
	gated    bool
	gen      uint64
	timer    Timer
}

// speechStarted gates immediately and invalidates any pending guard timer.
func (g *turnGate) speechStarted() {
	g.cancelTimer()
	g.gen++
	g.speaking = true
	g.gated = true
}

// speechEnded starts the guard delay. Only the timer of the latest
// generation may ungate.
func (g *turnGate) speechEnded() {
	g.speaking = false
	if !g.gated {
		return
	}
	g.cancelTimer()
	g.gen++
	gen := g.gen
	g.timer = g.after(g.delay, func() { g.fire(gen) })
}

// expire handles a guard timer firing. It reports whether the gate opened.
func (g *turnGate) expire(gen uint64) bool {
	if gen != g.gen || g.speaking || !g.gated {
		return false
	}
	g.timer = nil
	g.gated = false
	return true
}

// release opens the gate at once, e.g. after a playback failure.
func (g *turnGate) release() {
	g.cancelTimer()
	g.gen++
	g.speaking = false
	g.gated = false
}

func (g *turnGate) cancelTimer() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
