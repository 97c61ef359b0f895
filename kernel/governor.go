package kernel

import (
	"sync"
	"time"
)

// governorLabel is the debug label carried by the governor's self-scheduled
// event, used for log/trace attribution.
const governorLabel = "speed-governor"

// SpeedGovernor throttles the kernel's event loop to a configurable ratio of
// real time by self-rescheduling its own TimeEvent - never a time.Timer -
// so that the throttle is part of the simulated-time fabric rather than a
// real-time wall-clock callback racing the kernel loop.
type SpeedGovernor struct {
	mu    sync.Mutex
	ratio *float64 // nil = unlimited

	anchorSimMs     int64
	anchorRealMs    int64
	lastAnchorResetRealMs int64

	event *Event

	nowMs    func() int64
	sleep    func(d time.Duration)
	schedule func(e *Event, atMicros int64)

	onSleep func(d time.Duration)
	onRatio func(ratio float64) // argument is 0 when unlimited
}

// newSpeedGovernor constructs a governor. schedule must reschedule the
// governor's event on the simulation thread's event queue (kernel.ScheduleEvent
// when called from the kernel thread itself). nowMs/sleep are injectable for
// deterministic tests; production wiring uses wall-clock time.
func newSpeedGovernor(schedule func(e *Event, atMicros int64), nowMs func() int64, sleep func(time.Duration)) *SpeedGovernor {
	g := &SpeedGovernor{schedule: schedule, nowMs: nowMs, sleep: sleep}
	g.event = NewEvent(governorLabel, g.fire)
	return g
}

// SetUnlimited switches the governor to unlimited mode: its self-scheduled
// event becomes a no-op and is not rescheduled again until a limit is set.
func (g *SpeedGovernor) SetUnlimited() {
	g.mu.Lock()
	g.ratio = nil
	g.mu.Unlock()
	if g.onRatio != nil {
		g.onRatio(0)
	}
}

// SetLimit switches the governor to limited mode at the given ratio
// (1.0 = real-time, <1.0 slower, >1.0 faster) and resets its anchors to the
// current simulated/real time, scheduling the next firing at simNowMicros.
func (g *SpeedGovernor) SetLimit(ratio float64, simNowMicros int64) {
	g.mu.Lock()
	g.ratio = &ratio
	g.anchorRealMs = g.nowMs()
	g.anchorSimMs = simNowMicros / int64(Millisecond)
	g.lastAnchorResetRealMs = g.anchorRealMs
	g.mu.Unlock()

	if g.onRatio != nil {
		g.onRatio(ratio)
	}
	g.schedule(g.event, simNowMicros)
}

// Ratio returns the active ratio and whether the governor is currently
// limited (false, _ when unlimited).
func (g *SpeedGovernor) Ratio() (ratio float64, limited bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ratio == nil {
		return 0, false
	}
	return *g.ratio, true
}

// fire runs on the simulation thread as the governor's TimeEvent callback.
func (g *SpeedGovernor) fire(simMicros int64) error {
	g.mu.Lock()
	ratio := g.ratio
	if ratio == nil {
		g.mu.Unlock()
		return nil
	}
	r := *ratio
	simMs := simMicros / int64(Millisecond)
	nowMs := g.nowMs()

	deltaSimMs := simMs - g.anchorSimMs
	deltaRealMs := nowMs - g.anchorRealMs
	expectedRealMs := float64(deltaSimMs) / r
	sleepMs := expectedRealMs - float64(deltaRealMs)

	// Reset anchors once per real-time second.
	if nowMs-g.lastAnchorResetRealMs >= 1000 {
		g.anchorRealMs = nowMs
		g.anchorSimMs = simMs
		g.lastAnchorResetRealMs = nowMs
	}
	g.mu.Unlock()

	var nextAtMicros int64
	if sleepMs >= 0 {
		d := time.Duration(sleepMs * float64(time.Millisecond))
		if g.onSleep != nil {
			g.onSleep(d)
		}
		if d > 0 {
			g.sleep(d)
		}
		nextAtMicros = simMicros + int64(Millisecond)
	} else {
		if g.onSleep != nil {
			g.onSleep(0)
		}
		nextAtMicros = simMicros + int64(-sleepMs*float64(Millisecond))
	}

	g.schedule(g.event, nextAtMicros)
	return nil
}
