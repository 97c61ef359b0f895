// Package kernel implements the discrete-event simulation kernel: the
// event queue, poll channel, speed governor, mote/mote-type registries and
// the single goroutine that drives simulated time forward by dequeuing and
// executing events in order.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/wsnkernel/internal/logging"
	"github.com/signalsfoundry/wsnkernel/kernelerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Metrics is the subset of observability hooks the kernel reports to.
// internal/observability.KernelCollector implements it; tests may supply a
// no-op or recording fake.
type Metrics interface {
	IncEventsDispatched()
	SetQueueDepth(n int)
	SetPollChannelDepth(n int)
	SetSpeedRatio(ratio float64) // 0 signals unlimited
	ObserveGovernorSleep(d time.Duration)
	SetMoteCount(n int)
	SetMoteTypeCount(n int)
}

// Logger is the subset of internal/logging.Logger the kernel depends on.
type Logger = logging.Logger

// Config carries the kernel's construction-time parameters: the ambient
// collaborators (logger, metrics, tracer) plus the subset of ConfigCodec
// state that affects runtime behavior directly.
type Config struct {
	Title             string
	Seed              int64
	SeedAutoGenerated bool
	SpeedRatio        *float64 // nil = unlimited
	MaxStartupDelay   int64    // microseconds
	Headless          bool
	UISink            UISink
	Logger            Logger
	Metrics           Metrics
	Tracer            trace.Tracer
	NowMs             func() int64        // injectable wall clock, for governor tests
	Sleep             func(time.Duration) // injectable sleep, for governor tests
}

type kernelState struct {
	running  bool
	threadID uint64
}

// SimulationKernel owns the clock, the event queue, the poll channel, the
// speed governor and the mote/mote-type registries, and exposes the
// lifecycle and embedding API described in SPEC_FULL.md section 6.
type SimulationKernel struct {
	cfg Config

	state atomic.Pointer[kernelState]
	clock atomic.Int64

	stopRequested atomic.Bool
	doneMu        sync.Mutex
	done          chan struct{}
	lastErr       error

	queue    *EventQueue
	poll     *PollChannel
	governor *SpeedGovernor
	rng      *DeterministicRng
	observers *Observers

	registryMu   sync.RWMutex
	title        string
	seed         int64
	seedAuto     bool
	maxStartup   int64
	motes        []Mote
	moteIndex    map[string]Mote
	moteTypes    []MoteType
	moteTypeIdx  map[string]MoteType
	radioMedium  RadioMedium

	logger  Logger
	metrics Metrics
	tracer  trace.Tracer
	uiSink  UISink
	headless bool
}

// New constructs a stopped kernel from cfg.
func New(cfg Config) *SimulationKernel {
	nowMs := cfg.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	k := &SimulationKernel{
		cfg:         cfg,
		queue:       NewEventQueue(),
		poll:        NewPollChannel(),
		observers:   NewObservers(),
		title:       cfg.Title,
		seed:        cfg.Seed,
		seedAuto:    cfg.SeedAutoGenerated,
		maxStartup:  cfg.MaxStartupDelay,
		moteIndex:   make(map[string]Mote),
		moteTypeIdx: make(map[string]MoteType),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		uiSink:      cfg.UISink,
		headless:    cfg.Headless,
	}
	k.state.Store(&kernelState{})
	k.rng = newDeterministicRng(cfg.Seed, func() bool {
		return !k.loadState().running || k.IsSimulationThread()
	})
	k.governor = newSpeedGovernor(k.scheduleFromGovernor, nowMs, sleep)
	k.governor.onSleep = func(d time.Duration) {
		if k.metrics != nil {
			k.metrics.ObserveGovernorSleep(d)
		}
	}
	k.governor.onRatio = func(r float64) {
		if k.metrics != nil {
			k.metrics.SetSpeedRatio(r)
		}
	}
	if cfg.SpeedRatio != nil {
		k.governor.SetLimit(*cfg.SpeedRatio, 0)
	}
	return k
}

// scheduleFromGovernor is the governor's reschedule hook: always called from
// the simulation thread (construction-time or from inside fire()), so it
// goes straight to the in-thread queue path.
func (k *SimulationKernel) scheduleFromGovernor(e *Event, at int64) {
	k.queue.ScheduleInThread(e, at)
}

func (k *SimulationKernel) loadState() kernelState { return *k.state.Load() }

// IsSimulationThread reports whether the calling goroutine is the kernel's
// running loop goroutine.
func (k *SimulationKernel) IsSimulationThread() bool {
	st := k.loadState()
	return st.threadID != 0 && st.threadID == goroutineID()
}

// Start spawns the kernel's loop goroutine. Returns an error if already
// running.
func (k *SimulationKernel) Start() error {
	st := k.loadState()
	if st.running {
		return fmt.Errorf("kernel: already running")
	}
	k.stopRequested.Store(false)
	k.doneMu.Lock()
	k.done = make(chan struct{})
	k.lastErr = nil
	k.doneMu.Unlock()

	k.state.Store(&kernelState{running: true})

	go func() {
		k.state.Store(&kernelState{running: true, threadID: goroutineID()})
		k.observers.Notify(LifecycleEvent{Kind: Started})
		k.run()
	}()
	return nil
}

// run is the main loop: drain poll actions, pop and dispatch the earliest
// event, advance the clock, repeat until stopRequested.
func (k *SimulationKernel) run() {
	var loopErr error
	defer func() {
		k.state.Store(&kernelState{})
		k.doneMu.Lock()
		k.lastErr = loopErr
		close(k.done)
		k.doneMu.Unlock()
		k.observers.Notify(LifecycleEvent{Kind: Stopped})
	}()

	for {
		k.poll.Drain()

		ev, err := k.queue.PopFirst()
		if err != nil {
			panic(kernelerr.ErrStarvedLoop)
		}

		clock := k.clock.Load()
		kernelerr.Assert(ev.Time() >= clock, "event dispatched out of order: %d < %d", ev.Time(), clock)
		k.clock.Store(ev.Time())

		if err := k.dispatchAndHandle(ev); err != nil {
			loopErr = err
			return
		}

		if k.stopRequested.Load() {
			return
		}
	}
}

// dispatchAndHandle executes ev with tracing/metrics and applies the error
// policy from SPEC_FULL.md section 4.4/7: graceful stop, or an
// EventExecutionError surfaced per headless/interactive mode. Returns a
// non-nil error only when the loop must end carrying that error (unhandled
// execution failure); a graceful stop returns nil after requesting stop.
func (k *SimulationKernel) dispatchAndHandle(ev *Event) error {
	ctx := context.Background()
	var span trace.Span
	if k.tracer != nil {
		ctx, span = k.tracer.Start(ctx, "kernel.dispatch", trace.WithAttributes(
			attribute.String("event.label", ev.Label()),
			attribute.Int64("event.time_us", ev.Time()),
		))
		defer span.End()
	}

	if k.metrics != nil {
		k.metrics.IncEventsDispatched()
		k.metrics.SetQueueDepth(k.queue.Len())
		k.metrics.SetPollChannelDepth(k.poll.Len())
	}

	err := ev.Execute(k.clock.Load())
	if err == nil {
		return nil
	}
	if span != nil {
		span.RecordError(err)
	}

	if kernelerr.IsGracefulStop(err) {
		if k.logger != nil {
			k.logger.Info(ctx, "simulation stopping gracefully", logging.String("label", ev.Label()))
		}
		k.stopRequested.Store(true)
		return nil
	}

	execErr := &kernelerr.EventExecutionError{MoteID: ev.MoteID(), Label: ev.Label(), Err: err}
	if k.logger != nil {
		k.logger.Error(ctx, "unhandled event execution error",
			logging.Any("error", execErr),
			logging.String("mote_id", ev.MoteID()),
			logging.String("label", ev.Label()))
	}
	k.stopRequested.Store(true)
	if !k.headless && k.uiSink != nil {
		k.uiSink(execErr)
		return nil
	}
	return execErr
}

// Wait blocks until the current run of the loop has exited and returns the
// error it carried (nil on a clean or graceful stop). Callers (typically
// cmd/simulator) translate a non-nil error into exit code 1.
func (k *SimulationKernel) Wait() error {
	k.doneMu.Lock()
	done := k.done
	k.doneMu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	k.doneMu.Lock()
	defer k.doneMu.Unlock()
	return k.lastErr
}

// Stop requests the loop to exit after its current event. If block is true
// and the caller is not the simulation thread itself, Stop waits up to
// 100ms for the loop to finish (bounded, so a kernel blocked inside a user
// callback cannot deadlock the caller). Called from the simulation thread,
// block has no effect: the loop will honor stopRequested after the event
// currently executing returns.
func (k *SimulationKernel) Stop(block bool) {
	k.stopRequested.Store(true)
	if !block || k.IsSimulationThread() {
		return
	}
	k.doneMu.Lock()
	done := k.done
	k.doneMu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
	}
}

// StepOneMillisecond is only valid while stopped: it schedules a stop event
// one simulated millisecond ahead of the current clock, then starts the
// loop, so exactly the events due in (clock, clock+1ms] run before the loop
// exits again.
func (k *SimulationKernel) StepOneMillisecond() error {
	if k.loadState().running {
		return fmt.Errorf("kernel: StepOneMillisecond requires the kernel to be stopped")
	}
	stopAt := k.clock.Load() + Millisecond
	stopEvt := NewEvent("step-stop", func(int64) error {
		k.stopRequested.Store(true)
		return nil
	})
	k.queue.ScheduleInThread(stopEvt, stopAt)
	return k.Start()
}

// ScheduleEvent forwards to the queue's in-thread scheduling path when
// called from the simulation thread, or when the kernel is not running (in
// which case there is no concurrent loop to race with). Any other caller
// gets a programming-error panic: use InvokeInSimThread instead.
func (k *SimulationKernel) ScheduleEvent(e *Event, t int64) {
	st := k.loadState()
	if !st.running || k.IsSimulationThread() {
		k.queue.ScheduleInThread(e, t)
		return
	}
	kernelerr.Assert(false, "ScheduleEvent called off the simulation thread while running; use InvokeInSimThread")
}

// InvokeInSimThread submits action to the poll channel, to run on the
// simulation thread before the next event dispatch. Safe from any goroutine.
func (k *SimulationKernel) InvokeInSimThread(action Runnable) {
	k.poll.Submit(action)
}

// GetSimulationTime returns the current simulated clock, in microseconds.
func (k *SimulationKernel) GetSimulationTime() int64 { return k.clock.Load() }

// GetSimulationTimeMillis returns the current simulated clock, in
// milliseconds.
func (k *SimulationKernel) GetSimulationTimeMillis() int64 { return k.clock.Load() / Millisecond }

// onSimThreadOrStopped runs fn directly when called from the simulation
// thread or while stopped; otherwise it defers fn to run on the simulation
// thread via the poll channel.
func (k *SimulationKernel) onSimThreadOrStopped(fn func()) {
	if !k.loadState().running || k.IsSimulationThread() {
		fn()
		return
	}
	k.InvokeInSimThread(fn)
}

// SetSpeedLimit sets the governor's ratio (nil for unlimited). Mutating the
// governor from outside the simulation thread is routed through the poll
// channel, per SPEC_FULL.md section 4.3.
func (k *SimulationKernel) SetSpeedLimit(ratio *float64) {
	k.onSimThreadOrStopped(func() {
		if ratio == nil {
			k.governor.SetUnlimited()
		} else {
			k.governor.SetLimit(*ratio, k.clock.Load())
		}
		k.observers.Notify(LifecycleEvent{Kind: ConfigChanged})
	})
}

// SetRandomSeed reseeds the deterministic RNG, resetting its stream.
func (k *SimulationKernel) SetRandomSeed(seed int64) {
	k.onSimThreadOrStopped(func() {
		k.registryMu.Lock()
		k.seed = seed
		k.seedAuto = false
		k.registryMu.Unlock()
		k.rng.Reseed(seed)
		k.observers.Notify(LifecycleEvent{Kind: ConfigChanged})
	})
}

// GetRandomGenerator returns the kernel's simulation-thread-affine RNG.
func (k *SimulationKernel) GetRandomGenerator() *DeterministicRng { return k.rng }

// AddMote registers m. When the kernel is stopped the registration happens
// inline and any error (e.g. a duplicate ID) is returned synchronously; when
// running it is deferred to the simulation thread via the poll channel and
// any failure is only logged, since the caller cannot observe it
// synchronously once deferred.
func (k *SimulationKernel) AddMote(m Mote) error {
	addInline := func() error {
		k.registryMu.Lock()
		if _, exists := k.moteIndex[m.ID()]; exists {
			k.registryMu.Unlock()
			return fmt.Errorf("%w: %s", kernelerr.ErrDuplicateMoteID, m.ID())
		}
		k.motes = append(k.motes, m)
		k.moteIndex[m.ID()] = m
		count := len(k.motes)
		maxDelay := k.maxStartup
		k.registryMu.Unlock()

		if maxDelay > 0 {
			drift := k.rng.Int63n(maxDelay)
			if sd, ok := m.(interface{ SetStartupDelay(int64) }); ok {
				sd.SetStartupDelay(drift)
			}
		}
		if k.metrics != nil {
			k.metrics.SetMoteCount(count)
		}
		k.observers.Notify(LifecycleEvent{Kind: MoteAdded, MoteID: m.ID()})
		return nil
	}

	if !k.loadState().running || k.IsSimulationThread() {
		return addInline()
	}
	k.InvokeInSimThread(func() {
		if err := addInline(); err != nil && k.logger != nil {
			k.logger.Warn(context.Background(), "AddMote failed", logging.Any("error", err))
		}
	})
	return nil
}

// RemoveMote unregisters the mote with id, cancels every event tied to it
// (queue.RemoveIf), and releases its resources. Same inline-vs-deferred
// split as AddMote.
func (k *SimulationKernel) RemoveMote(id string) error {
	removeInline := func() error {
		k.registryMu.Lock()
		m, ok := k.moteIndex[id]
		if !ok {
			k.registryMu.Unlock()
			return fmt.Errorf("mote %q not found", id)
		}
		delete(k.moteIndex, id)
		for i, mm := range k.motes {
			if mm.ID() == id {
				k.motes = append(k.motes[:i], k.motes[i+1:]...)
				break
			}
		}
		count := len(k.motes)
		k.registryMu.Unlock()

		k.queue.RemoveIf(func(e *Event) bool { return e.MoteID() == id })
		m.Remove()
		if k.metrics != nil {
			k.metrics.SetMoteCount(count)
		}
		k.observers.Notify(LifecycleEvent{Kind: MoteRemoved, MoteID: id})
		return nil
	}

	if !k.loadState().running || k.IsSimulationThread() {
		return removeInline()
	}
	k.InvokeInSimThread(func() {
		if err := removeInline(); err != nil && k.logger != nil {
			k.logger.Warn(context.Background(), "RemoveMote failed", logging.Any("error", err))
		}
	})
	return nil
}

// AddMoteType registers mt. Same thread-affinity handling as AddMote.
func (k *SimulationKernel) AddMoteType(mt MoteType) error {
	addInline := func() error {
		k.registryMu.Lock()
		defer k.registryMu.Unlock()
		if _, exists := k.moteTypeIdx[mt.ID()]; exists {
			return fmt.Errorf("mote type %q already registered", mt.ID())
		}
		k.moteTypes = append(k.moteTypes, mt)
		k.moteTypeIdx[mt.ID()] = mt
		if k.metrics != nil {
			k.metrics.SetMoteTypeCount(len(k.moteTypes))
		}
		return nil
	}
	if !k.loadState().running || k.IsSimulationThread() {
		return addInline()
	}
	k.InvokeInSimThread(func() {
		if err := addInline(); err != nil && k.logger != nil {
			k.logger.Warn(context.Background(), "AddMoteType failed", logging.Any("error", err))
		}
	})
	return nil
}

// RemoveMoteType unregisters the mote type with id.
func (k *SimulationKernel) RemoveMoteType(id string) error {
	removeInline := func() error {
		k.registryMu.Lock()
		defer k.registryMu.Unlock()
		if _, ok := k.moteTypeIdx[id]; !ok {
			return fmt.Errorf("mote type %q not found", id)
		}
		delete(k.moteTypeIdx, id)
		for i, mt := range k.moteTypes {
			if mt.ID() == id {
				k.moteTypes = append(k.moteTypes[:i], k.moteTypes[i+1:]...)
				break
			}
		}
		if k.metrics != nil {
			k.metrics.SetMoteTypeCount(len(k.moteTypes))
		}
		return nil
	}
	if !k.loadState().running || k.IsSimulationThread() {
		return removeInline()
	}
	k.InvokeInSimThread(func() {
		if err := removeInline(); err != nil && k.logger != nil {
			k.logger.Warn(context.Background(), "RemoveMoteType failed", logging.Any("error", err))
		}
	})
	return nil
}

// GetMotes returns a snapshot of the currently registered motes, in
// registration order.
func (k *SimulationKernel) GetMotes() []Mote {
	k.registryMu.RLock()
	defer k.registryMu.RUnlock()
	out := make([]Mote, len(k.motes))
	copy(out, k.motes)
	return out
}

// GetMoteWithID looks up a registered mote by ID.
func (k *SimulationKernel) GetMoteWithID(id string) (Mote, bool) {
	k.registryMu.RLock()
	defer k.registryMu.RUnlock()
	m, ok := k.moteIndex[id]
	return m, ok
}

// GetMoteTypes returns a snapshot of the currently registered mote types, in
// registration order.
func (k *SimulationKernel) GetMoteTypes() []MoteType {
	k.registryMu.RLock()
	defer k.registryMu.RUnlock()
	out := make([]MoteType, len(k.moteTypes))
	copy(out, k.moteTypes)
	return out
}

// SetRadioMedium installs the kernel's single radio medium collaborator.
func (k *SimulationKernel) SetRadioMedium(rm RadioMedium) {
	k.registryMu.Lock()
	k.radioMedium = rm
	k.registryMu.Unlock()
}

// GetRadioMedium returns the installed radio medium, or nil.
func (k *SimulationKernel) GetRadioMedium() RadioMedium {
	k.registryMu.RLock()
	defer k.registryMu.RUnlock()
	return k.radioMedium
}

// Title returns the scenario title.
func (k *SimulationKernel) Title() string {
	k.registryMu.RLock()
	defer k.registryMu.RUnlock()
	return k.title
}

// SetTitle sets the scenario title (config-codec use).
func (k *SimulationKernel) SetTitle(title string) {
	k.registryMu.Lock()
	k.title = title
	k.registryMu.Unlock()
	k.observers.Notify(LifecycleEvent{Kind: ConfigChanged})
}

// Seed returns the current RNG seed and whether it was auto-generated.
func (k *SimulationKernel) Seed() (seed int64, autoGenerated bool) {
	k.registryMu.RLock()
	defer k.registryMu.RUnlock()
	return k.seed, k.seedAuto
}

// MaxStartupDelay returns the configured maximum per-mote startup delay, in
// microseconds.
func (k *SimulationKernel) MaxStartupDelay() int64 {
	k.registryMu.RLock()
	defer k.registryMu.RUnlock()
	return k.maxStartup
}

// SetMaxStartupDelay sets the configured maximum per-mote startup delay, in
// microseconds (config-codec use).
func (k *SimulationKernel) SetMaxStartupDelay(d int64) {
	k.registryMu.Lock()
	k.maxStartup = d
	k.registryMu.Unlock()
}

// SpeedRatio returns the governor's active ratio and whether it is limited.
func (k *SimulationKernel) SpeedRatio() (ratio float64, limited bool) {
	return k.governor.Ratio()
}

// PollChannelLen and EventQueueLen expose queue/channel depth for callers
// that want to inspect kernel load without depending on internal/observability.
func (k *SimulationKernel) PollChannelLen() int { return k.poll.Len() }
func (k *SimulationKernel) EventQueueLen() int  { return k.queue.Len() }

// Observers returns the kernel's lifecycle notification registry.
func (k *SimulationKernel) Observers() *Observers { return k.observers }

// DrainPendingSetup runs any actions queued on the poll channel while the
// kernel is stopped. ConfigCodec calls this once after a config load
// finishes registering motes and mote types, so that setup actions
// collaborators submitted during load (rather than running inline) execute
// before the first user-initiated Start.
func (k *SimulationKernel) DrainPendingSetup() {
	k.poll.Drain()
}
