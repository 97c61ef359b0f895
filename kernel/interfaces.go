package kernel

// Millisecond is the number of simulated microseconds in one millisecond.
const Millisecond int64 = 1000

// Mote is a simulated node registered with the kernel. Its emulation
// internals (firmware execution, serial/LED pins) are out of scope for the
// kernel and are referenced only through this interface.
type Mote interface {
	// ID returns the mote's unique identifier.
	ID() string
	// TypeID returns the identifier of this mote's MoteType.
	TypeID() string
	// Remove tears down any resources the mote or its collaborators hold.
	// Called by the kernel once the mote has been unregistered and its
	// future events cancelled.
	Remove()
}

// MoteType is the blueprint a Mote is instantiated from.
type MoteType interface {
	// ID returns the mote type's unique identifier, the key that a mote's
	// motetype_identifier refers to. It is distinct from the (namespace-
	// rewritten) type tag the mote type was constructed from.
	ID() string
}

// RadioMedium distributes radio events between motes. The kernel holds at
// most one and calls through this interface only; propagation modeling is
// out of scope.
type RadioMedium interface {
	// LoadFinished is signaled once config load has registered every mote
	// and mote type, before the first user-initiated Start.
	LoadFinished()
	// Register / Unregister track mote membership in the medium.
	Register(m Mote)
	Unregister(m Mote)
}

// UISink receives unhandled event-execution errors in interactive mode (the
// embedding program's error surface). In headless mode the kernel does not
// call it: the loop ends and Wait returns the error, which cmd/simulator turns
// into exit code 1. This hook exists so interactive embedders can observe the
// same failures without the kernel depending on any concrete UI.
type UISink func(error)
