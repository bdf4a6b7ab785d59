package connectivity

// reducer owns the authoritative state. It is a pure function of the
// current state and the incoming signal: no clocks, no coalescing window.
type reducer struct {
	current State
	seq     uint64
}

// apply returns an event only when the signal flips the state.
func (r *reducer) apply(sig signal) (Event, bool) {
	var next State
	switch sig.direction {
	case becameAvailable:
		next = Available
	case becameUnavailable:
		next = Unavailable
	default:
		// recheck must be resolved into a direction by the caller
		return Event{}, false
	}
	if next == r.current {
		return Event{}, false
	}
	r.current = next
	r.seq++
	return Event{
		State:        next,
		Connectivity: sig.connectivity,
		At:           sig.at,
		Seq:          r.seq,
	}, true
}
