package lifecycle

// transitions is the full legal transition table.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventAccept: StatusAccepted,
		EventReject: StatusRejected,
		EventExpire: StatusExpired,
		EventCancel: StatusCancelled,
	},
	StatusAccepted: {
		EventConnect: StatusInProgress,
		EventCancel:  StatusCancelled,
		EventExpire:  StatusExpired,
	},
	StatusInProgress: {
		EventComplete: StatusCompleted,
	},
}

// targets maps each event to the state it produces. Every event has one target,
// which is what makes re-delivery detectable.
var targets = map[Event]Status{
	EventAccept:   StatusAccepted,
	EventReject:   StatusRejected,
	EventExpire:   StatusExpired,
	EventCancel:   StatusCancelled,
	EventConnect:  StatusInProgress,
	EventComplete: StatusCompleted,
}

// Next returns the state reached by applying ev in from.
func Next(from Status, ev Event) (Status, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// Redelivered reports whether ev already produced the current state, so applying
// it again is a no-op rather than an error.
func Redelivered(current Status, ev Event) bool {
	to, ok := targets[ev]
	return ok && to == current
}
