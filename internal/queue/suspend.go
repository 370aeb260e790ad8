package queue

// suspendSignal is the distinguished sentinel thrown by the wait
// operations after the backend has transitioned the job to waiting. The
// processor recovers it and treats the run as a successful non-completion;
// everything else that escapes a handler is a real failure.
//
// Suspension is an early return, not a coroutine suspend: on resume the
// handler re-runs from the top, memoized steps short-circuit, and the
// wait site that previously suspended observes its marker in the step
// data and falls through.
type suspendSignal struct{}
