package models

// SignalTimeoutPolicy decides what a timed out wait_for_signal step does.
type SignalTimeoutPolicy string

const (
	// SignalTimeoutFailStep fails the attempt with a transient error so the
	// step's retry policy applies.
	SignalTimeoutFailStep SignalTimeoutPolicy = "fail_step"
	// SignalTimeoutFailExecution fails the step terminally, bypassing retries.
	SignalTimeoutFailExecution SignalTimeoutPolicy = "fail_execution"
	// SignalTimeoutResolveNull completes the step successfully with a null output.
	SignalTimeoutResolveNull SignalTimeoutPolicy = "resolve_null"
)

// Valid reports whether p is a known policy.
func (p SignalTimeoutPolicy) Valid() bool {
	switch p {
	case SignalTimeoutFailStep, SignalTimeoutFailExecution, SignalTimeoutResolveNull:
		return true
	default:
		return false
	}
}

// ParseSignalTimeoutPolicy returns the policy named s, or fail_step when s is empty.
func ParseSignalTimeoutPolicy(s string) (SignalTimeoutPolicy, bool) {
	if s == "" {
		return SignalTimeoutFailStep, true
	}

	p := SignalTimeoutPolicy(s)

	return p, p.Valid()
}
