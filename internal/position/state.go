package position

// State is a lifecycle state of the per-symbol trade state machine.
type State string

const (
	StateNeutral    State = "NEUTRAL"
	StateArmed      State = "ARMED"
	StateEntering   State = "ENTERING"
	StateInPosition State = "IN_POSITION"
	StateCooldown   State = "COOLDOWN"
	StateDefensive  State = "DEFENSIVE"
)

// LifecycleEvent drives the state machine.
type LifecycleEvent string

const (
	EventSignalArmed     LifecycleEvent = "SIGNAL_ARMED"
	EventOrderSubmitted  LifecycleEvent = "ORDER_SUBMITTED"
	EventOrderFilled     LifecycleEvent = "ORDER_FILLED"
	EventPositionClosed  LifecycleEvent = "POSITION_CLOSED"
	EventCooldownExpired LifecycleEvent = "COOLDOWN_EXPIRED"
	EventDefensiveOn     LifecycleEvent = "DEFENSIVE_ON"
	EventDefensiveOff    LifecycleEvent = "DEFENSIVE_OFF"
)

// NextState is the total transition function: undefined pairs return the
// current state unchanged, so out-of-order bus events cannot corrupt state.
func NextState(state State, event LifecycleEvent) State {
	if event == EventDefensiveOn {
		return StateDefensive
	}
	switch state {
	case StateNeutral:
		if event == EventSignalArmed {
			return StateArmed
		}
	case StateArmed:
		if event == EventOrderSubmitted {
			return StateEntering
		}
	case StateEntering:
		if event == EventOrderFilled {
			return StateInPosition
		}
	case StateInPosition:
		if event == EventPositionClosed {
			return StateCooldown
		}
	case StateCooldown:
		if event == EventCooldownExpired {
			return StateNeutral
		}
	case StateDefensive:
		if event == EventDefensiveOff {
			return StateNeutral
		}
	}
	return state
}
