// Package fsm defines the transcription session state table.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle               State = "idle"
	StateAcquiringResources State = "acquiring_resources"
	StateMixing             State = "mixing"
	StateStreamingActive    State = "streaming_active"
	StateBatchActive        State = "batch_active"
	StateEscalating         State = "escalating"
	StateManualPending      State = "manual_pending"
	StateSucceeded          State = "succeeded"
	StateCancelled          State = "cancelled"
	StateFailed             State = "failed"
)

const (
	EventStart          Event = "start"
	EventAcquired       Event = "acquired"
	EventSelectStream   Event = "select_streaming"
	EventSelectBatch    Event = "select_batch"
	EventExhausted      Event = "exhausted"
	EventEscalated      Event = "escalated"
	EventManualRequired Event = "manual_required"
	EventTranscribed    Event = "transcribed"
	EventSubmitted      Event = "submitted"
	EventDismiss        Event = "dismiss"
	EventCancel         Event = "cancel"
	EventFail           Event = "fail"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Transition applies one event to the current state.
func Transition(current State, event Event) (State, error) {
	if current.Terminal() {
		return current, invalidTransition(current, event)
	}

	switch event {
	case EventCancel:
		return StateCancelled, nil
	case EventFail:
		return StateFailed, nil
	}

	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateAcquiringResources, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateAcquiringResources:
		switch event {
		case EventAcquired:
			return StateMixing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateMixing:
		switch event {
		case EventSelectStream:
			return StateStreamingActive, nil
		case EventSelectBatch:
			return StateBatchActive, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStreamingActive:
		switch event {
		case EventExhausted:
			return StateEscalating, nil
		case EventTranscribed:
			return StateSucceeded, nil
		case EventManualRequired:
			return StateManualPending, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateEscalating:
		switch event {
		case EventEscalated:
			return StateBatchActive, nil
		case EventManualRequired:
			return StateManualPending, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateBatchActive:
		switch event {
		case EventTranscribed:
			return StateSucceeded, nil
		case EventManualRequired:
			return StateManualPending, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateManualPending:
		switch event {
		case EventSubmitted:
			return StateSucceeded, nil
		case EventDismiss:
			return StateCancelled, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
