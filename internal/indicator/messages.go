package indicator

import (
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/session"
)

var phaseText = map[fsm.State]string{
	fsm.StateIdle:               "Idle",
	fsm.StateAcquiringResources: "Requesting audio sources…",
	fsm.StateMixing:             "Preparing audio…",
	fsm.StateStreamingActive:    "Listening…",
	fsm.StateBatchActive:        "Recording…",
	fsm.StateEscalating:         "Recognizer lost; switching to local transcription…",
	fsm.StateManualPending:      "Transcription unavailable; submit the text manually",
	fsm.StateSucceeded:          "Transcript committed",
	fsm.StateCancelled:          "Cancelled",
	fsm.StateFailed:             "Transcription failed",
}

// Describe renders a one-line human summary of a session status.
func Describe(ev session.StatusEvent) string {
	text, ok := phaseText[ev.Phase]
	if !ok {
		text = string(ev.Phase)
	}
	switch {
	case ev.Phase == fsm.StateStreamingActive && ev.Attempts > 0:
		text += " (reconnecting)"
	case ev.Phase == fsm.StateBatchActive && ev.Strategy == session.StrategyBatch && !ev.HasDetectedAudio:
		text += " (no speech yet)"
	}
	if ev.LastError != "" && (ev.Phase == fsm.StateFailed || ev.Phase == fsm.StateManualPending) {
		text += ": " + ev.LastError
	}
	return text
}
