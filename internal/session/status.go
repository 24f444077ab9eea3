package session

import (
	"time"

	"github.com/rbright/scribe/internal/fsm"
)

// StatusEvent is published on every transition and every level tick.
type StatusEvent struct {
	SessionID        string
	Phase            fsm.State
	Strategy         Strategy
	CurrentLevel     float64
	Threshold        float64
	HasDetectedAudio bool
	Transcript       string
	Interim          string
	Attempts         int
	LastError        string
	At               time.Time
}

// StatusSink receives status events on the session loop goroutine. Publish must not block.
type StatusSink interface {
	Publish(StatusEvent)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(StatusEvent)

func (f StatusFunc) Publish(ev StatusEvent) { f(ev) }

type multiSink []StatusSink

func (m multiSink) Publish(ev StatusEvent) {
	for _, sink := range m {
		sink.Publish(ev)
	}
}

// Sinks fans one event out to every non-nil sink.
func Sinks(sinks ...StatusSink) StatusSink {
	out := make(multiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}
