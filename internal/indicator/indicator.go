// Package indicator plays audio cues as sessions change phase.
package indicator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/scribe/internal/config"
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/session"
)

const playTimeout = 4 * time.Second

// Cues is a session status sink. Publish never blocks: cues are queued to one
// playback goroutine and dropped when the queue is full.
type Cues struct {
	cfg    config.IndicatorConfig
	player Player
	logger *slog.Logger

	mu     sync.Mutex
	phases map[string]fsm.State
	closed bool
	queue  chan cueKind
	done   chan struct{}
}

// New starts the playback goroutine. A nil player uses Pulse.
func New(cfg config.IndicatorConfig, player Player, logger *slog.Logger) *Cues {
	if player == nil {
		player = PulsePlayer{}
	}
	c := &Cues{
		cfg:    cfg,
		player: player,
		logger: logger,
		phases: make(map[string]fsm.State),
		queue:  make(chan cueKind, 8),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

// Publish plays the cue for a phase change, once per session and phase.
func (c *Cues) Publish(ev session.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.phases[ev.SessionID] == ev.Phase {
		return
	}
	c.phases[ev.SessionID] = ev.Phase
	if ev.Phase.Terminal() {
		delete(c.phases, ev.SessionID)
	}

	kind, ok := cueFor(ev.Phase)
	if !ok || !c.cfg.SoundEnable {
		return
	}
	select {
	case c.queue <- kind:
	default:
		c.log("indicator cue dropped", "cue", kind.String())
	}
}

// Close stops accepting cues and waits for queued playback to finish.
func (c *Cues) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	<-c.done
}

func cueFor(phase fsm.State) (cueKind, bool) {
	switch phase {
	case fsm.StateAcquiringResources:
		return cueStart, true
	case fsm.StateManualPending:
		return cueManual, true
	case fsm.StateSucceeded:
		return cueComplete, true
	case fsm.StateCancelled, fsm.StateFailed:
		return cueCancel, true
	default:
		return 0, false
	}
}

func (c *Cues) loop() {
	defer close(c.done)
	for kind := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
		if err := c.player.Play(ctx, c.clip(kind)); err != nil {
			c.log("indicator audio cue failed", "cue", kind.String(), "error", err.Error())
		}
		cancel()
	}
}

// clip prefers the configured file and falls back to the built-in tone.
func (c *Cues) clip(kind cueKind) Clip {
	var path string
	switch kind {
	case cueStart:
		path = c.cfg.SoundStartFile
	case cueComplete:
		path = c.cfg.SoundCompleteFile
	case cueCancel:
		path = c.cfg.SoundCancelFile
	case cueManual:
		path = c.cfg.SoundManualFile
	}
	if path != "" {
		clip, err := loadCueFile(path)
		if err == nil {
			return clip
		}
		c.log("indicator cue file unusable; using tone", "error", err.Error())
	}
	return synthCue(kind)
}

func (c *Cues) log(message string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(message, args...)
}
