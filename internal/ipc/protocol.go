// Package ipc carries session commands between scribe processes over a unix socket.
package ipc

// Request is one JSON line sent to the owner process.
type Request struct {
	Command string `json:"command"`
	Session string `json:"session,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Response is the owner's single-line reply.
type Response struct {
	OK         bool    `json:"ok"`
	Session    string  `json:"session,omitempty"`
	State      string  `json:"state,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
	Level      float64 `json:"level,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
	Detected   bool    `json:"detected,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	Message    string  `json:"message,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Commands understood by the session owner.
const (
	CommandStatus     = "status"
	CommandStop       = "stop"
	CommandCancel     = "cancel"
	CommandSubmit     = "submit"
	CommandDismiss    = "dismiss"
	CommandForceAudio = "force-audio"
)
