package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/ipc"
)

// Handle serves IPC commands. An empty Session field targets the latest session.
func (e *Engine) Handle(_ context.Context, req ipc.Request) ipc.Response {
	s := e.Latest()
	if id := strings.TrimSpace(req.Session); id != "" {
		found, err := e.lookup(id)
		if err != nil {
			return ipc.Response{OK: false, Session: id, Error: err.Error()}
		}
		s = found
	}

	if s == nil {
		if req.Command == ipc.CommandStatus {
			return ipc.Response{OK: true, State: string(fsm.StateIdle), Message: "no session"}
		}
		return ipc.Response{OK: false, State: string(fsm.StateIdle), Error: "no active session"}
	}

	var (
		err     error
		message string
	)
	switch req.Command {
	case ipc.CommandStatus:
		message = "status"
	case ipc.CommandStop:
		err = s.Stop()
		message = "stop requested"
	case ipc.CommandCancel:
		s.Cancel()
		message = "cancelled"
	case ipc.CommandSubmit:
		err = s.SubmitManualText(req.Text)
		message = "transcript submitted"
	case ipc.CommandDismiss:
		err = s.Dismiss()
		message = "dismissed"
	case ipc.CommandForceAudio:
		err = s.ForceAudioDetected()
		message = "audio detection forced"
	default:
		err = fmt.Errorf("unknown command: %s", req.Command)
	}

	resp := statusResponse(s.Status())
	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
		return resp
	}
	resp.Message = message
	return resp
}

func statusResponse(st StatusEvent) ipc.Response {
	return ipc.Response{
		OK:         true,
		Session:    st.SessionID,
		State:      string(st.Phase),
		Strategy:   string(st.Strategy),
		Level:      st.CurrentLevel,
		Threshold:  st.Threshold,
		Detected:   st.HasDetectedAudio,
		Attempts:   st.Attempts,
		Transcript: st.Transcript,
		LastError:  st.LastError,
	}
}
