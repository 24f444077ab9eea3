// Package app dispatches parsed commands: start owns a session, the rest talk
// to the owner over the runtime socket.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rbright/scribe/internal/capture"
	"github.com/rbright/scribe/internal/cli"
	"github.com/rbright/scribe/internal/config"
	"github.com/rbright/scribe/internal/doctor"
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/indicator"
	"github.com/rbright/scribe/internal/ipc"
	"github.com/rbright/scribe/internal/logging"
	"github.com/rbright/scribe/internal/metrics"
	"github.com/rbright/scribe/internal/pipeline"
	"github.com/rbright/scribe/internal/session"
	"github.com/rbright/scribe/internal/version"
)

const forwardTimeout = 500 * time.Millisecond

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
	// Pipeline replaces the Pulse capture and playback boundaries.
	Pipeline pipeline.Options
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("scribe"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("scribe"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	logRuntime, err := logging.New(cfgLoaded.Config.LogLevel)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	for _, w := range cfgLoaded.Warnings {
		fmt.Fprintf(r.Stderr, "warning: %s\n", w.Message)
		logger.Warn("config warning", "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"env_file", cfgLoaded.EnvFile,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx, parsed.SessionID)
	case cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.Request{Command: ipc.CommandStop, Session: parsed.SessionID})
	case cli.CommandCancel:
		return r.forwardOrFail(ctx, ipc.Request{Command: ipc.CommandCancel, Session: parsed.SessionID})
	case cli.CommandDismiss:
		return r.forwardOrFail(ctx, ipc.Request{Command: ipc.CommandDismiss, Session: parsed.SessionID})
	case cli.CommandForceAudio:
		return r.forwardOrFail(ctx, ipc.Request{Command: ipc.CommandForceAudio, Session: parsed.SessionID})
	case cli.CommandSubmit:
		return r.forwardOrFail(ctx, ipc.Request{Command: ipc.CommandSubmit, Session: parsed.SessionID, Text: parsed.Text})
	case cli.CommandStart:
		return r.commandStart(ctx, parsed, cfgLoaded, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := capture.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s | monitor=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			yesNo(device.Available),
			yesNo(device.Muted),
			yesNo(device.Monitor),
		)
	}

	return 0
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (r Runner) commandStatus(ctx context.Context, sessionID string) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, fsm.StateIdle)
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: ipc.CommandStatus, Session: sessionID})
	if !handled {
		fmt.Fprintln(r.Stdout, fsm.StateIdle)
		return 0
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(r.Stdout, formatStatus(resp))
	return 0
}

// formatStatus prints the bare state when idle, otherwise the state, the
// session and a readable summary.
func formatStatus(resp ipc.Response) string {
	if resp.State == "" || resp.State == string(fsm.StateIdle) || resp.Session == "" {
		return string(fsm.StateIdle)
	}
	summary := indicator.Describe(session.StatusEvent{
		SessionID:        resp.Session,
		Phase:            fsm.State(resp.State),
		Strategy:         session.Strategy(resp.Strategy),
		HasDetectedAudio: resp.Detected,
		Attempts:         resp.Attempts,
		LastError:        resp.LastError,
	})
	line := fmt.Sprintf("%s session=%s", resp.State, resp.Session)
	if resp.Strategy != "" {
		line += " strategy=" + resp.Strategy
	}
	if resp.Threshold > 0 {
		line += fmt.Sprintf(" level=%.1f/%.1f", resp.Level, resp.Threshold)
	}
	return line + "\n" + summary
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no active scribe session\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandStart owns the runtime socket for the lifetime of one session and
// prints the committed transcript.
func (r Runner) commandStart(ctx context.Context, parsed cli.Parsed, loaded config.Loaded, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintf(r.Stderr, "error: %v; use stop, cancel or submit\n", err)
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	rt, err := pipeline.Build(loaded, pipeline.Overrides{
		Batch:        parsed.Batch,
		LocalOnly:    parsed.LocalOnly,
		LowThreshold: parsed.LowThreshold,
	}, r.Pipeline, logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = rt.Close() }()

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, rt.Engine)
	}()

	metricsErrCh := make(chan error, 1)
	if listen := strings.TrimSpace(loaded.Config.Metrics.Listen); listen != "" {
		go func() {
			metricsErrCh <- metrics.Serve(serverCtx, listen, rt.Metrics.Handler(), logger)
		}()
	} else {
		metricsErrCh <- nil
	}

	s, err := rt.Engine.Start(ctx, rt.Profile)
	if err != nil {
		serverCancel()
		<-serverErrCh
		<-metricsErrCh
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(r.Stderr, "session %s started\n", s.ID())

	result, _ := s.Wait(context.Background())
	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}
	if metricsErr := <-metricsErrCh; metricsErr != nil {
		logger.Warn("metrics listener failed", "error", metricsErr.Error())
	}

	if path := rt.DumpRecording(s); path != "" {
		logger.Info("debug audio written", "path", path)
	}
	logSessionResult(logger, result)
	return r.reportResult(result)
}

// reportResult prints the session outcome and returns the exit code. Recognized
// text reaches stdout even when committing it failed.
func (r Runner) reportResult(result session.Result) int {
	text := strings.TrimSpace(result.Transcript)
	switch result.State {
	case fsm.StateSucceeded:
		fmt.Fprintln(r.Stdout, text)
		return 0
	case fsm.StateCancelled:
		fmt.Fprintln(r.Stdout, "cancelled")
		return 0
	default:
		if text != "" {
			fmt.Fprintln(r.Stdout, text)
		}
		if result.Err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", result.Err)
		} else {
			fmt.Fprintf(r.Stderr, "error: session ended in state %s\n", result.State)
		}
		return 1
	}
}

func logSessionResult(logger *slog.Logger, result session.Result) {
	if logger == nil {
		return
	}
	strategies := make([]string, 0, len(result.Strategies))
	for _, strategy := range result.Strategies {
		strategies = append(strategies, string(strategy))
	}
	fields := []any{
		"session_id", result.SessionID,
		"state", result.State,
		"strategy", result.Strategy,
		"strategies", strings.Join(strategies, ","),
		"cancelled", result.Cancelled,
		"partial_capture", result.Partial,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		"sample_rate", result.Format.SampleRate,
		"samples", result.Samples,
		"reconnect_attempts", result.Attempts,
		"passes", result.Passes,
		"transcript_length", len(result.Transcript),
	}

	if result.Err != nil {
		logger.Error("session failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("session complete", fields...)
}

// tryForward reports handled=false when no owner is listening.
func tryForward(ctx context.Context, socketPath string, req ipc.Request) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, forwardTimeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if ipc.NotRunning(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}
