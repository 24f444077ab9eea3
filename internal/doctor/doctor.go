// Package doctor runs readiness diagnostics for config, tools, audio, and recognizers.
package doctor

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/scribe/internal/capture"
	"github.com/rbright/scribe/internal/config"
	"github.com/rbright/scribe/internal/pipeline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const probeTimeout = 3 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Probes are the live checks; tests replace the ones that need hardware.
type Probes struct {
	SelectDevice func(ctx context.Context, input, fallback string) (capture.Selection, error)
}

// Run executes every check for a loaded config.
func Run(ctx context.Context, loaded config.Loaded) Report {
	return RunWith(ctx, loaded, Probes{SelectDevice: capture.SelectDevice})
}

// RunWith is Run with injectable probes.
func RunWith(ctx context.Context, loaded config.Loaded, probes Probes) Report {
	cfg := loaded.Config
	checks := []Check{checkConfig(loaded)}

	checks = append(checks, checkCommand(cfg.Output.Clipboard.Argv, "clipboard_cmd"))
	if probes.SelectDevice != nil {
		checks = append(checks, checkAudioSelection(ctx, cfg.Capture, probes.SelectDevice))
	}
	checks = append(checks, checkStreaming(ctx, cfg.Streaming))
	checks = append(checks, checkBatch(ctx, cfg.Batch))

	return Report{Checks: checks}
}

func checkConfig(loaded config.Loaded) Check {
	message := fmt.Sprintf("loaded %q", loaded.Path)
	if !loaded.Exists {
		message = fmt.Sprintf("using defaults (%q not found)", loaded.Path)
	}
	if len(loaded.Warnings) > 0 {
		notes := make([]string, 0, len(loaded.Warnings))
		for _, warning := range loaded.Warnings {
			notes = append(notes, warning.Message)
		}
		message += "; warnings: " + strings.Join(notes, "; ")
	}
	return Check{Name: "config", Pass: true, Message: message}
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkAudioSelection runs live device selection to surface fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.CaptureConfig, selectDevice func(context.Context, string, string) (capture.Selection, error)) Check {
	selection, err := selectDevice(ctx, cfg.Microphone, cfg.MicrophoneFallback)
	if err != nil {
		return Check{Name: "capture.microphone", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "capture.microphone", Pass: true, Message: message}
}

func checkStreaming(ctx context.Context, cfg config.StreamingConfig) Check {
	switch cfg.Backend {
	case config.StreamingGRPC:
		return checkGRPCHealth(ctx, cfg.GRPC, time.Duration(cfg.DialTimeoutMS)*time.Millisecond)
	case config.StreamingWebsocket:
		return checkWebsocket(cfg)
	default:
		return Check{Name: "streaming", Pass: true, Message: "streaming disabled; sessions use batch transcription"}
	}
}

// checkGRPCHealth asks the recognizer's standard health service for its status.
func checkGRPCHealth(ctx context.Context, endpoint string, timeout time.Duration) Check {
	const name = "streaming.grpc"
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return Check{Name: name, Pass: false, Message: "streaming.grpc is empty"}
	}
	if timeout <= 0 {
		timeout = probeTimeout
	}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("dial %s: %v", endpoint, err)}
	}
	defer conn.Close()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("health check %s: %v", endpoint, err)}
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("%s reports %s", endpoint, resp.GetStatus())}
	}
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("serving at %s", endpoint)}
}

func checkWebsocket(cfg config.StreamingConfig) Check {
	const name = "streaming.websocket"
	parsed, err := url.Parse(cfg.WebsocketURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("invalid websocket url %q", cfg.WebsocketURL)}
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("%s is not set", cfg.APIKeyEnv)}
	}
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("api key set for %s", parsed.Host)}
}

// checkBatch loads the batch model the way a session would on first use.
func checkBatch(ctx context.Context, cfg config.BatchConfig) Check {
	name := "batch." + cfg.Backend
	loadCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := pipeline.BatchTranscriber(cfg, nil).Load(loadCtx); err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	return Check{Name: name, Pass: true, Message: "model available"}
}
