package whispercli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbright/scribe/internal/batch"
	"github.com/stretchr/testify/require"
)

const fakeWhisper = `#!/bin/sh
out=""
wav=""
lang=""
while [ $# -gt 0 ]; do
  case "$1" in
    -of) out="$2"; shift ;;
    -f) wav="$2"; shift ;;
    -l) lang="$2"; shift ;;
  esac
  shift
done
[ -s "$wav" ] || exit 3
printf '{"transcription":[{"text":" hello"},{"text":" world (%s)"}]}' "$lang" > "$out.json"
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ggml.bin")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o600))
	return path
}

func TestHostTranscribesThroughBatchAdapter(t *testing.T) {
	cfg := Config{Command: writeScript(t, fakeWhisper), ModelPath: writeModel(t), Language: "de", TempDir: t.TempDir()}
	adapter := batch.NewAdapter("whisper-cli", Load(cfg), nil)

	seg, err := adapter.Transcribe(context.Background(), []float32{0.1, -0.2, 0.3})
	require.NoError(t, err)
	require.Equal(t, "hello world (de)", seg.Text)

	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLoadFailsWithoutModel(t *testing.T) {
	_, err := Load(Config{Command: writeScript(t, fakeWhisper), ModelPath: filepath.Join(t.TempDir(), "missing.bin")})(context.Background())
	require.ErrorContains(t, err, "stat model")

	_, err = Load(Config{Command: writeScript(t, fakeWhisper)})(context.Background())
	require.ErrorContains(t, err, "model_path")
}

func TestLoadFailsWithoutCommand(t *testing.T) {
	adapter := batch.NewAdapter("whisper-cli", Load(Config{Command: "/nonexistent/whisper-cli", ModelPath: writeModel(t)}), nil)
	_, err := adapter.Transcribe(context.Background(), []float32{0.1})
	require.ErrorIs(t, err, batch.ErrModelUnavailable)
}

func TestCommandFailureIsInvocationFailure(t *testing.T) {
	cfg := Config{Command: writeScript(t, "#!/bin/sh\necho broken >&2\nexit 1\n"), ModelPath: writeModel(t)}
	adapter := batch.NewAdapter("whisper-cli", Load(cfg), nil)

	_, err := adapter.Transcribe(context.Background(), []float32{0.1})
	var modelErr *batch.ModelError
	require.ErrorAs(t, err, &modelErr)
	require.Equal(t, batch.InvocationFailed, modelErr.Kind)
}
