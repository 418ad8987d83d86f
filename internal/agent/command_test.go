package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/float-service/internal/agent"
	"github.com/book-expert/float-service/internal/config"
	"github.com/book-expert/float-service/internal/core"
)

// fakeGenerator writes "video" to --res_video_path and records its arguments.
const fakeGenerator = `#!/bin/sh
echo "$@" > "$(dirname "$0")/args.txt"
for arg in "$@"; do
  case "$arg" in
    --res_video_path=*) printf video > "${arg#--res_video_path=}" ;;
  esac
done
echo "generated"
`

const failingGenerator = `#!/bin/sh
echo "CUDA out of memory" >&2
exit 3
`

const sleepingGenerator = `#!/bin/sh
exec sleep 30
`

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "agent-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "generate.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func defaultParams(dir string) core.InferenceParams {
	return core.InferenceParams{
		OutputPath: filepath.Join(dir, "out.mp4"),
		RefPath:    filepath.Join(dir, "face.jpg"),
		AudioPath:  filepath.Join(dir, "speech.wav"),
		ACfgScale:  2.0,
		RCfgScale:  1.0,
		ECfgScale:  1.5,
		Emotion:    "S2E",
		NFE:        10,
		Seed:       25,
	}
}

func TestCommandAgent_BuildArgs(t *testing.T) {
	t.Parallel()

	commandAgent := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "python3",
		ScriptPath: "generate.py",
		ExtraArgs:  []string{"--ckpt_path", "float.pth"},
	}, agent.Options{Rank: 0, NGPUs: 1, ResDir: "results"}, newTestLogger(t))

	params := defaultParams("/scratch")
	params.NoCrop = true
	params.Verbose = true

	args := commandAgent.BuildArgs(params)

	assert.Equal(t, []string{
		"--ref_path=/scratch/face.jpg",
		"--aud_path=/scratch/speech.wav",
		"--res_video_path=/scratch/out.mp4",
		"--a_cfg_scale=2",
		"--r_cfg_scale=1",
		"--e_cfg_scale=1.5",
		"--emo=S2E",
		"--nfe=10",
		"--seed=25",
		"--rank=0",
		"--ngpus=1",
		"--res_dir=results",
		"--no_crop",
		"--verbose",
		"--ckpt_path", "float.pth",
	}, args)
}

func TestCommandAgent_RunInference_Success(t *testing.T) {
	t.Parallel()

	script := writeScript(t, fakeGenerator)
	commandAgent := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "sh",
		ScriptPath: script,
	}, agent.Options{NGPUs: 1, ResDir: t.TempDir()}, newTestLogger(t))

	params := defaultParams(t.TempDir())
	params.Verbose = true

	resultPath, err := commandAgent.RunInference(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, params.OutputPath, resultPath)

	content, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	assert.Equal(t, "video", string(content))

	recorded, err := os.ReadFile(filepath.Join(filepath.Dir(script), "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(recorded), "--emo=S2E")
	assert.NotContains(t, string(recorded), "--no_crop")
}

func TestCommandAgent_DashLeadingValuesStayValues(t *testing.T) {
	t.Parallel()

	script := writeScript(t, fakeGenerator)
	commandAgent := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "sh",
		ScriptPath: script,
	}, agent.Options{NGPUs: 1, ResDir: t.TempDir()}, newTestLogger(t))

	params := defaultParams(t.TempDir())
	params.Emotion = "--no_crop"

	args := commandAgent.BuildArgs(params)
	assert.Contains(t, args, "--emo=--no_crop")
	assert.NotContains(t, args, "--no_crop")

	resultPath, err := commandAgent.RunInference(context.Background(), params)
	require.NoError(t, err)
	assert.FileExists(t, resultPath)
}

func TestCommandAgent_RunInference_Failure(t *testing.T) {
	t.Parallel()

	commandAgent := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "sh",
		ScriptPath: writeScript(t, failingGenerator),
	}, agent.Options{NGPUs: 1}, newTestLogger(t))

	_, err := commandAgent.RunInference(context.Background(), defaultParams(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestCommandAgent_RunInference_Cancelled(t *testing.T) {
	t.Parallel()

	commandAgent := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "sh",
		ScriptPath: writeScript(t, sleepingGenerator),
	}, agent.Options{NGPUs: 1}, newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := commandAgent.RunInference(ctx, defaultParams(t.TempDir()))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCommandAgent_Warmup(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	missing := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "sh",
		ScriptPath: filepath.Join(t.TempDir(), "absent.py"),
	}, agent.Options{NGPUs: 1}, log)
	require.ErrorIs(t, missing.Warmup(context.Background()), agent.ErrScriptNotFound)

	noInterpreter := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "definitely-not-a-python-binary",
		ScriptPath: writeScript(t, fakeGenerator),
	}, agent.Options{NGPUs: 1}, log)
	require.Error(t, noInterpreter.Warmup(context.Background()))

	warm := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "sh",
		ScriptPath: writeScript(t, fakeGenerator),
		WarmupArgs: []string{"--check"},
	}, agent.Options{NGPUs: 1}, log)
	require.NoError(t, warm.Warmup(context.Background()))

	failing := agent.NewCommandAgent(agent.CommandConfig{
		PythonBin:  "sh",
		ScriptPath: writeScript(t, failingGenerator),
		WarmupArgs: []string{"--check"},
	}, agent.Options{NGPUs: 1}, log)
	require.Error(t, failing.Warmup(context.Background()))
}

func TestLoad_CommandBackend(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Inference.PythonBin = "sh"
	cfg.Inference.ScriptPath = writeScript(t, fakeGenerator)

	loaded, err := agent.Load(context.Background(), cfg.Inference, newTestLogger(t))
	require.NoError(t, err)

	commandAgent, ok := loaded.(*agent.CommandAgent)
	require.True(t, ok)
	assert.Contains(t, commandAgent.BuildArgs(defaultParams(t.TempDir())), "--ngpus=1")
	require.NoError(t, loaded.Close())
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Inference.Backend = "grpc"

	_, err := agent.Load(context.Background(), cfg.Inference, newTestLogger(t))
	require.ErrorIs(t, err, config.ErrUnknownBackend)
}
