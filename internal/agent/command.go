package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/float-service/internal/core"
)

// ErrScriptNotFound is returned when the generator script cannot be stat'ed.
var ErrScriptNotFound = errors.New("generator script not found")

const (
	// maxLoggedOutput caps how much subprocess output ends up in an error message.
	maxLoggedOutput = 4096
	// waitDelay bounds how long a killed generator may hold its output pipes open.
	waitDelay = 5 * time.Second
)

// CommandConfig locates the FLOAT generator on disk.
type CommandConfig struct {
	PythonBin  string
	ScriptPath string
	ExtraArgs  []string
	WarmupArgs []string
}

// CommandAgent implements core.Agent by running the FLOAT generator script once per request.
type CommandAgent struct {
	config  CommandConfig
	options Options
	log     *logger.Logger
}

// NewCommandAgent creates a new CommandAgent.
func NewCommandAgent(cfg CommandConfig, opts Options, log *logger.Logger) *CommandAgent {
	return &CommandAgent{
		config:  cfg,
		options: opts,
		log:     log,
	}
}

// Warmup checks that the interpreter and script exist and, when warm-up arguments
// are configured, runs the generator once with them.
func (a *CommandAgent) Warmup(ctx context.Context) error {
	_, err := exec.LookPath(a.config.PythonBin)
	if err != nil {
		return fmt.Errorf("failed to locate interpreter '%s': %w", a.config.PythonBin, err)
	}

	_, err = os.Stat(a.config.ScriptPath)
	if err != nil {
		return fmt.Errorf("%w: '%s': %w", ErrScriptNotFound, a.config.ScriptPath, err)
	}

	if len(a.config.WarmupArgs) == 0 {
		return nil
	}

	args := append([]string{a.config.ScriptPath}, a.config.WarmupArgs...)

	// #nosec G204 -- interpreter and arguments come from the service configuration
	cmd := exec.CommandContext(ctx, a.config.PythonBin, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("warmup run failed: %w - output: %s", err, truncate(output))
	}

	a.log.Info("Generator warm-up finished: %s %v", a.config.ScriptPath, a.config.WarmupArgs)

	return nil
}

// RunInference runs the generator and returns the path of the written video.
func (a *CommandAgent) RunInference(ctx context.Context, params core.InferenceParams) (string, error) {
	args := append([]string{a.config.ScriptPath}, a.BuildArgs(params)...)

	// #nosec G204 -- numeric parameters are formatted here, paths are produced by the service
	cmd := exec.CommandContext(ctx, a.config.PythonBin, args...)
	cmd.WaitDelay = waitDelay

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("generator interrupted: %w", ctxErr)
		}

		return "", fmt.Errorf("generator execution failed: %w - output: %s", err, truncate(output))
	}

	if params.Verbose && len(output) > 0 {
		a.log.Info("Generator output for %s: %s", params.OutputPath, truncate(output))
	}

	return params.OutputPath, nil
}

// BuildArgs renders the generator command line for params, without the script path.
func (a *CommandAgent) BuildArgs(params core.InferenceParams) []string {
	// Values are joined to their flags so one starting with "-" is never read as an option.
	args := []string{
		"--ref_path=" + params.RefPath,
		"--aud_path=" + params.AudioPath,
		"--res_video_path=" + params.OutputPath,
		"--a_cfg_scale=" + formatFloat(params.ACfgScale),
		"--r_cfg_scale=" + formatFloat(params.RCfgScale),
		"--e_cfg_scale=" + formatFloat(params.ECfgScale),
		"--emo=" + params.Emotion,
		"--nfe=" + strconv.Itoa(params.NFE),
		"--seed=" + strconv.Itoa(params.Seed),
		"--rank=" + strconv.Itoa(a.options.Rank),
		"--ngpus=" + strconv.Itoa(a.options.NGPUs),
		"--res_dir=" + a.options.ResDir,
	}

	if params.NoCrop {
		args = append(args, "--no_crop")
	}

	if params.Verbose {
		args = append(args, "--verbose")
	}

	return append(args, a.config.ExtraArgs...)
}

// Close is a no-op; each request owns its own subprocess.
func (a *CommandAgent) Close() error {
	return nil
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func truncate(output []byte) string {
	if len(output) > maxLoggedOutput {
		return string(output[len(output)-maxLoggedOutput:])
	}

	return string(output)
}
