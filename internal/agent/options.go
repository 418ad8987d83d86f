// Package agent provides backends for the external FLOAT inference engine.
//
// The generative model itself never runs in this process. CommandAgent drives
// the FLOAT generator script as a subprocess per request, HTTPAgent talks to a
// resident inference server that keeps the weights loaded.
package agent

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/float-service/internal/config"
	"github.com/book-expert/float-service/internal/core"
)

// Options mirrors the subset of FLOAT's inference options the service controls.
type Options struct {
	Rank   int
	NGPUs  int
	ResDir string
}

// OptionsFromConfig builds agent options from the inference section.
func OptionsFromConfig(cfg config.InferenceConfig) Options {
	return Options{
		Rank:   cfg.Rank,
		NGPUs:  cfg.NGPUs,
		ResDir: cfg.ResDir,
	}
}

// Load constructs the configured backend and blocks until it can serve requests.
// It is called once at startup; a failure means the service must never become ready.
func Load(ctx context.Context, cfg config.InferenceConfig, log *logger.Logger) (core.Agent, error) {
	opts := OptionsFromConfig(cfg)

	loadCtx, cancel := context.WithTimeout(ctx, cfg.LoadTimeout())
	defer cancel()

	switch cfg.Backend {
	case config.BackendCommand:
		agent := NewCommandAgent(CommandConfig{
			PythonBin:  cfg.PythonBin,
			ScriptPath: cfg.ScriptPath,
			ExtraArgs:  cfg.ExtraArgs,
			WarmupArgs: cfg.WarmupArgs,
		}, opts, log)

		err := agent.Warmup(loadCtx)
		if err != nil {
			return nil, fmt.Errorf("command agent warmup failed: %w", err)
		}

		return agent, nil
	case config.BackendHTTP:
		agent := NewHTTPAgent(cfg.BaseURL, cfg.InferenceTimeout(), opts, log)

		err := agent.WaitReady(loadCtx, defaultReadyPollInterval)
		if err != nil {
			return nil, fmt.Errorf("http agent never became ready: %w", err)
		}

		return agent, nil
	default:
		return nil, fmt.Errorf("%w: '%s'", config.ErrUnknownBackend, cfg.Backend)
	}
}
