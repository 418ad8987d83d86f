// Package generation owns the talking-head generation flow shared by every
// entry point: readiness of the inference agent, output naming, scratch
// staging and the offloaded agent call.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/float-service/internal/core"
	"github.com/book-expert/float-service/internal/pool"
)

// Default tuning parameters.
const (
	DefaultACfgScale = 2.0
	DefaultRCfgScale = 1.0
	DefaultECfgScale = 1.0
	DefaultNFE       = 10
	DefaultSeed      = 25
)

// Outcome labels passed to the Recorder.
const (
	OutcomeSuccess       = "success"
	OutcomeOutputMissing = "output_missing"
	OutcomeError         = "error"
	OutcomeRejected      = "rejected"
)

var (
	// ErrNotReady is returned while the agent is still loading.
	ErrNotReady = errors.New("model is not loaded yet")
	// ErrOutputMissing is returned when the agent finished without writing the video.
	ErrOutputMissing = errors.New("video generation failed")
)

// Params are the per-request tuning parameters.
type Params struct {
	ACfgScale float64
	RCfgScale float64
	ECfgScale float64
	Emotion   string
	NFE       int
	NoCrop    bool
	Seed      int
}

// DefaultParams returns the parameters used for every omitted form field.
func DefaultParams() Params {
	return Params{
		ACfgScale: DefaultACfgScale,
		RCfgScale: DefaultRCfgScale,
		ECfgScale: DefaultECfgScale,
		NFE:       DefaultNFE,
		Seed:      DefaultSeed,
	}
}

// Request is one generation job over inputs already staged on disk.
type Request struct {
	RefPath   string
	AudioPath string
	// RefName and AudioName are the client-side file names used in the output name.
	RefName   string
	AudioName string
	Params    Params
}

// Executor runs blocking work off the caller's goroutine.
type Executor interface {
	Do(ctx context.Context, fn pool.Func) error
}

// Recorder receives generation outcomes and readiness changes; may be nil.
type Recorder interface {
	ObserveInference(outcome string, elapsed time.Duration)
	SetModelLoaded(loaded bool)
}

// Service is the process-wide generation context. It is built once at startup
// and shared by the HTTP API and the NATS worker.
type Service struct {
	mutex    sync.RWMutex
	agent    core.Agent
	executor Executor
	resDir   string
	timeout  time.Duration
	recorder Recorder
	now      func() time.Time
	log      *logger.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now for output naming.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// NewService creates a Service writing videos under resDir. timeout bounds each
// agent call; zero means no bound beyond the caller's context.
func NewService(executor Executor, resDir string, timeout time.Duration, log *logger.Logger, opts ...Option) *Service {
	service := &Service{
		executor: executor,
		resDir:   resDir,
		timeout:  timeout,
		now:      time.Now,
		log:      log,
	}

	for _, opt := range opts {
		opt(service)
	}

	if service.recorder != nil {
		service.recorder.SetModelLoaded(false)
	}

	return service
}

// SetAgent installs the loaded agent; from then on the service is ready.
func (s *Service) SetAgent(agent core.Agent) {
	s.mutex.Lock()
	s.agent = agent
	s.mutex.Unlock()

	if s.recorder != nil {
		s.recorder.SetModelLoaded(agent != nil)
	}
}

// Ready reports whether an agent is installed.
func (s *Service) Ready() bool {
	return s.currentAgent() != nil
}

// ResDir returns the directory generated videos are written to.
func (s *Service) ResDir() string {
	return s.resDir
}

// Close releases the installed agent, if any.
func (s *Service) Close() error {
	s.mutex.Lock()
	agent := s.agent
	s.agent = nil
	s.mutex.Unlock()

	if agent == nil {
		return nil
	}

	err := agent.Close()
	if err != nil {
		return fmt.Errorf("failed to close agent: %w", err)
	}

	return nil
}

// OutputPath returns where the video for req would be written at the current time.
func (s *Service) OutputPath(req Request) string {
	return filepath.Join(s.resDir, OutputFileName(s.now(), req.RefName, req.AudioName, req.Params))
}

// Generate runs the agent for req and returns the path of the produced video.
func (s *Service) Generate(ctx context.Context, req Request) (string, error) {
	agent := s.currentAgent()
	if agent == nil {
		return "", ErrNotReady
	}

	emotion := ResolveEmotion(req.Params.Emotion)
	if !IsKnownEmotion(emotion) {
		s.log.Warn("Emotion '%s' is outside the model vocabulary %v; passing it through", emotion, Emotions)
	}

	params := core.InferenceParams{
		OutputPath: s.OutputPath(req),
		RefPath:    req.RefPath,
		AudioPath:  req.AudioPath,
		ACfgScale:  req.Params.ACfgScale,
		RCfgScale:  req.Params.RCfgScale,
		ECfgScale:  req.Params.ECfgScale,
		Emotion:    emotion,
		NFE:        req.Params.NFE,
		NoCrop:     req.Params.NoCrop,
		Seed:       req.Params.Seed,
		Verbose:    true,
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()

	var resultPath string

	err := s.executor.Do(ctx, func(jobCtx context.Context) error {
		var runErr error

		resultPath, runErr = agent.RunInference(jobCtx, params)

		return runErr
	})
	if err != nil {
		s.observe(classify(err), start)

		return "", fmt.Errorf("inference for %s failed: %w", filepath.Base(params.OutputPath), err)
	}

	_, statErr := os.Stat(resultPath)
	if statErr != nil {
		s.observe(OutcomeOutputMissing, start)

		if errors.Is(statErr, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrOutputMissing, resultPath)
		}

		return "", fmt.Errorf("failed to stat generated video '%s': %w", resultPath, statErr)
	}

	s.observe(OutcomeSuccess, start)
	s.log.Info("Generated video %s in %s", resultPath, time.Since(start).Round(time.Millisecond))

	return resultPath, nil
}

func (s *Service) currentAgent() core.Agent {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.agent
}

func (s *Service) observe(outcome string, start time.Time) {
	if s.recorder != nil {
		s.recorder.ObserveInference(outcome, time.Since(start))
	}
}

func classify(err error) string {
	if errors.Is(err, pool.ErrQueueFull) || errors.Is(err, pool.ErrClosed) {
		return OutcomeRejected
	}

	return OutcomeError
}
