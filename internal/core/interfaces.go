// Package core defines the core business logic and interfaces for the FLOAT service.
package core

import (
	"context"
	"io"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string, dst io.Writer) error
	Upload(ctx context.Context, key string, src io.Reader) error
}

// InferenceParams holds everything a single talking-head generation needs.
// Paths are absolute or relative to the service working directory.
type InferenceParams struct {
	OutputPath string
	RefPath    string
	AudioPath  string
	ACfgScale  float64
	RCfgScale  float64
	ECfgScale  float64
	Emotion    string
	NFE        int
	NoCrop     bool
	Seed       int
	Verbose    bool
}

// Agent defines the interface for the external FLOAT inference engine.
// RunInference blocks until the video is written and returns its final path.
type Agent interface {
	RunInference(ctx context.Context, params InferenceParams) (string, error)
	Close() error
}
