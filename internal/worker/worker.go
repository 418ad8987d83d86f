// Package worker provides a NATS worker that processes FLOAT inference jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/float-service/internal/core"
	"github.com/book-expert/float-service/internal/generation"
)

var (
	// ErrRefImageKeyEmpty indicates that the event names no reference image.
	ErrRefImageKeyEmpty = errors.New("ref_image_key cannot be empty")
	// ErrAudioKeyEmpty indicates that the event names no audio clip.
	ErrAudioKeyEmpty = errors.New("audio_key cannot be empty")
)

// NatsWorker listens for inference jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	service        *generation.Service
	scratchRoot    string
	jobTimeout     time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. jobTimeout bounds the
// whole job, transfers included; zero leaves it unbounded.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	service *generation.Service,
	scratchRoot string,
	jobTimeout time.Duration,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		service:        service,
		scratchRoot:    scratchRoot,
		jobTimeout:     jobTimeout,
		log:            log,
	}
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for inference jobs on subject: %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx := context.Background()

	if w.jobTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	event, err := parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)
		w.reply(msg, &VideoGeneratedEvent{Error: err.Error()})

		return
	}

	reply := &VideoGeneratedEvent{Header: event.Header}
	reply.Header.EventID = uuid.NewString()
	reply.Header.Timestamp = time.Now()

	videoKey, err := w.processInferenceJob(ctx, event)
	if err != nil {
		w.log.Error("Failed to process inference job for workflow %s: %v", event.Header.WorkflowID, err)
		reply.Error = err.Error()
	} else {
		reply.VideoKey = videoKey
	}

	w.reply(msg, reply)
}

// processInferenceJob downloads the inputs, generates the video and uploads it.
func (w *NatsWorker) processInferenceJob(ctx context.Context, event *InferenceRequestedEvent) (string, error) {
	scratch, err := generation.NewScratch(w.scratchRoot, w.log)
	if err != nil {
		return "", err
	}
	defer scratch.Cleanup()

	refPath, err := w.fetch(ctx, scratch, event.RefImageKey)
	if err != nil {
		return "", err
	}

	audioPath, err := w.fetch(ctx, scratch, event.AudioKey)
	if err != nil {
		return "", err
	}

	resultPath, err := w.service.Generate(ctx, generation.Request{
		RefPath:   refPath,
		AudioPath: audioPath,
		RefName:   event.RefImageKey,
		AudioName: event.AudioKey,
		Params:    event.Params(),
	})
	if err != nil {
		return "", err
	}

	videoKey := filepath.Base(resultPath)

	err = w.upload(ctx, videoKey, resultPath)
	if err != nil {
		return "", err
	}

	return videoKey, nil
}

// fetch streams the object under key into the scratch directory.
func (w *NatsWorker) fetch(ctx context.Context, scratch *generation.Scratch, key string) (string, error) {
	reader, writer := io.Pipe()

	go func() {
		writer.CloseWithError(w.store.Download(ctx, key, writer))
	}()

	path, err := scratch.Stage(key, reader)
	_ = reader.Close()

	if err != nil {
		return "", fmt.Errorf("failed to fetch object '%s': %w", key, err)
	}

	return path, nil
}

func (w *NatsWorker) upload(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open generated video '%s': %w", path, err)
	}
	defer file.Close()

	err = w.store.Upload(ctx, key, file)
	if err != nil {
		return fmt.Errorf("failed to upload video for key '%s': %w", key, err)
	}

	return nil
}

// reply marshals and responds with the VideoGeneratedEvent when the sender asked for one.
func (w *NatsWorker) reply(msg *nats.Msg, replyEvent *VideoGeneratedEvent) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		w.log.Error("Failed to marshal reply event: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply event: %v", err)
	}
}

func parseAndValidateEvent(msg *nats.Msg) (*InferenceRequestedEvent, error) {
	var event InferenceRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.RefImageKey == "" {
		return nil, ErrRefImageKeyEmpty
	}

	if event.AudioKey == "" {
		return nil, ErrAudioKeyEmpty
	}

	return &event, nil
}
