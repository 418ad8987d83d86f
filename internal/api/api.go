// Package api serves the FLOAT inference HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/book-expert/float-service/internal/generation"
	"github.com/book-expert/float-service/internal/metrics"
	"github.com/book-expert/float-service/internal/pool"
)

const (
	serviceName        = "FLOAT Inference API"
	contentTypeMP4     = "video/mp4"
	detailNotLoaded    = "model is not loaded yet"
	detailBusy         = "server is busy, retry later"
	detailRateLimited  = "too many requests"
	detailTooLarge     = "upload too large"
	detailOutputFailed = "video generation failed"
	detailInferenceFmt = "inference error: %v"
	unmatchedRoute     = "unmatched"
)

// Options configure the API.
type Options struct {
	ScratchDir         string
	MaxUploadBytes     int64
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// API holds the handlers' shared state.
type API struct {
	service *generation.Service
	options Options
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *logger.Logger
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// New creates the API. A non-positive RateLimitPerSecond disables rate limiting.
func New(service *generation.Service, opts Options, collector *metrics.Metrics, log *logger.Logger) *API {
	api := &API{
		service: service,
		options: opts,
		metrics: collector,
		log:     log,
	}

	if opts.RateLimitPerSecond > 0 {
		burst := max(opts.RateLimitBurst, 1)
		api.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSecond), burst)
	}

	return api
}

// NewRouter wires the routes and middleware.
func NewRouter(api *API) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(api.instrument)

	router.Get("/", rootHandler)
	router.Get("/health", api.healthHandler)
	router.Post("/inference", api.inferenceHandler)
	router.Handle("/metrics", api.metrics.Handler())

	return router
}

func (api *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		route := routeLabel(r)

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}

		api.metrics.ObserveHTTP(route, status, time.Since(start))
	})
}

// routeLabel returns the matched route pattern. Requests no route matched
// share one label so arbitrary paths cannot grow the metric series.
func routeLabel(r *http.Request) string {
	routeCtx := chi.RouteContext(r.Context())
	if routeCtx == nil || len(routeCtx.RoutePatterns) == 0 {
		return unmatchedRoute
	}

	pattern := routeCtx.RoutePattern()
	if pattern == "" {
		return "/"
	}

	return pattern
}

func rootHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "running",
		Message: serviceName + " is running",
	})
}

func (api *API) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		ModelLoaded: api.service.Ready(),
	})
}

func (api *API) inferenceHandler(w http.ResponseWriter, r *http.Request) {
	if !api.service.Ready() {
		writeError(w, http.StatusServiceUnavailable, detailNotLoaded)

		return
	}

	if api.limiter != nil && !api.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, detailRateLimited)

		return
	}

	if api.options.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, api.options.MaxUploadBytes)
	}

	form, err := parseInferenceForm(r)
	if r.MultipartForm != nil {
		defer func() {
			removeErr := r.MultipartForm.RemoveAll()
			if removeErr != nil {
				api.log.Warn("Failed to remove multipart temp files: %v", removeErr)
			}
		}()
	}

	if err != nil {
		api.writeFormError(w, err)

		return
	}

	scratch, err := generation.NewScratch(api.options.ScratchDir, api.log)
	if err != nil {
		api.writeGenerationError(w, err)

		return
	}
	defer scratch.Cleanup()

	refPath, err := stageUpload(scratch, form.refImage)
	if err != nil {
		api.writeGenerationError(w, err)

		return
	}

	audioPath, err := stageUpload(scratch, form.audio)
	if err != nil {
		api.writeGenerationError(w, err)

		return
	}

	resultPath, err := api.service.Generate(r.Context(), generation.Request{
		RefPath:   refPath,
		AudioPath: audioPath,
		RefName:   form.refImage.Filename,
		AudioName: form.audio.Filename,
		Params:    form.params,
	})
	if err != nil {
		api.writeGenerationError(w, err)

		return
	}

	api.serveVideo(w, r, resultPath)
}

func stageUpload(scratch *generation.Scratch, header *multipart.FileHeader) (string, error) {
	file, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload '%s': %w", header.Filename, err)
	}
	defer file.Close()

	return scratch.Stage(header.Filename, file)
}

func (api *API) serveVideo(w http.ResponseWriter, r *http.Request, path string) {
	file, err := os.Open(path)
	if err != nil {
		api.writeGenerationError(w, fmt.Errorf("failed to open generated video: %w", err))

		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		api.writeGenerationError(w, fmt.Errorf("failed to stat generated video: %w", err))

		return
	}

	name := filepath.Base(path)

	w.Header().Set("Content-Type", contentTypeMP4)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func (api *API) writeFormError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, detailTooLarge)

		return
	}

	writeError(w, http.StatusUnprocessableEntity, err.Error())
}

func (api *API) writeGenerationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, generation.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, detailNotLoaded)
	case errors.Is(err, pool.ErrQueueFull), errors.Is(err, pool.ErrClosed):
		api.log.Warn("Rejected inference request: %v", err)
		writeError(w, http.StatusServiceUnavailable, detailBusy)
	case errors.Is(err, generation.ErrOutputMissing):
		api.log.Error("Inference produced no output: %v", err)
		writeError(w, http.StatusInternalServerError, detailOutputFailed)
	default:
		api.log.Error("Inference request failed: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf(detailInferenceFmt, err))
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
