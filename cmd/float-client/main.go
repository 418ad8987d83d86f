// main package for the float-client, a command line client for the FLOAT service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/book-expert/logger"
)

// Flag names.
const (
	flagImage   = "image"
	flagAudio   = "audio"
	flagEmo     = "emo"
	flagNFE     = "nfe"
	flagSeed    = "seed"
	flagACfg    = "a-cfg"
	flagRCfg    = "r-cfg"
	flagECfg    = "e-cfg"
	flagNoCrop  = "no-crop"
	flagOutput  = "output"
	flagURL     = "url"
	flagHealth  = "health"
	flagTimeout = "timeout"
)

// Flag descriptions.
const (
	flagImageDesc   = "Reference face image"
	flagAudioDesc   = "Driving audio clip"
	flagEmoDesc     = "Target emotion (empty lets the model infer it from speech)"
	flagNFEDesc     = "Number of function evaluations"
	flagSeedDesc    = "Random seed"
	flagACfgDesc    = "Audio guidance scale"
	flagRCfgDesc    = "Reference guidance scale"
	flagECfgDesc    = "Emotion guidance scale"
	flagNoCropDesc  = "Skip face cropping of the reference image"
	flagOutputDesc  = "Output file path (.mp4); defaults to the server-supplied name"
	flagURLDesc     = "FLOAT service base URL"
	flagHealthDesc  = "Check FLOAT service health and exit"
	flagTimeoutDesc = "Request timeout"
)

// Defaults.
const (
	defaultURL          = "http://localhost:8002"
	defaultNFE          = 10
	defaultSeed         = 25
	defaultACfg         = 2.0
	defaultRCfg         = 1.0
	defaultECfg         = 1.0
	defaultTimeout      = 15 * time.Minute
	healthTimeout       = 10 * time.Second
	fallbackVideoName   = "output.mp4"
	logFileName         = "float-client.log"
	outputFilePermision = 0o644
)

var (
	errImageAndAudioRequired = errors.New("both -image and -audio must be provided")
	errServiceStatus         = errors.New("service returned an error")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	image   string
	audio   string
	emo     string
	nfe     int
	seed    int
	aCfg    float64
	rCfg    float64
	eCfg    float64
	noCrop  bool
	output  string
	url     string
	health  bool
	timeout time.Duration
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func main() {
	err := run()
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	httpClient := &http.Client{Timeout: flags.timeout}

	if flags.health {
		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()

		health, healthErr := checkHealth(ctx, httpClient, flags.url)
		if healthErr != nil {
			clientLog.Error("Health check failed: %v", healthErr)

			return healthErr
		}

		fmt.Printf("FLOAT service is %s (model loaded: %t)\n", health.Status, health.ModelLoaded)

		return nil
	}

	if flags.image == "" || flags.audio == "" {
		flag.Usage()

		return errImageAndAudioRequired
	}

	clientLog.Info("Requesting video for %s and %s from %s", flags.image, flags.audio, flags.url)

	outputPath, err := generate(context.Background(), httpClient, flags)
	if err != nil {
		clientLog.Error("Inference failed: %v", err)

		return err
	}

	clientLog.Info("Saved video to %s", outputPath)
	fmt.Printf("Generated: %s\n", outputPath)

	return nil
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(flagSet *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags

	flagSet.StringVar(&flags.image, flagImage, "", flagImageDesc)
	flagSet.StringVar(&flags.audio, flagAudio, "", flagAudioDesc)
	flagSet.StringVar(&flags.emo, flagEmo, "", flagEmoDesc)
	flagSet.IntVar(&flags.nfe, flagNFE, defaultNFE, flagNFEDesc)
	flagSet.IntVar(&flags.seed, flagSeed, defaultSeed, flagSeedDesc)
	flagSet.Float64Var(&flags.aCfg, flagACfg, defaultACfg, flagACfgDesc)
	flagSet.Float64Var(&flags.rCfg, flagRCfg, defaultRCfg, flagRCfgDesc)
	flagSet.Float64Var(&flags.eCfg, flagECfg, defaultECfg, flagECfgDesc)
	flagSet.BoolVar(&flags.noCrop, flagNoCrop, false, flagNoCropDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.url, flagURL, defaultURL, flagURLDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// checkHealth queries GET /health.
func checkHealth(ctx context.Context, httpClient *http.Client, baseURL string) (healthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return healthResponse{}, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return healthResponse{}, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return healthResponse{}, statusError(resp)
	}

	var health healthResponse

	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil {
		return healthResponse{}, fmt.Errorf("failed to decode health response: %w", err)
	}

	return health, nil
}

// generate posts the inputs to /inference and writes the returned video,
// returning the path it was saved to.
func generate(ctx context.Context, httpClient *http.Client, flags appFlags) (string, error) {
	body, contentType := streamForm(flags)
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, flags.url+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("failed to create inference request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	outputPath := flags.output
	if outputPath == "" {
		outputPath = attachmentName(resp.Header.Get("Content-Disposition"))
	}

	return outputPath, saveVideo(outputPath, resp.Body)
}

// streamForm encodes the multipart form on the fly so large inputs are never buffered.
func streamForm(flags appFlags) (io.ReadCloser, string) {
	reader, writer := io.Pipe()
	form := multipart.NewWriter(writer)

	go func() {
		writer.CloseWithError(writeForm(form, flags))
	}()

	return reader, form.FormDataContentType()
}

func writeForm(form *multipart.Writer, flags appFlags) error {
	for _, upload := range []struct{ field, path string }{
		{"ref_image", flags.image},
		{"audio", flags.audio},
	} {
		err := copyFile(form, upload.field, upload.path)
		if err != nil {
			return err
		}
	}

	fields := []struct{ name, value string }{
		{"a_cfg_scale", strconv.FormatFloat(flags.aCfg, 'f', -1, 64)},
		{"r_cfg_scale", strconv.FormatFloat(flags.rCfg, 'f', -1, 64)},
		{"e_cfg_scale", strconv.FormatFloat(flags.eCfg, 'f', -1, 64)},
		{"nfe", strconv.Itoa(flags.nfe)},
		{"seed", strconv.Itoa(flags.seed)},
		{"no_crop", strconv.FormatBool(flags.noCrop)},
	}

	if flags.emo != "" {
		fields = append(fields, struct{ name, value string }{"emo", flags.emo})
	}

	for _, field := range fields {
		err := form.WriteField(field.name, field.value)
		if err != nil {
			return fmt.Errorf("failed to write form field %s: %w", field.name, err)
		}
	}

	return form.Close()
}

func copyFile(form *multipart.Writer, field, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	part, err := form.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file %s: %w", field, err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}

	return nil
}

// attachmentName extracts a safe file name from a Content-Disposition header.
func attachmentName(header string) string {
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return fallbackVideoName
	}

	name := filepath.Base(params["filename"])
	if name == "." || name == "/" || name == "" {
		return fallbackVideoName
	}

	return name
}

func saveVideo(path string, src io.Reader) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, outputFilePermision)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	_, copyErr := io.Copy(file, src)
	closeErr := file.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to write %s: %w", path, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", path, closeErr)
	}

	return nil
}

func statusError(resp *http.Response) error {
	var body errorResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&body)
	if decodeErr != nil || body.Detail == "" {
		return fmt.Errorf("%w: status %d", errServiceStatus, resp.StatusCode)
	}

	return fmt.Errorf("%w: status %d: %s", errServiceStatus, resp.StatusCode, body.Detail)
}
