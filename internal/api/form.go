package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/book-expert/float-service/internal/generation"
)

// Form field names.
const (
	fieldRefImage  = "ref_image"
	fieldAudio     = "audio"
	fieldACfgScale = "a_cfg_scale"
	fieldRCfgScale = "r_cfg_scale"
	fieldECfgScale = "e_cfg_scale"
	fieldEmo       = "emo"
	fieldNFE       = "nfe"
	fieldNoCrop    = "no_crop"
	fieldSeed      = "seed"
)

// multipartMemory is how much of the form is held in memory before spilling to disk.
const multipartMemory = 32 << 20

var (
	// ErrMissingFile is returned when a required upload is absent.
	ErrMissingFile = errors.New("file is required")
	// ErrInvalidBool is returned for boolean fields that are not a recognised spelling.
	ErrInvalidBool = errors.New("value is not a valid boolean")
)

// FieldError ties a parse failure to the form field that caused it.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid form field '%s': %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

type inferenceForm struct {
	refImage *multipart.FileHeader
	audio    *multipart.FileHeader
	params   generation.Params
}

// parseInferenceForm reads the multipart body. Omitted or empty scalar fields
// take their defaults.
func parseInferenceForm(r *http.Request) (*inferenceForm, error) {
	err := r.ParseMultipartForm(multipartMemory)
	if err != nil {
		return nil, fmt.Errorf("failed to parse multipart form: %w", err)
	}

	form := &inferenceForm{params: generation.DefaultParams()}

	form.refImage, err = formFile(r.MultipartForm, fieldRefImage)
	if err != nil {
		return nil, err
	}

	form.audio, err = formFile(r.MultipartForm, fieldAudio)
	if err != nil {
		return nil, err
	}

	values := r.MultipartForm.Value

	floatFields := []struct {
		name   string
		target *float64
	}{
		{fieldACfgScale, &form.params.ACfgScale},
		{fieldRCfgScale, &form.params.RCfgScale},
		{fieldECfgScale, &form.params.ECfgScale},
	}

	for _, field := range floatFields {
		err = parseFloatField(values, field.name, field.target)
		if err != nil {
			return nil, err
		}
	}

	err = parseIntField(values, fieldNFE, &form.params.NFE)
	if err != nil {
		return nil, err
	}

	err = parseIntField(values, fieldSeed, &form.params.Seed)
	if err != nil {
		return nil, err
	}

	raw := firstValue(values, fieldNoCrop)
	if raw != "" {
		form.params.NoCrop, err = parseBool(raw)
		if err != nil {
			return nil, &FieldError{Field: fieldNoCrop, Err: err}
		}
	}

	form.params.Emotion = firstValue(values, fieldEmo)

	return form, nil
}

func formFile(form *multipart.Form, field string) (*multipart.FileHeader, error) {
	headers := form.File[field]
	if len(headers) == 0 {
		return nil, &FieldError{Field: field, Err: ErrMissingFile}
	}

	return headers[0], nil
}

func firstValue(values map[string][]string, field string) string {
	if len(values[field]) == 0 {
		return ""
	}

	return strings.TrimSpace(values[field][0])
}

func parseFloatField(values map[string][]string, field string, target *float64) error {
	raw := firstValue(values, field)
	if raw == "" {
		return nil
	}

	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return &FieldError{Field: field, Err: err}
	}

	*target = parsed

	return nil
}

// parseIntField accepts values within the platform int range; larger values are
// rejected rather than truncated.
func parseIntField(values map[string][]string, field string, target *int) error {
	raw := firstValue(values, field)
	if raw == "" {
		return nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return &FieldError{Field: field, Err: err}
	}

	*target = parsed

	return nil
}

// parseBool accepts the spellings HTML forms and Python clients send.
func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: '%s'", ErrInvalidBool, raw)
	}
}
