package generation

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout renders the call time in output names; it avoids ':' so the
// name is valid on every filesystem.
const TimestampLayout = "2006-01-02T15-04-05"

const (
	videoExtension   = ".mp4"
	fallbackFileName = "upload"
)

// FallbackEmotion is passed to the agent when the request names no emotion;
// it makes the model infer the emotion from speech.
const FallbackEmotion = "S2E"

// Emotions is the vocabulary the FLOAT model was trained on.
var Emotions = []string{"angry", "disgust", "fear", "happy", "neutral", "sad", "surprise"}

// ResolveEmotion returns emo, or FallbackEmotion when emo is empty.
func ResolveEmotion(emo string) string {
	if emo == "" {
		return FallbackEmotion
	}

	return emo
}

// IsKnownEmotion reports whether emo is in Emotions or is the fallback label.
func IsKnownEmotion(emo string) bool {
	return emo == FallbackEmotion || slices.Contains(Emotions, emo)
}

// OutputFileName builds
// <timestamp>-<ref>-<audio>-nfe<N>-seed<S>-acfg<A>-ecfg<E>-<emotion>.mp4
// from the original upload names and the resolved parameters.
func OutputFileName(at time.Time, refName, audioName string, params Params) string {
	return fmt.Sprintf("%s-%s-%s-nfe%d-seed%d-acfg%s-ecfg%s-%s%s",
		at.Format(TimestampLayout),
		StemName(refName),
		StemName(audioName),
		params.NFE,
		params.Seed,
		FormatScale(params.ACfgScale),
		FormatScale(params.ECfgScale),
		ResolveEmotion(params.Emotion),
		videoExtension,
	)
}

// SafeFileName strips any directory components a client put in an upload name.
func SafeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))

	switch base {
	case "", ".", "..", "/":
		return fallbackFileName
	default:
		return base
	}
}

// StemName drops the last extension from the base of name. Leading dots do not
// start an extension, so ".profile" stays ".profile".
func StemName(name string) string {
	base := SafeFileName(name)

	dot := strings.LastIndex(base, ".")
	if dot < 0 {
		return base
	}

	leadingDots := len(base) - len(strings.TrimLeft(base, "."))
	if leadingDots < dot {
		return base[:dot]
	}

	return base
}

// FormatScale renders a float the way it appears in output names: always with a
// fractional part ("2.0"), shortest round-trip digits, exponent form for very
// small or very large magnitudes ("1e-05", "1e+16").
func FormatScale(value float64) string {
	switch {
	case math.IsNaN(value):
		return "nan"
	case math.IsInf(value, 1):
		return "inf"
	case math.IsInf(value, -1):
		return "-inf"
	}

	magnitude := math.Abs(value)
	if magnitude != 0 && (magnitude < 1e-4 || magnitude >= 1e16) {
		return strconv.FormatFloat(value, 'e', -1, 64)
	}

	formatted := strconv.FormatFloat(value, 'f', -1, 64)
	if !strings.Contains(formatted, ".") {
		formatted += ".0"
	}

	return formatted
}
