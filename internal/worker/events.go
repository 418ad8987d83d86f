package worker

import (
	"github.com/book-expert/events"

	"github.com/book-expert/float-service/internal/generation"
)

// InferenceRequestedEvent asks for one talking-head video. Inputs live in the
// object store; omitted tuning parameters take the HTTP defaults.
type InferenceRequestedEvent struct {
	Header      events.EventHeader `json:"header"`
	RefImageKey string             `json:"ref_image_key"`
	AudioKey    string             `json:"audio_key"`
	ACfgScale   *float64           `json:"a_cfg_scale,omitempty"`
	RCfgScale   *float64           `json:"r_cfg_scale,omitempty"`
	ECfgScale   *float64           `json:"e_cfg_scale,omitempty"`
	Emo         string             `json:"emo,omitempty"`
	NFE         *int               `json:"nfe,omitempty"`
	NoCrop      bool               `json:"no_crop,omitempty"`
	Seed        *int               `json:"seed,omitempty"`
}

// VideoGeneratedEvent answers an InferenceRequestedEvent. Exactly one of
// VideoKey and Error is set.
type VideoGeneratedEvent struct {
	Header   events.EventHeader `json:"header"`
	VideoKey string             `json:"video_key,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Params resolves the event's tuning parameters against the defaults.
func (e *InferenceRequestedEvent) Params() generation.Params {
	params := generation.DefaultParams()

	if e.ACfgScale != nil {
		params.ACfgScale = *e.ACfgScale
	}

	if e.RCfgScale != nil {
		params.RCfgScale = *e.RCfgScale
	}

	if e.ECfgScale != nil {
		params.ECfgScale = *e.ECfgScale
	}

	if e.NFE != nil {
		params.NFE = *e.NFE
	}

	if e.Seed != nil {
		params.Seed = *e.Seed
	}

	params.Emotion = e.Emo
	params.NoCrop = e.NoCrop

	return params
}
