package audio

import (
	"math"

	"github.com/maxhawkins/go-webrtcvad"
)

const defaultRMSThreshold = 500.0

type WebRTCVAD struct {
	vad *webrtcvad.VAD
	rms RMSVAD
}

// NewWebRTCVAD creates a detector with aggressiveness mode 0-3, where 3 is
// the most aggressive.
func NewWebRTCVAD(mode int) (*WebRTCVAD, error) {
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if mode < 0 || mode > 3 {
		mode = 2
	}
	if err := vad.SetMode(mode); err != nil {
		return nil, err
	}

	return &WebRTCVAD{
		vad: vad,
		rms: RMSVAD{Threshold: defaultRMSThreshold},
	}, nil
}

func (v *WebRTCVAD) IsSpeech(pcm []int16, sampleRate int) bool {
	if v.vad == nil {
		return v.rms.IsSpeech(pcm, sampleRate)
	}
	frame := Int16ToBytes(pcm)
	// WebRTC VAD only takes 10, 20 or 30ms frames.
	if !v.vad.ValidRateAndFrameLength(sampleRate, len(frame)) {
		return v.rms.IsSpeech(pcm, sampleRate)
	}

	isSpeech, err := v.vad.Process(sampleRate, frame)
	if err != nil {
		return v.rms.IsSpeech(pcm, sampleRate)
	}
	return isSpeech
}

// Close drops the detector. The C state is released by the library's
// finalizer.
func (v *WebRTCVAD) Close() error {
	v.vad = nil
	return nil
}

// RMSVAD classifies a frame as speech when its RMS level exceeds Threshold.
type RMSVAD struct {
	Threshold float64
}

func (v RMSVAD) IsSpeech(pcm []int16, _ int) bool {
	if len(pcm) == 0 {
		return false
	}

	var sum float64
	for _, sample := range pcm {
		sum += float64(sample) * float64(sample)
	}

	rms := math.Sqrt(sum / float64(len(pcm)))
	return rms > v.Threshold
}

func (v RMSVAD) Close() error { return nil }
