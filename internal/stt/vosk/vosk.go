package vosk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
	"github.com/user/discord-voicechat/internal/stt"
)

// Feed the recognizer in half-second slices so partial results show up.
const feedSeconds = 0.5

type VoskTranscriber struct {
	model      *vosk.VoskModel
	recognizer *vosk.VoskRecognizer
	sampleRate int
	// The recognizer is stateful, so utterances are decoded one at a time.
	mutex sync.Mutex
}

type VoskResult struct {
	Text    string     `json:"text"`
	Partial string     `json:"partial"`
	Result  []VoskWord `json:"result"`
}

type VoskWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

func NewVoskTranscriber(modelPath string, sampleRate int) (*VoskTranscriber, error) {
	log.Info().Str("model_path", modelPath).Msg("Loading Vosk model")

	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Vosk model from %s: %w", modelPath, err)
	}

	recognizer, err := vosk.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("failed to create Vosk recognizer: %w", err)
	}
	recognizer.SetWords(1)

	log.Info().Msg("Vosk model loaded successfully")

	return &VoskTranscriber{
		model:      model,
		recognizer: recognizer,
		sampleRate: sampleRate,
	}, nil
}

// Transcribe decodes one utterance and returns the partial results seen along
// the way followed by a single final result.
func (v *VoskTranscriber) Transcribe(ctx context.Context, chunk *audio.Chunk) ([]stt.Transcript, error) {
	if len(chunk.PCM) == 0 {
		return nil, nil
	}

	pcm := audio.Resample(chunk.PCM, chunk.SampleRate, v.sampleRate)
	pcmBytes := audio.Int16ToBytes(pcm)
	step := int(float64(v.sampleRate)*feedSeconds) * 2

	v.mutex.Lock()
	defer v.mutex.Unlock()

	var (
		out      []stt.Transcript
		segments []string
		conf     []float64
		lastPart string
	)
	for off := 0; off < len(pcmBytes); off += step {
		if err := ctx.Err(); err != nil {
			v.recognizer.Reset()
			return nil, err
		}
		end := off + step
		if end > len(pcmBytes) {
			end = len(pcmBytes)
		}

		switch v.recognizer.AcceptWaveform(pcmBytes[off:end]) {
		case -1:
			v.recognizer.Reset()
			return nil, fmt.Errorf("failed to process audio chunk")
		case 1:
			if res, ok := parse(v.recognizer.Result()); ok && res.Text != "" {
				segments = append(segments, res.Text)
				conf = append(conf, res.confidence())
			}
		default:
			res, ok := parse(v.recognizer.PartialResult())
			if !ok || res.Partial == "" || res.Partial == lastPart {
				continue
			}
			lastPart = res.Partial
			out = append(out, v.transcript(chunk, joinText(segments, res.Partial), false, 0))
		}
	}

	if res, ok := parse(v.recognizer.FinalResult()); ok && res.Text != "" {
		segments = append(segments, res.Text)
		conf = append(conf, res.confidence())
	}
	text := joinText(segments, "")
	if text == "" {
		return out, nil
	}

	final := v.transcript(chunk, text, true, mean(conf))
	log.Debug().
		Str("chunk_id", chunk.ID.String()).
		Str("text", final.Text).
		Int("partials", len(out)).
		Float64("confidence", final.Confidence).
		Msg("Vosk transcription completed")

	return append(out, final), nil
}

func (v *VoskTranscriber) transcript(chunk *audio.Chunk, text string, final bool, confidence float64) stt.Transcript {
	return stt.Transcript{
		ChunkID:    chunk.ID,
		UserID:     chunk.UserID,
		Text:       text,
		IsFinal:    final,
		Confidence: confidence,
		Source:     "vosk",
		Start:      chunk.Start,
		End:        chunk.End,
	}
}

func parse(jsonResult string) (VoskResult, bool) {
	var res VoskResult
	if jsonResult == "" {
		return res, false
	}
	if err := json.Unmarshal([]byte(jsonResult), &res); err != nil {
		log.Warn().
			Err(err).
			Str("json", jsonResult).
			Msg("Failed to parse Vosk result")
		return res, false
	}
	return res, true
}

func (r VoskResult) confidence() float64 {
	if len(r.Result) == 0 {
		return 0
	}
	var sum float64
	for _, w := range r.Result {
		sum += w.Conf
	}
	return sum / float64(len(r.Result))
}

func joinText(segments []string, tail string) string {
	parts := append(append([]string(nil), segments...), tail)
	return strings.TrimSpace(strings.Join(parts, " "))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func (v *VoskTranscriber) Close() error {
	if v.recognizer != nil {
		v.recognizer.Free()
	}
	if v.model != nil {
		v.model.Free()
	}
	return nil
}
