package grpcasr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rbright/scribe/internal/streaming"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// configRequest wraps the pass configuration as the first stream message.
func configRequest(cfg streaming.PassConfig) (*anypb.Any, error) {
	phrases := make([]any, 0, len(cfg.Phrases))
	for _, phrase := range cfg.Phrases {
		phrases = append(phrases, map[string]any{
			"phrase": phrase.Text,
			"boost":  float64(phrase.Boost),
		})
	}

	body, err := structpb.NewStruct(map[string]any{
		"encoding":                     "LINEAR_PCM",
		"sample_rate_hertz":            float64(cfg.SampleRate),
		"audio_channel_count":          float64(1),
		"language_code":                cfg.LanguageCode,
		"model":                        cfg.Model,
		"enable_automatic_punctuation": cfg.AutomaticPunctuation,
		"interim_results":              cfg.InterimResults,
		"single_utterance":             cfg.SingleUtterance,
		"continuous":                   cfg.Continuous,
		"max_alternatives":             float64(cfg.MaxAlternatives),
		"speech_contexts":              phrases,
	})
	if err != nil {
		return nil, fmt.Errorf("build streaming config: %w", err)
	}
	return anypb.New(body)
}

// audioRequest wraps one frame as little-endian PCM16 bytes.
func audioRequest(frame []int16) (*anypb.Any, error) {
	return anypb.New(wrapperspb.Bytes(encodePCM(frame)))
}

func encodePCM(frame []int16) []byte {
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func decodePCM(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

// DecodePassConfig reads a config message produced by the client.
func DecodePassConfig(msg *anypb.Any) (streaming.PassConfig, error) {
	body := &structpb.Struct{}
	if err := msg.UnmarshalTo(body); err != nil {
		return streaming.PassConfig{}, fmt.Errorf("first message must be a config struct: %w", err)
	}
	fields := body.GetFields()
	cfg := streaming.PassConfig{
		SampleRate:           int(fields["sample_rate_hertz"].GetNumberValue()),
		LanguageCode:         fields["language_code"].GetStringValue(),
		Model:                fields["model"].GetStringValue(),
		AutomaticPunctuation: fields["enable_automatic_punctuation"].GetBoolValue(),
		InterimResults:       fields["interim_results"].GetBoolValue(),
		SingleUtterance:      fields["single_utterance"].GetBoolValue(),
		Continuous:           fields["continuous"].GetBoolValue(),
		MaxAlternatives:      int(fields["max_alternatives"].GetNumberValue()),
	}
	for _, v := range fields["speech_contexts"].GetListValue().GetValues() {
		ctx := v.GetStructValue().GetFields()
		cfg.Phrases = append(cfg.Phrases, streaming.Phrase{
			Text:  ctx["phrase"].GetStringValue(),
			Boost: float32(ctx["boost"].GetNumberValue()),
		})
	}
	return cfg, nil
}

// DecodeAudio reads an audio message produced by the client.
func DecodeAudio(msg *anypb.Any) ([]int16, error) {
	body := &wrapperspb.BytesValue{}
	if err := msg.UnmarshalTo(body); err != nil {
		return nil, fmt.Errorf("audio message must be bytes: %w", err)
	}
	return decodePCM(body.GetValue()), nil
}

// ResponseStruct encodes results in the recognizer response shape.
func ResponseStruct(results ...streaming.Result) (*structpb.Struct, error) {
	list := make([]any, 0, len(results))
	for _, res := range results {
		alternatives := []any{map[string]any{"transcript": res.Transcript}}
		for _, alt := range res.Alternatives {
			alternatives = append(alternatives, map[string]any{"transcript": alt})
		}
		list = append(list, map[string]any{
			"is_final":     res.Final,
			"alternatives": alternatives,
		})
	}
	return structpb.NewStruct(map[string]any{"results": list})
}

// parseResponse extracts results; the first alternative is the transcript.
func parseResponse(resp *structpb.Struct) ([]streaming.Result, error) {
	if resp == nil {
		return nil, errors.New("empty recognizer response")
	}
	var out []streaming.Result
	for _, v := range resp.GetFields()["results"].GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		alternatives := fields["alternatives"].GetListValue().GetValues()
		if len(alternatives) == 0 {
			continue
		}
		res := streaming.Result{
			Transcript: alternatives[0].GetStructValue().GetFields()["transcript"].GetStringValue(),
			Final:      fields["is_final"].GetBoolValue(),
		}
		for _, alt := range alternatives[1:] {
			if text := alt.GetStructValue().GetFields()["transcript"].GetStringValue(); text != "" {
				res.Alternatives = append(res.Alternatives, text)
			}
		}
		out = append(out, res)
	}
	return out, nil
}
