package live

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/badrtairlbahrepro/VisionClaw/audio"
	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/media"
	"github.com/badrtairlbahrepro/VisionClaw/toolrouter"
)

// Outbound message shapes. Field names are camelCase on the wire.

type setupEnvelope struct {
	Setup setupContent `json:"setup"`
}

type setupContent struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *content             `json:"systemInstruction,omitempty"`
	Tools                    []toolSet            `json:"tools"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *activityDetection `json:"automaticActivityDetection,omitempty"`
	ActivityHandling           string             `json:"activityHandling,omitempty"`
}

type activityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type realtimeEnvelope struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
	Video *blob `json:"video,omitempty"`
}

type blob struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type toolResponseEnvelope struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response responseOutput `json:"response"`
}

type responseOutput struct {
	Output string `json:"output"`
}

// BuildSetupMessage encodes the first message of a session: model, generation
// config and the single execute tool declaration.
func BuildSetupMessage(cfg *config.LiveConfig) ([]byte, error) {
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}

	setup := setupContent{
		Model: modelPath(cfg.Model),
		GenerationConfig: generationConfig{
			ResponseModalities: modalities,
		},
		Tools: []toolSet{{
			FunctionDeclarations: []functionDeclaration{{
				Name:        toolrouter.ExecuteToolName,
				Description: toolrouter.ExecuteToolDescription,
				Parameters:  toolrouter.ExecuteParameters,
			}},
		}},
	}

	if containsFold(modalities, "AUDIO") && cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoice{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = &content{Parts: []textPart{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscripts {
		setup.OutputAudioTranscription = &struct{}{}
	}

	setup.RealtimeInputConfig = buildRealtimeInputConfig(cfg)

	data, err := json.Marshal(setupEnvelope{Setup: setup})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal setup message: %w", err)
	}
	return data, nil
}

// buildRealtimeInputConfig returns nil when nothing deviates from the
// service defaults. A disabled VAD carries no tuning.
func buildRealtimeInputConfig(cfg *config.LiveConfig) *realtimeInputConfig {
	rc := &realtimeInputConfig{ActivityHandling: cfg.ActivityHandling}
	if v := cfg.VAD; v != nil {
		if v.Disabled {
			rc.AutomaticActivityDetection = &activityDetection{Disabled: true}
		} else {
			ad := activityDetection{
				StartOfSpeechSensitivity: v.StartOfSpeechSensitivity,
				EndOfSpeechSensitivity:   v.EndOfSpeechSensitivity,
				PrefixPaddingMs:          v.PrefixPaddingMs,
				SilenceDurationMs:        v.SilenceDurationMs,
			}
			if ad != (activityDetection{}) {
				rc.AutomaticActivityDetection = &ad
			}
		}
	}
	if rc.ActivityHandling == "" && rc.AutomaticActivityDetection == nil {
		return nil
	}
	return rc
}

// BuildAudioMessage wraps 16 kHz PCM16 bytes in a realtime input envelope.
func BuildAudioMessage(pcm []byte) ([]byte, error) {
	return json.Marshal(realtimeEnvelope{RealtimeInput: realtimeInput{
		Audio: &blob{Data: base64.StdEncoding.EncodeToString(pcm), MimeType: audio.InputMIMEType},
	}})
}

// BuildVideoMessage wraps JPEG bytes in a realtime input envelope.
func BuildVideoMessage(jpeg []byte) ([]byte, error) {
	return json.Marshal(realtimeEnvelope{RealtimeInput: realtimeInput{
		Video: &blob{Data: base64.StdEncoding.EncodeToString(jpeg), MimeType: media.MIMETypeJPEG},
	}})
}

// BuildToolResponseMessage encodes tool results for the model.
func BuildToolResponseMessage(responses ...toolrouter.Response) ([]byte, error) {
	fr := make([]functionResponse, len(responses))
	for i, r := range responses {
		name := r.Name
		if name == "" {
			name = toolrouter.ExecuteToolName
		}
		fr[i] = functionResponse{ID: r.ID, Name: name, Response: responseOutput{Output: r.Output}}
	}
	return json.Marshal(toolResponseEnvelope{ToolResponse: toolResponse{FunctionResponses: fr}})
}

// modelPath ensures model is in the form models/{model}.
func modelPath(model string) string {
	if model == "" {
		return config.DefaultModel
	}
	if !strings.HasPrefix(model, "models/") {
		return "models/" + model
	}
	return model
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
