package live

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/badrtairlbahrepro/VisionClaw/toolrouter"
)

// ToolCall is one model-issued tool invocation.
type ToolCall = toolrouter.Call

// InboundMessage is one decoded server event. Each value carries exactly one
// variant; a single frame may decode into several of them.
type InboundMessage interface {
	// Variant names the message kind, used for logs and metrics.
	Variant() string
}

// SetupComplete acknowledges the setup message.
type SetupComplete struct{}

// ModelAudioChunk is one piece of model speech, 16-bit mono PCM at 24 kHz.
type ModelAudioChunk struct {
	Data     []byte
	MimeType string
}

// ModelTranscript is text produced by the model, either a text part or an
// output audio transcription.
type ModelTranscript struct {
	Text    string
	IsFinal bool
}

// UserTranscript is the service's transcription of user speech.
type UserTranscript struct {
	Text string
}

// ModelTurnEnd marks the end of a model turn. Interrupted is set when the
// user barged in and queued playback should be discarded.
type ModelTurnEnd struct {
	Interrupted bool
}

// ToolCallRequest carries the calls of one toolCall message.
type ToolCallRequest struct {
	Calls []ToolCall
}

// ToolCallCancellation names calls the model no longer wants answered.
type ToolCallCancellation struct {
	IDs []string
}

// GoAway announces that the server is about to close the session.
type GoAway struct {
	Reason string
}

// Unknown is any frame with no recognized content.
type Unknown struct {
	Keys []string
}

func (SetupComplete) Variant() string        { return "setup_complete" }
func (ModelAudioChunk) Variant() string      { return "model_audio" }
func (ModelTranscript) Variant() string      { return "model_transcript" }
func (UserTranscript) Variant() string       { return "user_transcript" }
func (ModelTurnEnd) Variant() string         { return "model_turn_end" }
func (ToolCallRequest) Variant() string      { return "tool_call" }
func (ToolCallCancellation) Variant() string { return "tool_call_cancellation" }
func (GoAway) Variant() string               { return "go_away" }
func (Unknown) Variant() string              { return "unknown" }

// DecodeError reports a frame that could not be decoded. It is never fatal to
// the session.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "malformed frame: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Inbound wire shapes.

type serverMessage struct {
	SetupComplete        *json.RawMessage      `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCallMessage      `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *goAway               `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type transcription struct {
	Text     string `json:"text,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

type toolCallMessage struct {
	FunctionCalls []functionCall `json:"functionCalls,omitempty"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Decode turns one frame into the messages it carries. Frames with no
// recognized content decode to a single Unknown. Invalid JSON, or inline data
// that is not valid base64, is a *DecodeError.
func Decode(frame []byte) ([]InboundMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, &DecodeError{Err: err}
	}

	var out []InboundMessage
	if msg.SetupComplete != nil {
		out = append(out, SetupComplete{})
	}
	if msg.ServerContent != nil {
		content, err := decodeServerContent(msg.ServerContent)
		if err != nil {
			return nil, err
		}
		out = append(out, content...)
	}
	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		calls := make([]ToolCall, len(msg.ToolCall.FunctionCalls))
		for i, fc := range msg.ToolCall.FunctionCalls {
			calls[i] = ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
		}
		out = append(out, ToolCallRequest{Calls: calls})
	}
	if msg.ToolCallCancellation != nil {
		out = append(out, ToolCallCancellation{IDs: msg.ToolCallCancellation.IDs})
	}
	if msg.GoAway != nil {
		out = append(out, GoAway{Reason: goAwayReason(msg.GoAway)})
	}

	if len(out) == 0 {
		return []InboundMessage{Unknown{Keys: topLevelKeys(frame)}}, nil
	}
	return out, nil
}

func decodeServerContent(sc *serverContent) ([]InboundMessage, error) {
	var out []InboundMessage

	// Barge-in first so stale audio is dropped before anything new is queued.
	if sc.Interrupted {
		out = append(out, ModelTurnEnd{Interrupted: true})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, UserTranscript{Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/") {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return nil, &DecodeError{Err: fmt.Errorf("inline audio: %w", err)}
				}
				out = append(out, ModelAudioChunk{Data: pcm, MimeType: p.InlineData.MimeType})
			}
			if p.Text != "" {
				out = append(out, ModelTranscript{Text: p.Text, IsFinal: true})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, ModelTranscript{
			Text:    sc.OutputTranscription.Text,
			IsFinal: sc.OutputTranscription.Finished,
		})
	}
	if (sc.TurnComplete || sc.GenerationComplete) && !sc.Interrupted {
		out = append(out, ModelTurnEnd{})
	}
	return out, nil
}

func goAwayReason(g *goAway) string {
	switch {
	case g.Reason != "":
		return g.Reason
	case g.TimeLeft != "":
		return "server closing in " + g.TimeLeft
	default:
		return "server requested disconnect"
	}
}

func topLevelKeys(frame []byte) []string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	return keys
}
