package openai

import "encoding/json"

// Client events - sent to the realtime endpoint.

type clientEvent struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

type sessionUpdateEvent struct {
	clientEvent
	Session sessionConfig `json:"session"`
}

// sessionConfig is the one-time session configuration. TurnDetection has
// no omitempty: an explicit null disables server VAD, while omitting the
// field would leave the server default enabled.
type sessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionConfig `json:"turn_detection"`
	Temperature             float64              `json:"temperature,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response,omitempty"`
}

type inputAudioBufferAppendEvent struct {
	clientEvent
	Audio string `json:"audio"`
}

type inputAudioBufferCommitEvent struct {
	clientEvent
}

type responseCreateEvent struct {
	clientEvent
	Response *responseConfig `json:"response,omitempty"`
}

type responseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type responseCancelEvent struct {
	clientEvent
}

// Server events - received from the realtime endpoint.

type serverEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

type errorEvent struct {
	serverEvent
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionCreatedEvent struct {
	serverEvent
	Session sessionInfo `json:"session"`
}

type sessionUpdatedEvent struct {
	serverEvent
	Session sessionInfo `json:"session"`
}

type sessionInfo struct {
	ID                string `json:"id"`
	Model             string `json:"model"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

type speechStartedEvent struct {
	serverEvent
	AudioStartMs int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type speechStoppedEvent struct {
	serverEvent
	AudioEndMs int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type bufferCommittedEvent struct {
	serverEvent
	ItemID string `json:"item_id"`
}

type audioDeltaEvent struct {
	serverEvent
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type audioTranscriptDeltaEvent struct {
	serverEvent
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type audioTranscriptDoneEvent struct {
	serverEvent
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type inputTranscriptionCompletedEvent struct {
	serverEvent
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type responseDoneEvent struct {
	serverEvent
	Response responseResult `json:"response"`
}

type responseResult struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Usage  *usageInfo `json:"usage"`
}

type usageInfo struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// parseServerEvent decodes one wire message into its typed event.
// Unrecognized event types return nil so callers can skip them.
func parseServerEvent(data []byte) (any, error) {
	var base serverEvent
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}
	switch base.Type {
	case "error":
		var e errorEvent
		return &e, json.Unmarshal(data, &e)
	case "session.created":
		var e sessionCreatedEvent
		return &e, json.Unmarshal(data, &e)
	case "session.updated":
		var e sessionUpdatedEvent
		return &e, json.Unmarshal(data, &e)
	case "input_audio_buffer.speech_started":
		var e speechStartedEvent
		return &e, json.Unmarshal(data, &e)
	case "input_audio_buffer.speech_stopped":
		var e speechStoppedEvent
		return &e, json.Unmarshal(data, &e)
	case "input_audio_buffer.committed":
		var e bufferCommittedEvent
		return &e, json.Unmarshal(data, &e)
	case "response.audio.delta":
		var e audioDeltaEvent
		return &e, json.Unmarshal(data, &e)
	case "response.audio_transcript.delta":
		var e audioTranscriptDeltaEvent
		return &e, json.Unmarshal(data, &e)
	case "response.audio_transcript.done":
		var e audioTranscriptDoneEvent
		return &e, json.Unmarshal(data, &e)
	case "conversation.item.input_audio_transcription.completed":
		var e inputTranscriptionCompletedEvent
		return &e, json.Unmarshal(data, &e)
	case "response.done":
		var e responseDoneEvent
		return &e, json.Unmarshal(data, &e)
	default:
		return nil, nil
	}
}
