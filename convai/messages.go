package convai

// Client to agent.

type initiationClientData struct {
	Type                       string            `json:"type"`
	ConversationConfigOverride *configOverride   `json:"conversation_config_override,omitempty"`
	DynamicVariables           map[string]string `json:"dynamic_variables,omitempty"`
}

type configOverride struct {
	Agent agentOverride `json:"agent"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// Agent to client.

type event struct {
	Type                    string                   `json:"type"`
	InitiationMetadataEvent *initiationMetadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
	AudioEvent              *audioEvent              `json:"audio_event,omitempty"`
	PingEvent               *pingEvent               `json:"ping_event,omitempty"`
	InterruptionEvent       *interruptionEvent       `json:"interruption_event,omitempty"`
	AgentResponseEvent      *agentResponseEvent      `json:"agent_response_event,omitempty"`
	UserTranscriptionEvent  *userTranscriptionEvent  `json:"user_transcription_event,omitempty"`
}

type initiationMetadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms,omitempty"`
}

type interruptionEvent struct {
	EventID int `json:"event_id"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type userTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}
