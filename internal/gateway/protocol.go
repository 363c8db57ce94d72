package gateway

import "encoding/json"

// Envelope is the wire format on both WebSocket surfaces: a type tag and a
// type-specific payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals a payload into an outbound envelope.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Seller → gateway payloads.

type callStartPayload struct {
	ScriptID   string `json:"scriptId,omitempty"`
	Platform   string `json:"platform,omitempty"`
	LeadName   string `json:"leadName,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

type audioSegmentPayload struct {
	Audio       string `json:"audio"` // base64 speech container
	Role        string `json:"role"`
	SpeakerName string `json:"speakerName,omitempty"`
}

type transcriptChunkPayload struct {
	Text        string `json:"text"`
	Role        string `json:"role"`
	SpeakerName string `json:"speakerName,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

type participantsPayload struct {
	LeadName string `json:"leadName,omitempty"`
	SelfName string `json:"selfName,omitempty"`
}

type mediaStreamPayload struct {
	Chunk     string `json:"chunk"` // base64
	IsHeader  bool   `json:"isHeader"`
	Size      int    `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type callEndPayload struct {
	Result string `json:"result,omitempty"`
}

// Gateway → seller payloads.

type callStartedPayload struct {
	CallID string `json:"callId"`
}

type coachingMessagePayload struct {
	Type     string           `json:"type"`
	Content  string           `json:"content"`
	Urgency  string           `json:"urgency"`
	Metadata coachingMetadata `json:"metadata"`
}

type coachingMetadata struct {
	Phase             string `json:"phase"`
	Objection         string `json:"objection,omitempty"`
	SuggestedQuestion string `json:"suggested_question,omitempty"`
	SuggestedResponse string `json:"suggested_response,omitempty"`
}

// Manager ↔ gateway payloads.

type managerJoinPayload struct {
	CallID string `json:"callId"`
}

type managerJoinedPayload struct {
	CallID string `json:"callId"`
}

type whisperPayload struct {
	Content string `json:"content"`
	Urgency string `json:"urgency,omitempty"`
}

type whisperOutPayload struct {
	Source    string `json:"source"`
	Content   string `json:"content"`
	Urgency   string `json:"urgency,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
