package domain

// Role identifies which side of the call an utterance belongs to.
type Role string

const (
	RoleSeller Role = "seller"
	RoleLead   Role = "lead"
)

// TranscriptChunk is one accepted utterance. Immutable once appended.
type TranscriptChunk struct {
	Text      string `json:"text"`
	Speaker   string `json:"speaker,omitempty"` // display name
	Role      Role   `json:"role"`
	Timestamp int64  `json:"timestamp"` // epoch millis
	IsFinal   bool   `json:"isFinal"`
}

// RecentUtterance is a dedup-window entry. Entries older than the window
// horizon are pruned lazily on each check.
type RecentUtterance struct {
	Text      string `json:"text"`
	Role      Role   `json:"role"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}
