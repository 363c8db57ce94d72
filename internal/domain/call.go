// Package domain defines the core call, session, and transcript types.
package domain

import "time"

// CallStatus is the lifecycle state of a durable call row.
type CallStatus string

const (
	StatusActive    CallStatus = "ACTIVE"
	StatusCompleted CallStatus = "COMPLETED"
)

// CallResult is the declared or inferred outcome of a call.
type CallResult string

const (
	ResultConverted CallResult = "CONVERTED"
	ResultFollowUp  CallResult = "FOLLOW_UP"
	ResultLost      CallResult = "LOST"
	ResultUnknown   CallResult = "UNKNOWN"
)

// ValidResult reports whether r is one of the known call results.
func ValidResult(r CallResult) bool {
	switch r {
	case ResultConverted, ResultFollowUp, ResultLost, ResultUnknown:
		return true
	}
	return false
}

// Call is the durable record of one coached conversation.
type Call struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	ScriptID   string            `json:"scriptId,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	ExternalID string            `json:"externalId,omitempty"` // meeting id on the call platform
	Status     CallStatus        `json:"status"`
	StartedAt  time.Time         `json:"startedAt"`
	EndedAt    *time.Time        `json:"endedAt,omitempty"`
	DurationMS int64             `json:"durationMs,omitempty"`
	Result     CallResult        `json:"result,omitempty"`
	LeadName   string            `json:"leadName,omitempty"`
	SellerName string            `json:"sellerName,omitempty"`
	Transcript []TranscriptChunk `json:"transcript,omitempty"`
}
