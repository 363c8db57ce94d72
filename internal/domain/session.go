package domain

// CallSession is the live, mutable projection of an active call. It is
// exclusively owned by the seller connection bound to the call; manager
// connections never see it directly, only relayed events.
type CallSession struct {
	CallID   string `json:"callId"`
	UserID   string `json:"userId"`
	ScriptID string `json:"scriptId,omitempty"`

	StartedAt  int64             `json:"startedAt"` // epoch millis, set at creation or reactivation
	Transcript []TranscriptChunk `json:"transcript"`

	CurrentStep int            `json:"currentStep,omitempty"`
	LeadName    string         `json:"leadName,omitempty"`
	SellerName  string         `json:"sellerName,omitempty"`
	LeadProfile map[string]any `json:"leadProfile,omitempty"`

	// Scheduler bookkeeping, monotonically advanced.
	ChunksSinceLastCoach int   `json:"chunksSinceLastCoach,omitempty"`
	LastCoachingAt       int64 `json:"lastCoachingAt,omitempty"`
	LastSummaryAt        int64 `json:"lastSummaryAt,omitempty"`

	// Rolling window consumed only by the dedup filter.
	RecentTranscriptions []RecentUtterance `json:"recentTranscriptions,omitempty"`

	// Questions already suggested, so the analysis engine avoids repeats.
	SentQuestions []string `json:"sentQuestions,omitempty"`

	// Tail of the previous transcription, used as prompt context for the next
	// audio segment.
	LastTranscription string `json:"lastTranscription,omitempty"`
}

// Append adds an accepted chunk to the transcript.
func (s *CallSession) Append(chunk TranscriptChunk) {
	s.Transcript = append(s.Transcript, chunk)
	s.ChunksSinceLastCoach++
}

// TranscriptSince returns the chunks with timestamps >= cutoff millis.
func (s *CallSession) TranscriptSince(cutoff int64) []TranscriptChunk {
	for i, c := range s.Transcript {
		if c.Timestamp >= cutoff {
			return s.Transcript[i:]
		}
	}
	return nil
}

// RememberQuestion records a suggested question if not already sent.
func (s *CallSession) RememberQuestion(q string) {
	if q == "" {
		return
	}
	for _, sent := range s.SentQuestions {
		if sent == q {
			return
		}
	}
	s.SentQuestions = append(s.SentQuestions, q)
}
