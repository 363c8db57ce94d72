package domain

// Coaching is the validated output of one real-time coaching analysis,
// following the SPIN contract of the analysis engine.
type Coaching struct {
	Phase             string `json:"phase"` // "S" | "P" | "I" | "N"
	Objection         string `json:"objection,omitempty"`
	Tip               string `json:"tip"`
	SuggestedQuestion string `json:"suggested_question,omitempty"`
	SuggestedResponse string `json:"suggested_response,omitempty"`
}

// LiveSummary is the short executive summary published to managers.
type LiveSummary struct {
	Status        string   `json:"status"`
	SummaryPoints []string `json:"summary_points"`
	Sentiment     string   `json:"sentiment"` // "Positive" | "Neutral" | "Negative" | "Tense"
	SpinPhase     string   `json:"spin_phase,omitempty"`
}

// ObjectionFaced is one objection entry in the post-call report.
type ObjectionFaced struct {
	Objection string `json:"objection"`
	Handled   bool   `json:"handled"`
	Response  string `json:"response,omitempty"`
}

// PostCallReport is the full end-of-call analysis document.
type PostCallReport struct {
	ScriptAdherenceScore int              `json:"script_adherence_score"`
	Strengths            []string         `json:"strengths,omitempty"`
	Improvements         []string         `json:"improvements,omitempty"`
	ObjectionsFaced      []ObjectionFaced `json:"objections_faced,omitempty"`
	BuyingSignals        []string         `json:"buying_signals,omitempty"`
	LeadSentiment        string           `json:"lead_sentiment,omitempty"`
	Result               CallResult       `json:"result,omitempty"`
	NextSteps            []string         `json:"next_steps,omitempty"`
	AINotes              string           `json:"ai_notes,omitempty"`
}
