package domain

// Script is a sales script with ordered steps.
type Script struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Steps []string `json:"steps,omitempty"`
}

// Objection is a known objection tied to a script, with its prepared response.
type Objection struct {
	ID          string  `json:"id"`
	ScriptID    string  `json:"scriptId"`
	Trigger     string  `json:"trigger"`
	Response    string  `json:"response"`
	Category    string  `json:"category,omitempty"`
	SuccessRate float64 `json:"successRate,omitempty"` // percent, derived from recorded outcomes
}

// Profile is a seller or manager user record.
type Profile struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	Role           string `json:"role,omitempty"` // "seller" | "manager"
}
