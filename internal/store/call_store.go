package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sellside/coachd/internal/domain"
)

// CallStore persists durable call rows and post-call summaries.
type CallStore struct {
	db *DB
}

// NewCallStore creates a call store using the given database.
func NewCallStore(db *DB) *CallStore {
	return &CallStore{db: db}
}

const callColumns = `id, user_id, script_id, platform, external_id, status,
	started_at, ended_at, duration_ms, result, lead_name, seller_name, transcript`

// Create inserts a new ACTIVE call row. A zero ID is filled with a new uuid.
func (s *CallStore) Create(call *domain.Call) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.Status == "" {
		call.Status = domain.StatusActive
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now().UTC()
	}

	transcriptJSON, err := json.Marshal(call.Transcript)
	if err != nil {
		return err
	}

	_, err = s.db.sql.Exec(
		`INSERT INTO calls (id, user_id, script_id, platform, external_id, status,
			started_at, duration_ms, result, lead_name, seller_name, transcript)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		call.ID, call.UserID, call.ScriptID, call.Platform, call.ExternalID,
		string(call.Status), call.StartedAt.UTC().Format(time.DateTime),
		string(call.Result), call.LeadName, call.SellerName, string(transcriptJSON),
	)
	return err
}

// Get returns a call by ID, or nil if not found.
func (s *CallStore) Get(id string) (*domain.Call, error) {
	row := s.db.sql.QueryRow(`SELECT `+callColumns+` FROM calls WHERE id = ?`, id)
	return scanCall(row)
}

// FindByExternalID returns the newest call for (userID, externalID), or nil.
func (s *CallStore) FindByExternalID(userID, externalID string) (*domain.Call, error) {
	if externalID == "" {
		return nil, nil
	}
	row := s.db.sql.QueryRow(
		`SELECT `+callColumns+` FROM calls
		 WHERE user_id = ? AND external_id = ?
		 ORDER BY started_at DESC LIMIT 1`,
		userID, externalID,
	)
	return scanCall(row)
}

// FindRecentActive returns the newest ACTIVE call for the user started within
// the given window, or nil.
func (s *CallStore) FindRecentActive(userID string, window time.Duration) (*domain.Call, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.DateTime)
	row := s.db.sql.QueryRow(
		`SELECT `+callColumns+` FROM calls
		 WHERE user_id = ? AND status = ? AND started_at >= ?
		 ORDER BY started_at DESC LIMIT 1`,
		userID, string(domain.StatusActive), cutoff,
	)
	return scanCall(row)
}

// Reactivate flips a call back to ACTIVE with a fresh start time, clearing
// the previous end state. Duration is later computed from the new start.
func (s *CallStore) Reactivate(id string, startedAt time.Time) error {
	_, err := s.db.sql.Exec(
		`UPDATE calls SET status = ?, started_at = ?, ended_at = NULL,
			duration_ms = 0, result = '' WHERE id = ?`,
		string(domain.StatusActive), startedAt.UTC().Format(time.DateTime), id,
	)
	return err
}

// UpdateNames merges participant display names onto the row. Empty values
// leave the stored ones untouched (last writer wins on conflicts).
func (s *CallStore) UpdateNames(id, leadName, sellerName string) error {
	_, err := s.db.sql.Exec(
		`UPDATE calls SET
			lead_name = CASE WHEN ? != '' THEN ? ELSE lead_name END,
			seller_name = CASE WHEN ? != '' THEN ? ELSE seller_name END
		 WHERE id = ?`,
		leadName, leadName, sellerName, sellerName, id,
	)
	return err
}

// Finalize marks an ACTIVE call COMPLETED with its transcript, result, and
// duration. Returns false when the row was not ACTIVE anymore, so a second
// finalize attempt is a no-op.
func (s *CallStore) Finalize(id string, result domain.CallResult, durationMS int64, transcript []domain.TranscriptChunk) (bool, error) {
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return false, err
	}

	res, err := s.db.sql.Exec(
		`UPDATE calls SET status = ?, ended_at = ?, duration_ms = ?, result = ?, transcript = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusCompleted), time.Now().UTC().Format(time.DateTime),
		durationMS, string(result), string(transcriptJSON),
		id, string(domain.StatusActive),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveSummary stores the post-call analysis document for a call.
func (s *CallStore) SaveSummary(callID string, summary *domain.PostCallReport) error {
	if summary == nil {
		return nil
	}
	strengths, _ := json.Marshal(summary.Strengths)
	improvements, _ := json.Marshal(summary.Improvements)
	objections, _ := json.Marshal(summary.ObjectionsFaced)
	signals, _ := json.Marshal(summary.BuyingSignals)
	nextSteps, _ := json.Marshal(summary.NextSteps)

	_, err := s.db.sql.Exec(
		`INSERT INTO call_summaries (call_id, script_adherence_score, strengths,
			improvements, objections_faced, buying_signals, lead_sentiment,
			result, next_steps, ai_notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		callID, summary.ScriptAdherenceScore, string(strengths),
		string(improvements), string(objections), string(signals),
		summary.LeadSentiment, string(summary.Result), string(nextSteps),
		summary.AINotes,
	)
	return err
}

// GetSummary returns the stored post-call report for a call, or nil.
func (s *CallStore) GetSummary(callID string) (*domain.PostCallReport, error) {
	var (
		report       domain.PostCallReport
		strengths    sql.NullString
		improvements sql.NullString
		objections   sql.NullString
		signals      sql.NullString
		nextSteps    sql.NullString
		result       string
	)
	err := s.db.sql.QueryRow(
		`SELECT script_adherence_score, strengths, improvements, objections_faced,
			buying_signals, lead_sentiment, result, next_steps, ai_notes
		 FROM call_summaries WHERE call_id = ? ORDER BY id DESC LIMIT 1`,
		callID,
	).Scan(&report.ScriptAdherenceScore, &strengths, &improvements, &objections,
		&signals, &report.LeadSentiment, &result, &nextSteps, &report.AINotes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	report.Result = domain.CallResult(result)
	unmarshalNullable(strengths, &report.Strengths)
	unmarshalNullable(improvements, &report.Improvements)
	unmarshalNullable(objections, &report.ObjectionsFaced)
	unmarshalNullable(signals, &report.BuyingSignals)
	unmarshalNullable(nextSteps, &report.NextSteps)
	return &report, nil
}

func unmarshalNullable(src sql.NullString, target any) {
	if src.Valid && src.String != "" {
		_ = json.Unmarshal([]byte(src.String), target)
	}
}

func scanCall(row *sql.Row) (*domain.Call, error) {
	var (
		call           domain.Call
		status, result string
		startedAt      string
		endedAt        sql.NullString
		transcript     sql.NullString
	)
	err := row.Scan(&call.ID, &call.UserID, &call.ScriptID, &call.Platform,
		&call.ExternalID, &status, &startedAt, &endedAt, &call.DurationMS,
		&result, &call.LeadName, &call.SellerName, &transcript)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	call.Status = domain.CallStatus(status)
	call.Result = domain.CallResult(result)
	call.StartedAt, _ = time.Parse(time.DateTime, startedAt)
	if endedAt.Valid && endedAt.String != "" {
		t, _ := time.Parse(time.DateTime, endedAt.String)
		call.EndedAt = &t
	}
	unmarshalNullable(transcript, &call.Transcript)
	return &call, nil
}
