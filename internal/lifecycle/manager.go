// Package lifecycle owns call creation, idempotent resume and reactivation,
// and finalization. A seller's browser reconnects many times during one
// physical meeting; this package makes sure that never forks a second durable
// row and never drops accumulated transcript.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/logging"
	"github.com/sellside/coachd/internal/store"
)

// SessionCache is the slice of the session cache the manager uses.
type SessionCache interface {
	Get(ctx context.Context, callID string) (*domain.CallSession, error)
	Put(ctx context.Context, session *domain.CallSession) error
	Delete(ctx context.Context, callID string) error
	SetCurrentCall(ctx context.Context, userID, callID string) error
	CurrentCall(ctx context.Context, userID string) (string, error)
	ClearCurrentCall(ctx context.Context, userID, callID string) error
}

// Broadcaster announces lifecycle transitions to call viewers.
type Broadcaster interface {
	PublishSession(ctx context.Context, callID, typ string, payload any) error
	ClearMediaHeader(ctx context.Context, callID string) error
}

// Reporter produces the end-of-call analysis document.
type Reporter interface {
	PostCall(ctx context.Context, session *domain.CallSession, scriptName string, steps []string, durationMS int64) (*domain.PostCallReport, error)
}

// Manager coordinates the durable store, the session cache, and the analysis
// engine across a call's lifetime.
type Manager struct {
	calls   *store.CallStore
	catalog *store.CatalogStore
	cache   SessionCache
	relay   Broadcaster
	engine  Reporter
	log     *logging.Logger

	resumeWindow time.Duration
	endTimeout   time.Duration
}

// New creates a lifecycle manager.
func New(calls *store.CallStore, catalog *store.CatalogStore, cache SessionCache,
	relay Broadcaster, engine Reporter, resumeWindow, endTimeout time.Duration,
	log *logging.Logger) *Manager {
	return &Manager{
		calls:        calls,
		catalog:      catalog,
		cache:        cache,
		relay:        relay,
		engine:       engine,
		log:          log.Sub("lifecycle"),
		resumeWindow: resumeWindow,
		endTimeout:   endTimeout,
	}
}

// StartParams carries everything a call:start event can supply.
type StartParams struct {
	UserID      string
	BoundCallID string // call already bound to this connection, if any
	ScriptID    string
	Platform    string
	ExternalID  string
	LeadName    string
	SellerName  string
}

// Start resolves or creates the call for a starting seller connection. Each
// resolution branch is terminal: bound call, external-id match, recent
// cached ACTIVE call, then a fresh row.
func (m *Manager) Start(ctx context.Context, p StartParams) (*domain.CallSession, error) {
	if p.BoundCallID != "" {
		if session, err := m.startBound(ctx, p); err != nil {
			return nil, err
		} else if session != nil {
			return session, nil
		}
	}

	if p.ExternalID != "" {
		call, err := m.calls.FindByExternalID(p.UserID, p.ExternalID)
		if err != nil {
			return nil, err
		}
		if call != nil {
			return m.resumeCall(ctx, call, p)
		}
	}

	call, err := m.calls.FindRecentActive(p.UserID, m.resumeWindow)
	if err != nil {
		return nil, err
	}
	if call != nil {
		session, err := m.cache.Get(ctx, call.ID)
		if err != nil {
			m.log.Warn().Str("call_id", call.ID).Err(err).Msg("cache read failed, creating fresh call")
		}
		if session != nil {
			mergeNames(session, p.LeadName, p.SellerName)
			m.persistSession(ctx, session)
			m.log.Info().Str("call_id", call.ID).Str("user_id", p.UserID).Msg("resumed recent active call")
			return session, nil
		}
	}

	return m.createCall(ctx, p)
}

// startBound handles a call:start on an already-bound connection. Returns a
// nil session when the bound row vanished and resolution should continue.
func (m *Manager) startBound(ctx context.Context, p StartParams) (*domain.CallSession, error) {
	call, err := m.calls.Get(p.BoundCallID)
	if err != nil {
		return nil, err
	}
	if call == nil {
		m.log.Warn().Str("call_id", p.BoundCallID).Msg("bound call has no durable row")
		return nil, nil
	}
	if call.Status == domain.StatusCompleted {
		return m.reactivate(ctx, call, p)
	}
	// Duplicate start: hand back the existing session untouched.
	session, err := m.resolveSession(ctx, call)
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("call_id", call.ID).Msg("duplicate call:start, returning existing call")
	return session, nil
}

// resumeCall reuses an external-id matched row: COMPLETED rows are flipped
// back to ACTIVE, already-ACTIVE rows are resumed verbatim.
func (m *Manager) resumeCall(ctx context.Context, call *domain.Call, p StartParams) (*domain.CallSession, error) {
	if call.Status == domain.StatusCompleted {
		return m.reactivate(ctx, call, p)
	}
	session, err := m.resolveSession(ctx, call)
	if err != nil {
		return nil, err
	}
	mergeNames(session, p.LeadName, p.SellerName)
	m.persistSession(ctx, session)
	m.log.Info().Str("call_id", call.ID).Str("external_id", p.ExternalID).Msg("resumed call by external id")
	return session, nil
}

// reactivate flips a COMPLETED row back to ACTIVE with a fresh start time.
// Duration of the re-recorded call counts from the new start.
func (m *Manager) reactivate(ctx context.Context, call *domain.Call, p StartParams) (*domain.CallSession, error) {
	now := time.Now().UTC()
	if err := m.calls.Reactivate(call.ID, now); err != nil {
		return nil, err
	}

	session, err := m.cache.Get(ctx, call.ID)
	if err != nil {
		m.log.Warn().Str("call_id", call.ID).Err(err).Msg("cache read failed during reactivation")
	}
	if session == nil {
		session = sessionFromCall(call)
	}
	session.StartedAt = now.UnixMilli()
	mergeNames(session, p.LeadName, p.SellerName)
	m.persistSession(ctx, session)

	m.announceStart(ctx, session)
	m.log.Info().Str("call_id", call.ID).Msg("reactivated completed call")
	return session, nil
}

func (m *Manager) createCall(ctx context.Context, p StartParams) (*domain.CallSession, error) {
	call := &domain.Call{
		UserID:     p.UserID,
		ScriptID:   p.ScriptID,
		Platform:   p.Platform,
		ExternalID: p.ExternalID,
		LeadName:   p.LeadName,
		SellerName: p.SellerName,
	}
	if err := m.calls.Create(call); err != nil {
		return nil, err
	}

	session := &domain.CallSession{
		CallID:     call.ID,
		UserID:     p.UserID,
		ScriptID:   p.ScriptID,
		StartedAt:  call.StartedAt.UnixMilli(),
		LeadName:   p.LeadName,
		SellerName: p.SellerName,
	}
	m.persistSession(ctx, session)

	m.announceStart(ctx, session)
	m.log.Info().Str("call_id", call.ID).Str("user_id", p.UserID).Msg("call created")
	return session, nil
}

// EndParams carries everything a call:end event (or a disconnect) can supply.
type EndParams struct {
	UserID       string
	BoundCallID  string
	SellerResult domain.CallResult // empty when the seller declared nothing
}

// End finalizes a call: runs the bounded post-call analysis, persists the
// final transcript and result, and tears down cached state. A seller-declared
// result always beats the engine's inferred one. Returns the report, which is
// nil when analysis failed or timed out.
func (m *Manager) End(ctx context.Context, p EndParams) (*domain.PostCallReport, error) {
	callID, err := m.resolveCallID(ctx, p)
	if err != nil {
		return nil, err
	}
	if callID == "" {
		m.log.Warn().Str("user_id", p.UserID).Msg("call:end with no resolvable call")
		return nil, nil
	}
	return m.finalize(ctx, callID, p)
}

// FinalizeDisconnect runs the finalize sequence for an ungraceful disconnect.
// It is a no-op when the durable row is no longer ACTIVE, so racing
// disconnect events close a call exactly once.
func (m *Manager) FinalizeDisconnect(ctx context.Context, userID, boundCallID string) error {
	call, err := m.calls.Get(boundCallID)
	if err != nil {
		return err
	}
	if call == nil || call.Status != domain.StatusActive {
		return nil
	}
	m.log.Info().Str("call_id", boundCallID).Msg("finalizing call after disconnect")
	_, err = m.finalize(ctx, boundCallID, EndParams{UserID: userID, BoundCallID: boundCallID})
	return err
}

func (m *Manager) finalize(ctx context.Context, callID string, p EndParams) (*domain.PostCallReport, error) {
	session, err := m.sessionForFinalize(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		m.log.Warn().Str("call_id", callID).Msg("no session or durable row to finalize")
		return nil, nil
	}

	durationMS := time.Now().UnixMilli() - session.StartedAt
	if durationMS < 0 {
		durationMS = 0
	}

	report := m.runPostCall(ctx, session, durationMS)

	result := p.SellerResult
	if !domain.ValidResult(result) {
		result = ""
	}
	if result == "" && report != nil && domain.ValidResult(report.Result) {
		result = report.Result
	}
	if result == "" {
		result = domain.ResultUnknown
	}
	if report != nil {
		report.Result = result
	}

	finalized, err := m.calls.Finalize(callID, result, durationMS, session.Transcript)
	if err != nil {
		m.log.Error().Str("call_id", callID).Err(err).Msg("finalize write failed")
	} else if !finalized {
		m.log.Info().Str("call_id", callID).Msg("call already finalized elsewhere")
	} else if report != nil {
		if err := m.calls.SaveSummary(callID, report); err != nil {
			m.log.Error().Str("call_id", callID).Err(err).Msg("summary write failed")
		}
		m.recordObjections(session, report, result)
	}

	if err := m.relay.PublishSession(ctx, callID, "call:ended", map[string]any{
		"callId":     callID,
		"result":     string(result),
		"durationMs": durationMS,
	}); err != nil {
		m.log.Warn().Str("call_id", callID).Err(err).Msg("call:ended publish failed")
	}

	if err := m.cache.Delete(ctx, callID); err != nil {
		m.log.Warn().Str("call_id", callID).Err(err).Msg("session eviction failed")
	}
	if err := m.cache.ClearCurrentCall(ctx, session.UserID, callID); err != nil {
		m.log.Warn().Str("user_id", session.UserID).Err(err).Msg("current-call clear failed")
	}
	if err := m.relay.ClearMediaHeader(ctx, callID); err != nil {
		m.log.Warn().Str("call_id", callID).Err(err).Msg("media header clear failed")
	}

	m.log.Info().Str("call_id", callID).Str("result", string(result)).
		Int64("duration_ms", durationMS).Msg("call finalized")
	return report, nil
}

// runPostCall invokes the analysis engine under its ceiling. Failure or
// timeout degrades to a nil report; the call is finalized regardless.
func (m *Manager) runPostCall(ctx context.Context, session *domain.CallSession, durationMS int64) *domain.PostCallReport {
	if len(session.Transcript) == 0 {
		return nil
	}

	scriptName := ""
	var steps []string
	if session.ScriptID != "" {
		if script, err := m.catalog.GetScript(session.ScriptID); err != nil {
			m.log.Warn().Str("script_id", session.ScriptID).Err(err).Msg("script lookup failed")
		} else if script != nil {
			scriptName = script.Name
			steps = script.Steps
		}
	}

	engineCtx, cancel := context.WithTimeout(ctx, m.endTimeout)
	defer cancel()

	report, err := m.engine.PostCall(engineCtx, session, scriptName, steps, durationMS)
	if err != nil {
		m.log.Warn().Str("call_id", session.CallID).Err(err).Msg("post-call analysis failed")
		return nil
	}
	return report
}

// recordObjections matches the report's objections against the script's
// known objections and records the call outcome for each, feeding the
// per-objection success rates.
func (m *Manager) recordObjections(session *domain.CallSession, report *domain.PostCallReport, result domain.CallResult) {
	if session.ScriptID == "" || len(report.ObjectionsFaced) == 0 {
		return
	}
	known, err := m.catalog.ListObjections(session.ScriptID)
	if err != nil {
		m.log.Warn().Str("script_id", session.ScriptID).Err(err).Msg("objection lookup failed")
		return
	}
	converted := result == domain.ResultConverted
	for _, faced := range report.ObjectionsFaced {
		for _, o := range known {
			if !strings.Contains(strings.ToLower(faced.Objection), strings.ToLower(o.Trigger)) {
				continue
			}
			if err := m.catalog.RecordObjectionSuccess(o.ID, session.CallID, converted); err != nil {
				m.log.Warn().Str("objection_id", o.ID).Err(err).Msg("objection outcome write failed")
			}
			break
		}
	}
}

// resolveCallID finds the call a call:end refers to: connection binding
// first, then the user's current-call pointer, then the durable store.
func (m *Manager) resolveCallID(ctx context.Context, p EndParams) (string, error) {
	if p.BoundCallID != "" {
		return p.BoundCallID, nil
	}
	if callID, err := m.cache.CurrentCall(ctx, p.UserID); err != nil {
		m.log.Warn().Str("user_id", p.UserID).Err(err).Msg("current-call lookup failed")
	} else if callID != "" {
		return callID, nil
	}
	call, err := m.calls.FindRecentActive(p.UserID, m.resumeWindow)
	if err != nil || call == nil {
		return "", err
	}
	return call.ID, nil
}

// sessionForFinalize resolves the session from cache, falling back to the
// durable row so a call can be closed even after its cache entry expired.
func (m *Manager) sessionForFinalize(ctx context.Context, callID string) (*domain.CallSession, error) {
	session, err := m.cache.Get(ctx, callID)
	if err != nil {
		m.log.Warn().Str("call_id", callID).Err(err).Msg("cache read failed during finalize")
	}
	if session != nil {
		return session, nil
	}
	call, err := m.calls.Get(callID)
	if err != nil || call == nil {
		return nil, err
	}
	return sessionFromCall(call), nil
}

// resolveSession is the read-through path: cache first, rebuilt from the
// durable row on a miss, written back for the next reader.
func (m *Manager) resolveSession(ctx context.Context, call *domain.Call) (*domain.CallSession, error) {
	session, err := m.cache.Get(ctx, call.ID)
	if err != nil {
		m.log.Warn().Str("call_id", call.ID).Err(err).Msg("cache read failed, rebuilding session")
	}
	if session == nil {
		session = sessionFromCall(call)
		m.persistSession(ctx, session)
	}
	return session, nil
}

// persistSession writes the session and the user's current-call pointer.
// Best effort: cache failures never fail the caller.
func (m *Manager) persistSession(ctx context.Context, session *domain.CallSession) {
	if err := m.cache.Put(ctx, session); err != nil {
		m.log.Warn().Str("call_id", session.CallID).Err(err).Msg("session cache write failed")
	}
	if err := m.cache.SetCurrentCall(ctx, session.UserID, session.CallID); err != nil {
		m.log.Warn().Str("user_id", session.UserID).Err(err).Msg("current-call write failed")
	}
}

func (m *Manager) announceStart(ctx context.Context, session *domain.CallSession) {
	if err := m.relay.PublishSession(ctx, session.CallID, "call:started", map[string]string{
		"callId": session.CallID,
		"userId": session.UserID,
	}); err != nil {
		m.log.Warn().Str("call_id", session.CallID).Err(err).Msg("call:started publish failed")
	}
}

func sessionFromCall(call *domain.Call) *domain.CallSession {
	return &domain.CallSession{
		CallID:     call.ID,
		UserID:     call.UserID,
		ScriptID:   call.ScriptID,
		StartedAt:  call.StartedAt.UnixMilli(),
		Transcript: call.Transcript,
		LeadName:   call.LeadName,
		SellerName: call.SellerName,
	}
}

// mergeNames applies any better participant-name data from a resume.
func mergeNames(session *domain.CallSession, leadName, sellerName string) {
	if leadName != "" {
		session.LeadName = leadName
	}
	if sellerName != "" {
		session.SellerName = sellerName
	}
}
