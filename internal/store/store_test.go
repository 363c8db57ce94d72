package store

import (
	"testing"
	"time"

	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", logging.New(nil, "silent"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGetCall(t *testing.T) {
	calls := NewCallStore(testDB(t))

	call := &domain.Call{
		UserID:     "user-1",
		ScriptID:   "script-1",
		Platform:   "MEET",
		ExternalID: "meet-abc",
	}
	require.NoError(t, calls.Create(call))
	require.NotEmpty(t, call.ID)

	got, err := calls.Get(call.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "meet-abc", got.ExternalID)
}

func TestGetMissingCallReturnsNil(t *testing.T) {
	calls := NewCallStore(testDB(t))
	got, err := calls.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindByExternalID(t *testing.T) {
	calls := NewCallStore(testDB(t))

	require.NoError(t, calls.Create(&domain.Call{UserID: "u1", ExternalID: "meet-x"}))
	require.NoError(t, calls.Create(&domain.Call{UserID: "u2", ExternalID: "meet-x"}))

	got, err := calls.FindByExternalID("u1", "meet-x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)

	got, err = calls.FindByExternalID("u1", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindRecentActive(t *testing.T) {
	calls := NewCallStore(testDB(t))

	old := &domain.Call{UserID: "u1", StartedAt: time.Now().UTC().Add(-2 * time.Hour)}
	require.NoError(t, calls.Create(old))

	fresh := &domain.Call{UserID: "u1"}
	require.NoError(t, calls.Create(fresh))

	got, err := calls.FindRecentActive("u1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fresh.ID, got.ID)

	got, err = calls.FindRecentActive("u2", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFinalizeIsGuarded(t *testing.T) {
	calls := NewCallStore(testDB(t))

	call := &domain.Call{UserID: "u1"}
	require.NoError(t, calls.Create(call))

	transcript := []domain.TranscriptChunk{{Text: "tá caro pra mim", Role: domain.RoleLead, Timestamp: 1}}
	ok, err := calls.Finalize(call.ID, domain.ResultLost, 60000, transcript)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second finalize is a no-op: the row is no longer ACTIVE.
	ok, err = calls.Finalize(call.ID, domain.ResultConverted, 90000, transcript)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := calls.Get(call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.ResultLost, got.Result)
	assert.EqualValues(t, 60000, got.DurationMS)
	require.Len(t, got.Transcript, 1)
	assert.Equal(t, "tá caro pra mim", got.Transcript[0].Text)
	require.NotNil(t, got.EndedAt)
}

func TestReactivate(t *testing.T) {
	calls := NewCallStore(testDB(t))

	call := &domain.Call{UserID: "u1", ExternalID: "meet-1"}
	require.NoError(t, calls.Create(call))
	_, err := calls.Finalize(call.ID, domain.ResultFollowUp, 10000, nil)
	require.NoError(t, err)

	newStart := time.Now().UTC()
	require.NoError(t, calls.Reactivate(call.ID, newStart))

	got, err := calls.Get(call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Nil(t, got.EndedAt)
	assert.EqualValues(t, 0, got.DurationMS)
	assert.Empty(t, string(got.Result))
	assert.WithinDuration(t, newStart, got.StartedAt, 2*time.Second)
}

func TestUpdateNamesMergesNonEmpty(t *testing.T) {
	calls := NewCallStore(testDB(t))

	call := &domain.Call{UserID: "u1", LeadName: "Maria"}
	require.NoError(t, calls.Create(call))

	require.NoError(t, calls.UpdateNames(call.ID, "", "João"))

	got, err := calls.Get(call.ID)
	require.NoError(t, err)
	assert.Equal(t, "Maria", got.LeadName)
	assert.Equal(t, "João", got.SellerName)
}

func TestSaveAndGetSummary(t *testing.T) {
	db := testDB(t)
	calls := NewCallStore(db)

	call := &domain.Call{UserID: "u1"}
	require.NoError(t, calls.Create(call))

	report := &domain.PostCallReport{
		ScriptAdherenceScore: 72,
		Strengths:            []string{"boa escuta"},
		ObjectionsFaced:      []domain.ObjectionFaced{{Objection: "Preço", Handled: true}},
		LeadSentiment:        "MIXED",
		Result:               domain.ResultFollowUp,
		AINotes:              "retomar na sexta",
	}
	require.NoError(t, calls.SaveSummary(call.ID, report))

	got, err := calls.GetSummary(call.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 72, got.ScriptAdherenceScore)
	assert.Equal(t, []string{"boa escuta"}, got.Strengths)
	require.Len(t, got.ObjectionsFaced, 1)
	assert.True(t, got.ObjectionsFaced[0].Handled)
	assert.Equal(t, domain.ResultFollowUp, got.Result)
}

func TestObjectionSuccessRates(t *testing.T) {
	db := testDB(t)
	catalog := NewCatalogStore(db)

	_, err := db.SQL().Exec(`INSERT INTO scripts (id, name, steps) VALUES ('s1', 'Discovery', '["Intro","Close"]')`)
	require.NoError(t, err)
	_, err = db.SQL().Exec(`INSERT INTO objections (id, script_id, trigger_text, response) VALUES
		('o1', 's1', 'tá caro', 'enquadre o valor'),
		('o2', 's1', 'sem tempo', 'peça um minuto')`)
	require.NoError(t, err)

	require.NoError(t, catalog.RecordObjectionSuccess("o1", "c1", true))
	require.NoError(t, catalog.RecordObjectionSuccess("o1", "c2", false))

	objections, err := catalog.ListObjections("s1")
	require.NoError(t, err)
	require.Len(t, objections, 2)
	assert.Equal(t, "o1", objections[0].ID)
	assert.InDelta(t, 50.0, objections[0].SuccessRate, 0.01)
	assert.Zero(t, objections[1].SuccessRate)
}

func TestGetScript(t *testing.T) {
	db := testDB(t)
	catalog := NewCatalogStore(db)

	_, err := db.SQL().Exec(`INSERT INTO scripts (id, name, steps) VALUES ('s1', 'Discovery', '["Intro","Discovery","Close"]')`)
	require.NoError(t, err)

	script, err := catalog.GetScript("s1")
	require.NoError(t, err)
	require.NotNil(t, script)
	assert.Equal(t, []string{"Intro", "Discovery", "Close"}, script.Steps)

	missing, err := catalog.GetScript("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetProfileByToken(t *testing.T) {
	db := testDB(t)
	catalog := NewCatalogStore(db)

	_, err := db.SQL().Exec(`INSERT INTO profiles (id, display_name, organization_id, api_token, role)
		VALUES ('p1', 'Ana', 'org-1', 'tok-123', 'seller')`)
	require.NoError(t, err)

	p, err := catalog.GetProfileByToken("tok-123")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Ana", p.DisplayName)

	p, err = catalog.GetProfileByToken("bad")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = catalog.GetProfileByToken("")
	require.NoError(t, err)
	assert.Nil(t, p)
}
