package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create calls and call_summaries",
		SQL: `
			CREATE TABLE calls (
				id           TEXT PRIMARY KEY,
				user_id      TEXT NOT NULL,
				script_id    TEXT NOT NULL DEFAULT '',
				platform     TEXT NOT NULL DEFAULT 'OTHER',
				external_id  TEXT NOT NULL DEFAULT '',
				status       TEXT NOT NULL DEFAULT 'ACTIVE',
				started_at   TEXT NOT NULL,
				ended_at     TEXT,
				duration_ms  INTEGER NOT NULL DEFAULT 0,
				result       TEXT NOT NULL DEFAULT '',
				lead_name    TEXT NOT NULL DEFAULT '',
				seller_name  TEXT NOT NULL DEFAULT '',
				transcript   TEXT
			);

			CREATE INDEX idx_calls_user_status ON calls (user_id, status, started_at);
			CREATE INDEX idx_calls_external ON calls (user_id, external_id);

			CREATE TABLE call_summaries (
				id                      INTEGER PRIMARY KEY AUTOINCREMENT,
				call_id                 TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
				script_adherence_score  INTEGER NOT NULL DEFAULT 0,
				strengths               TEXT,
				improvements            TEXT,
				objections_faced        TEXT,
				buying_signals          TEXT,
				lead_sentiment          TEXT NOT NULL DEFAULT '',
				result                  TEXT NOT NULL DEFAULT '',
				next_steps              TEXT,
				ai_notes                TEXT NOT NULL DEFAULT '',
				created_at              TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_summaries_call ON call_summaries (call_id);
		`,
	},
	{
		Version: 2,
		Name:    "create scripts, objections, and profiles",
		SQL: `
			CREATE TABLE scripts (
				id     TEXT PRIMARY KEY,
				name   TEXT NOT NULL,
				steps  TEXT
			);

			CREATE TABLE objections (
				id            TEXT PRIMARY KEY,
				script_id     TEXT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
				trigger_text  TEXT NOT NULL,
				response      TEXT NOT NULL,
				category      TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_objections_script ON objections (script_id);

			CREATE TABLE objection_successes (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				objection_id  TEXT NOT NULL REFERENCES objections(id) ON DELETE CASCADE,
				call_id       TEXT NOT NULL,
				converted     INTEGER NOT NULL,
				created_at    TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_successes_objection ON objection_successes (objection_id);

			CREATE TABLE profiles (
				id               TEXT PRIMARY KEY,
				display_name     TEXT NOT NULL DEFAULT '',
				organization_id  TEXT NOT NULL DEFAULT '',
				api_token        TEXT NOT NULL UNIQUE,
				role             TEXT NOT NULL DEFAULT 'seller'
			);
		`,
	},
}
