package store

import (
	"database/sql"
	"encoding/json"

	"github.com/sellside/coachd/internal/domain"
)

// CatalogStore reads scripts, objections, and user profiles, and records
// objection outcomes.
type CatalogStore struct {
	db *DB
}

// NewCatalogStore creates a catalog store using the given database.
func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// GetScript returns a script by ID, or nil if not found.
func (s *CatalogStore) GetScript(id string) (*domain.Script, error) {
	var script domain.Script
	var steps sql.NullString
	err := s.db.sql.QueryRow(
		`SELECT id, name, steps FROM scripts WHERE id = ?`, id,
	).Scan(&script.ID, &script.Name, &steps)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if steps.Valid && steps.String != "" {
		_ = json.Unmarshal([]byte(steps.String), &script.Steps)
	}
	return &script, nil
}

// ListObjections returns a script's objections with their success rates
// derived from recorded outcomes.
func (s *CatalogStore) ListObjections(scriptID string) ([]domain.Objection, error) {
	rows, err := s.db.sql.Query(
		`SELECT o.id, o.script_id, o.trigger_text, o.response, o.category,
			COUNT(os.id), COALESCE(SUM(os.converted), 0)
		 FROM objections o
		 LEFT JOIN objection_successes os ON os.objection_id = o.id
		 WHERE o.script_id = ?
		 GROUP BY o.id
		 ORDER BY o.id`,
		scriptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objections []domain.Objection
	for rows.Next() {
		var obj domain.Objection
		var total, converted int
		if err := rows.Scan(&obj.ID, &obj.ScriptID, &obj.Trigger, &obj.Response,
			&obj.Category, &total, &converted); err != nil {
			return nil, err
		}
		if total > 0 {
			obj.SuccessRate = float64(converted) / float64(total) * 100
		}
		objections = append(objections, obj)
	}
	return objections, rows.Err()
}

// RecordObjectionSuccess records whether handling an objection led to a
// conversion on the given call.
func (s *CatalogStore) RecordObjectionSuccess(objectionID, callID string, converted bool) error {
	val := 0
	if converted {
		val = 1
	}
	_, err := s.db.sql.Exec(
		`INSERT INTO objection_successes (objection_id, call_id, converted)
		 VALUES (?, ?, ?)`,
		objectionID, callID, val,
	)
	return err
}

// GetProfileByToken returns the profile owning an API token, or nil.
func (s *CatalogStore) GetProfileByToken(token string) (*domain.Profile, error) {
	if token == "" {
		return nil, nil
	}
	var p domain.Profile
	err := s.db.sql.QueryRow(
		`SELECT id, display_name, organization_id, role FROM profiles WHERE api_token = ?`,
		token,
	).Scan(&p.ID, &p.DisplayName, &p.OrganizationID, &p.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
