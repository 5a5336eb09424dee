package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Variable is one catalog entry: a remote entity's identifier, name, type,
// quality score, and derived access URLs. The raw mapped row is preserved
// verbatim in PayloadJSON for later export.
type Variable struct {
	ID            string `json:"id"`
	DictionaryID  string `json:"dictionary_id"`
	UID           string `json:"uid"`
	Name          string `json:"name"`
	MetadataType  string `json:"metadata_type"`
	QualityScore  int    `json:"quality_score"`
	Status        string `json:"status"`
	ErrorMessage  string `json:"error_message,omitempty"`
	PayloadJSON   string `json:"payload_json"`
	AnalyticsURL  string `json:"analytics_url"`
	MetadataURL   string `json:"metadata_url"`
	DataValuesURL string `json:"data_values_url,omitempty"`
	WebUIURL      string `json:"web_ui_url"`
	ExportURL     string `json:"export_url"`
	CreatedAt     int64  `json:"created_at"`
}

const variableColumns = `id, dictionary_id, uid, name, metadata_type, quality_score, status,
	error_message, payload_json, analytics_url, metadata_url, data_values_url,
	web_ui_url, export_url, created_at`

// UpsertVariable inserts a variable or, when (dictionary_id, uid) already
// exists, replaces its mutable fields. Reprocessing must never duplicate.
func (s *Store) UpsertVariable(ctx context.Context, v *Variable) error {
	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().UnixMilli()
	}
	if v.Status == "" {
		v.Status = VarStatusPending
	}
	if v.PayloadJSON == "" {
		v.PayloadJSON = "{}"
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO variables (`+variableColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (dictionary_id, uid) DO UPDATE SET
			name = excluded.name,
			metadata_type = excluded.metadata_type,
			quality_score = excluded.quality_score,
			status = excluded.status,
			error_message = excluded.error_message,
			payload_json = excluded.payload_json,
			analytics_url = excluded.analytics_url,
			metadata_url = excluded.metadata_url,
			data_values_url = excluded.data_values_url,
			web_ui_url = excluded.web_ui_url,
			export_url = excluded.export_url`,
		v.ID, v.DictionaryID, v.UID, v.Name, v.MetadataType, v.QualityScore, v.Status,
		v.ErrorMessage, v.PayloadJSON, v.AnalyticsURL, v.MetadataURL, v.DataValuesURL,
		v.WebUIURL, v.ExportURL, v.CreatedAt,
	)
	return err
}

// GetVariable retrieves a variable by its own id.
func (s *Store) GetVariable(ctx context.Context, id string) (*Variable, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+variableColumns+` FROM variables WHERE id = ?`, id)
	return scanVariable(row)
}

// GetVariableByUID retrieves a variable by (dictionary, uid).
func (s *Store) GetVariableByUID(ctx context.Context, dictionaryID, uid string) (*Variable, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+variableColumns+` FROM variables
		WHERE dictionary_id = ? AND uid = ?`, dictionaryID, uid)
	return scanVariable(row)
}

// ListVariables returns all variables of a dictionary in insertion order.
func (s *Store) ListVariables(ctx context.Context, dictionaryID string) ([]*Variable, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+variableColumns+` FROM variables
		WHERE dictionary_id = ? ORDER BY rowid`, dictionaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Variable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// CountVariables returns the number of persisted variables for a dictionary.
func (s *Store) CountVariables(ctx context.Context, dictionaryID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM variables WHERE dictionary_id = ?`, dictionaryID).Scan(&n)
	return n, err
}

// QualityAverage returns the mean quality score of a dictionary's
// successful variables, or zero when there are none.
func (s *Store) QualityAverage(ctx context.Context, dictionaryID string) (float64, error) {
	var avg sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `
		SELECT AVG(quality_score) FROM variables
		WHERE dictionary_id = ? AND status = ?`, dictionaryID, VarStatusSuccess).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

// UpdateVariableInfo applies a user edit of name and classification.
func (s *Store) UpdateVariableInfo(ctx context.Context, id, name, metadataType string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE variables SET name = ?, metadata_type = ? WHERE id = ?`,
		name, metadataType, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanVariable(r rowScanner) (*Variable, error) {
	v := &Variable{}
	err := r.Scan(
		&v.ID, &v.DictionaryID, &v.UID, &v.Name, &v.MetadataType, &v.QualityScore, &v.Status,
		&v.ErrorMessage, &v.PayloadJSON, &v.AnalyticsURL, &v.MetadataURL, &v.DataValuesURL,
		&v.WebUIURL, &v.ExportURL, &v.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
