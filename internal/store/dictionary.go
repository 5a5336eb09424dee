package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Dictionary is a named, versioned catalog of variables generated from one
// SQL view execution.
type Dictionary struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	InstanceID       string  `json:"instance_id"`
	MetadataType     string  `json:"metadata_type"`
	SQLViewID        string  `json:"sql_view_id"`
	GroupFilter      string  `json:"group_filter,omitempty"`
	ProcessingMethod string  `json:"processing_method"`
	Period           string  `json:"period,omitempty"`
	Version          string  `json:"version"`
	VariableCount    int     `json:"variable_count"`
	Status           string  `json:"status"`
	QualityAverage   float64 `json:"quality_average"`
	SuccessRate      float64 `json:"success_rate"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	CreatedAt        int64   `json:"created_at"`
	UpdatedAt        int64   `json:"updated_at"`
}

const dictionaryColumns = `id, name, description, instance_id, metadata_type, sql_view_id,
	group_filter, processing_method, period, version, variable_count, status,
	quality_average, success_rate, processing_time_ms, error_message, created_at, updated_at`

// InsertDictionary stores a new dictionary. Status defaults to generating:
// a dictionary is born the moment a generation request is accepted.
func (s *Store) InsertDictionary(ctx context.Context, d *Dictionary) error {
	now := time.Now().UnixMilli()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = StatusGenerating
	}
	if d.ProcessingMethod == "" {
		d.ProcessingMethod = MethodBatch
	}
	if d.Version == "" {
		d.Version = "1.0"
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO dictionaries (`+dictionaryColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Description, d.InstanceID, d.MetadataType, d.SQLViewID,
		d.GroupFilter, d.ProcessingMethod, d.Period, d.Version, d.VariableCount, d.Status,
		d.QualityAverage, d.SuccessRate, d.ProcessingTimeMs, d.ErrorMessage, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

// GetDictionary retrieves a dictionary by ID.
func (s *Store) GetDictionary(ctx context.Context, id string) (*Dictionary, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+dictionaryColumns+` FROM dictionaries WHERE id = ?`, id)
	return scanDictionary(row)
}

// ListDictionaries returns all dictionaries, newest first.
func (s *Store) ListDictionaries(ctx context.Context) ([]*Dictionary, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+dictionaryColumns+` FROM dictionaries ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Dictionary
	for rows.Next() {
		d, err := scanDictionary(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// FinalizeDictionary writes the terminal, job-completion stats in one shot.
// Counters are recomputed by the caller, never incremented piecemeal, so a
// second job on the same dictionary cannot drift them.
func (s *Store) FinalizeDictionary(ctx context.Context, id, status string, variableCount int, successRate, qualityAverage float64, processingTimeMs int64, errorMessage string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dictionaries
		SET status = ?, variable_count = ?, success_rate = ?, quality_average = ?,
		    processing_time_ms = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		status, variableCount, successRate, qualityAverage,
		processingTimeMs, errorMessage, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkGenerating flips a dictionary back to generating when a reprocess
// job is accepted.
func (s *Store) MarkGenerating(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dictionaries SET status = ?, error_message = '', updated_at = ? WHERE id = ?`,
		StatusGenerating, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDictionaryInfo applies a user edit of name and description.
func (s *Store) UpdateDictionaryInfo(ctx context.Context, id, name, description string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dictionaries SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		name, description, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDictionary(r rowScanner) (*Dictionary, error) {
	d := &Dictionary{}
	err := r.Scan(
		&d.ID, &d.Name, &d.Description, &d.InstanceID, &d.MetadataType, &d.SQLViewID,
		&d.GroupFilter, &d.ProcessingMethod, &d.Period, &d.Version, &d.VariableCount, &d.Status,
		&d.QualityAverage, &d.SuccessRate, &d.ProcessingTimeMs, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}
