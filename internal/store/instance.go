package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Instance is a registered remote DHIS2 server. Credentials are stored
// sealed (see internal/creds); the plaintext never touches the database.
type Instance struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BaseURL     string `json:"base_url"`
	SealedCreds string `json:"-"`
	CreatedAt   int64  `json:"created_at"`
}

// InsertInstance registers an instance.
func (s *Store) InsertInstance(ctx context.Context, inst *Instance) error {
	if inst.CreatedAt == 0 {
		inst.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO instances (id, name, base_url, sealed_creds, created_at)
		VALUES (?,?,?,?,?)`,
		inst.ID, inst.Name, inst.BaseURL, inst.SealedCreds, inst.CreatedAt,
	)
	return err
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst := &Instance{}
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name, base_url, sealed_creds, created_at
		FROM instances WHERE id = ?`, id).Scan(
		&inst.ID, &inst.Name, &inst.BaseURL, &inst.SealedCreds, &inst.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ListInstances returns all registered instances.
func (s *Store) ListInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, base_url, sealed_creds, created_at
		FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Instance
	for rows.Next() {
		inst := &Instance{}
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.BaseURL, &inst.SealedCreds, &inst.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, inst)
	}
	return items, rows.Err()
}
