// Package store persists dictionaries, variables, and instance records in
// sqlite. All methods are context-aware; timestamps are unix milliseconds.
package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Dictionary statuses. Transitions: generating → active | error.
const (
	StatusGenerating = "generating"
	StatusActive     = "active"
	StatusError      = "error"
)

// Variable statuses.
const (
	VarStatusSuccess = "success"
	VarStatusError   = "error"
	VarStatusPending = "pending"
)

// Processing methods.
const (
	MethodBatch      = "batch"
	MethodIndividual = "individual"
)

// Store wraps a sqlite database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}
