package store

import "database/sql"

// Schema is the complete dictionary service schema.
const Schema = `
-- Remote DHIS2 instances (credentials sealed, never plaintext)
CREATE TABLE IF NOT EXISTS instances (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    base_url     TEXT NOT NULL,
    sealed_creds TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_url ON instances(base_url);

-- Dictionaries: named catalogs generated from one SQL view execution
CREATE TABLE IF NOT EXISTS dictionaries (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    instance_id        TEXT NOT NULL REFERENCES instances(id),
    metadata_type      TEXT NOT NULL,
    sql_view_id        TEXT NOT NULL,
    group_filter       TEXT NOT NULL DEFAULT '',
    processing_method  TEXT NOT NULL DEFAULT 'batch',
    period             TEXT NOT NULL DEFAULT '',
    version            TEXT NOT NULL DEFAULT '1.0',
    variable_count     INTEGER NOT NULL DEFAULT 0,
    status             TEXT NOT NULL DEFAULT 'generating',
    quality_average    REAL NOT NULL DEFAULT 0,
    success_rate       REAL NOT NULL DEFAULT 0,
    processing_time_ms INTEGER NOT NULL DEFAULT 0,
    error_message      TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dictionaries_status ON dictionaries(status);
CREATE INDEX IF NOT EXISTS idx_dictionaries_instance ON dictionaries(instance_id);

-- Variables: one catalog entry per remote entity
CREATE TABLE IF NOT EXISTS variables (
    id              TEXT PRIMARY KEY,
    dictionary_id   TEXT NOT NULL REFERENCES dictionaries(id) ON DELETE CASCADE,
    uid             TEXT NOT NULL,
    name            TEXT NOT NULL,
    metadata_type   TEXT NOT NULL,
    quality_score   INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    error_message   TEXT NOT NULL DEFAULT '',
    payload_json    TEXT NOT NULL DEFAULT '{}',
    analytics_url   TEXT NOT NULL DEFAULT '',
    metadata_url    TEXT NOT NULL DEFAULT '',
    data_values_url TEXT NOT NULL DEFAULT '',
    web_ui_url      TEXT NOT NULL DEFAULT '',
    export_url      TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    UNIQUE (dictionary_id, uid)
);
CREATE INDEX IF NOT EXISTS idx_variables_dictionary ON variables(dictionary_id);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
