package store

import (
	"context"
	"fmt"
	"strings"
)

// Column types that differ per dialect.
var columnTypes = map[Dialect]*strings.Replacer{
	Postgres: strings.NewReplacer("{{TS}}", "TIMESTAMPTZ", "{{JSON}}", "JSONB", "{{BOOL}}", "BOOLEAN", "{{MONEY}}", "NUMERIC(14,2)", "{{REAL}}", "DOUBLE PRECISION", "{{BLOB}}", "BYTEA"),
	SQLite:   strings.NewReplacer("{{TS}}", "TEXT", "{{JSON}}", "TEXT", "{{BOOL}}", "INTEGER", "{{MONEY}}", "TEXT", "{{REAL}}", "REAL", "{{BLOB}}", "BLOB"),
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS shipments (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		shipper_id TEXT NOT NULL,
		carrier_id TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		destination TEXT NOT NULL,
		pickup_date {{TS}} NOT NULL,
		status TEXT NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_shipments_shipper ON shipments(shipper_id)`,
	`CREATE INDEX IF NOT EXISTS idx_shipments_status ON shipments(status)`,
	`CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		shipment_id TEXT NOT NULL,
		unit_number INTEGER NOT NULL,
		unit_total INTEGER NOT NULL,
		description TEXT NOT NULL,
		weight_kg {{REAL}} NOT NULL,
		status TEXT NOT NULL,
		qr_token TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		delivered_at {{TS}},
		recipient_name TEXT NOT NULL DEFAULT '',
		signature_id TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_units_shipment ON units(shipment_id)`,
	`CREATE TABLE IF NOT EXISTS scan_logs (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		action TEXT NOT NULL,
		previous_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		actor_name TEXT NOT NULL DEFAULT '',
		ts {{TS}} NOT NULL,
		location {{JSON}},
		damage_flagged {{BOOL}} NOT NULL,
		damage_description TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL DEFAULT 0,
		vehicle_plate TEXT NOT NULL DEFAULT '',
		recipient_name TEXT NOT NULL DEFAULT '',
		signature_id TEXT NOT NULL DEFAULT '',
		photo_ids {{JSON}} NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		UNIQUE (unit_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		scan_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL,
		size BIGINT NOT NULL,
		digest TEXT NOT NULL,
		uploaded_by TEXT NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_photos_unit ON photos(unit_id)`,
	`CREATE TABLE IF NOT EXISTS qr_tokens (
		token TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS disputes (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		shipment_id TEXT NOT NULL,
		shipper_id TEXT NOT NULL DEFAULT '',
		carrier_id TEXT NOT NULL DEFAULT '',
		reporter_id TEXT NOT NULL,
		reporter_name TEXT NOT NULL DEFAULT '',
		reporter_role TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		photo_ids {{JSON}} NOT NULL,
		status TEXT NOT NULL,
		suggested_liability TEXT NOT NULL,
		suggestion_reason TEXT NOT NULL DEFAULT '',
		resolution {{JSON}},
		evidence {{JSON}},
		auto_created {{BOOL}} NOT NULL,
		source_scan_id TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	// at most one non-resolved dispute per unit
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_open_unit ON disputes(unit_id) WHERE status <> 'RESOLVED'`,
	`CREATE INDEX IF NOT EXISTS idx_disputes_reporter ON disputes(reporter_id)`,
	`CREATE TABLE IF NOT EXISTS dispute_comments (
		id TEXT PRIMARY KEY,
		dispute_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		author_name TEXT NOT NULL DEFAULT '',
		author_role TEXT NOT NULL,
		body TEXT NOT NULL,
		is_internal {{BOOL}} NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_dispute ON dispute_comments(dispute_id)`,
	`CREATE TABLE IF NOT EXISTS carriers (
		id TEXT PRIMARY KEY,
		company_name TEXT NOT NULL,
		vat_number TEXT NOT NULL,
		country TEXT NOT NULL,
		tier TEXT NOT NULL,
		rating INTEGER NOT NULL,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		carrier_id TEXT NOT NULL,
		plate TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		capacity_kg INTEGER NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS drivers (
		id TEXT PRIMARY KEY,
		carrier_id TEXT NOT NULL,
		name TEXT NOT NULL,
		licence_number TEXT NOT NULL,
		phone TEXT NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS warehouses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		country TEXT NOT NULL,
		capacity_pallets INTEGER NOT NULL,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bids (
		id TEXT PRIMARY KEY,
		shipment_id TEXT NOT NULL,
		carrier_id TEXT NOT NULL,
		amount {{MONEY}} NOT NULL,
		currency TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bids_shipment ON bids(shipment_id)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		body {{BLOB}} NOT NULL,
		cached_at {{TS}} NOT NULL
	)`,
}

// Migrate creates every table and index. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	r := columnTypes[s.dialect]
	for i, m := range migrations {
		if _, err := s.db.ExecContext(ctx, r.Replace(m)); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
