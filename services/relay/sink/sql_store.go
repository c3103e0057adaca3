// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// OpenSQL opens a database handle for dialect.
func OpenSQL(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s event log: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer; sqlite serializes writes anyway.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLStore keeps records in the relay_events table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps db and creates the table if needed. The store owns db.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS relay_events (
			event_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			metadata TEXT NOT NULL,
			occurred_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS relay_events_tenant_time ON relay_events (tenant_id, occurred_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate relay_events: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append inserts rec, ignoring a duplicate event id.
func (s *SQLStore) Append(ctx context.Context, rec Record) error {
	query := s.rebind(`INSERT INTO relay_events
		(event_id, tenant_id, workspace_id, event_type, metadata, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)

	_, err := s.db.ExecContext(ctx, query,
		rec.EventID, rec.TenantID, rec.WorkspaceID, rec.EventType, string(rec.Metadata), rec.OccurredAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", rec.EventID, err)
	}
	return nil
}

// Recent returns up to limit of the tenant's newest records, oldest first.
func (s *SQLStore) Recent(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := s.rebind(`SELECT event_id, tenant_id, workspace_id, event_type, metadata, occurred_at
		FROM relay_events
		WHERE tenant_id = ?
		ORDER BY occurred_at DESC, event_id DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec  Record
			meta string
		)
		if err := rows.Scan(&rec.EventID, &rec.TenantID, &rec.WorkspaceID, &rec.EventType, &meta, &rec.OccurredAtMs); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec.Metadata = []byte(meta)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
