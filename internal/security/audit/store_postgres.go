// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taibuivan/portalcore/internal/platform/dberr"
	"github.com/taibuivan/portalcore/internal/platform/postgres"
)

// Filter narrows an audit listing. Zero fields are ignored.
type Filter struct {
	ActorID string
	Action  string
	MinRisk Risk
	Since   time.Time
}

// PostgresStore implements [Store] on security.audit_log. It only inserts and
// lists; the application never updates or deletes audit rows.
type PostgresStore struct {
	db postgres.Querier
}

// NewPostgresStore creates a new PostgreSQL implementation of the audit store.
func NewPostgresStore(db postgres.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

/*
Insert appends one entry to security.audit_log.

Parameters:
  - context: context.Context
  - entry: Entry

Returns:
  - error: Database constraint violations or connectivity errors
*/
func (repository *PostgresStore) Insert(context context.Context, entry Entry) error {
	const query = `
		INSERT INTO security.audit_log (
			id, occurredat, actorid, action, ip, useragent, details, risk, requestid
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}

	_, err := repository.db.Exec(context, query,
		entry.ID,
		entry.Timestamp,
		entry.ActorID,
		entry.Action,
		entry.IP,
		entry.UserAgent,
		details,
		string(entry.Risk),
		entry.RequestID,
	)
	if err != nil {
		return fmt.Errorf("postgres_audit_insert_failed: %w", err)
	}

	return nil
}

/*
List returns entries matching filter, newest first, plus the total match count.

Parameters:
  - context: context.Context
  - filter: Filter
  - limit: int
  - offset: int

Returns:
  - []Entry: One page of entries
  - int: Total matching rows
  - error: Database errors
*/
func (repository *PostgresStore) List(context context.Context, filter Filter, limit, offset int) ([]Entry, int, error) {
	var (
		conditions []string
		args       []any
	)

	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if filter.ActorID != "" {
		add("actorid = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.MinRisk.Rank() > 0 {
		risks := make([]string, 0, 4)
		for _, risk := range filter.MinRisk.AtLeast() {
			risks = append(risks, string(risk))
		}
		add("risk = ANY($%d)", risks)
	}
	if !filter.Since.IsZero() {
		add("occurredat >= $%d", filter.Since)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT id, occurredat, actorid, action, ip, useragent, details, risk, requestid,
		       count(*) OVER() AS total
		FROM security.audit_log
		%s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := repository.db.Query(context, query, args...)
	if err != nil {
		return nil, 0, dberr.Wrap(err, "Audit entry")
	}
	defer rows.Close()

	var (
		entries []Entry
		total   int
	)
	for rows.Next() {
		var (
			entry Entry
			risk  string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.ActorID,
			&entry.Action,
			&entry.IP,
			&entry.UserAgent,
			&entry.Details,
			&risk,
			&entry.RequestID,
			&total,
		); err != nil {
			return nil, 0, dberr.Wrap(err, "Audit entry")
		}
		entry.Risk = Risk(risk)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, dberr.Wrap(err, "Audit entry")
	}

	return entries, total, nil
}
