// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package account (Postgres) implements the directory listing.

# Schema Table Mapping
  - users.account: Accounts, filtered by role, region overlap and company.
*/
package account

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/portalcore/internal/platform/dberr"
	"github.com/taibuivan/portalcore/internal/users/auth"
)

// PostgresDirectory implements [Directory] using pgx.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewDirectory creates a new Postgres implementation of [Directory].
func NewDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

/*
List returns one page of accounts, ordered by email.

Region filtering matches the home region or any entry of the regions array.

Parameters:
  - context: context.Context
  - filter: ListFilter
  - limit: int
  - offset: int

Returns:
  - []*auth.User: Page of accounts
  - int: Total matching rows
  - error: Database errors
*/
func (repository *PostgresDirectory) List(context context.Context, filter ListFilter, limit, offset int) ([]*auth.User, int, error) {
	var (
		conditions []string
		args       []any
	)

	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, strings.ReplaceAll(condition, "$?", fmt.Sprintf("$%d", len(args))))
	}

	if filter.Role != "" {
		add("role = $?", string(filter.Role))
	}
	if len(filter.Regions) > 0 {
		add("(homeregionid = ANY($?) OR regions && $?)", filter.Regions)
	}
	if filter.CompanyID != "" {
		add("companyid = $?", filter.CompanyID)
	}
	if filter.Search != "" {
		add("(email ILIKE $? OR displayname ILIKE $?)", "%"+escapeLike(filter.Search)+"%")
	}
	if filter.Active != nil {
		add("isactive = $?", *filter.Active)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT id, email, displayname, role, homeregionid, regions, companyid,
		       isactive, totpenabled, createdat, updatedat,
		       count(*) OVER() AS total
		FROM users.account
		%s
		ORDER BY email
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := repository.pool.Query(context, query, args...)
	if err != nil {
		return nil, 0, dberr.Wrap(err, "User")
	}
	defer rows.Close()

	var (
		users []*auth.User
		total int
	)
	for rows.Next() {
		user := &auth.User{}
		if err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.DisplayName,
			&user.Role,
			&user.HomeRegionID,
			&user.Regions,
			&user.CompanyID,
			&user.IsActive,
			&user.TOTPEnabled,
			&user.CreatedAt,
			&user.UpdatedAt,
			&total,
		); err != nil {
			return nil, 0, dberr.Wrap(err, "User")
		}
		user.Regions = auth.NormalizeRegions(user.Role, user.HomeRegionID, user.Regions)
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, dberr.Wrap(err, "User")
	}

	return users, total, nil
}

// escapeLike neutralizes LIKE wildcards in user input.
func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
