package store

import (
	"context"
	"fmt"
)

// InsertRole defines a new role.
func (s *Store) InsertRole(ctx context.Context, role string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO role_defs (role_) VALUES ($1)`, role); err != nil {
		return fmt.Errorf("inserting role: %w", err)
	}
	return nil
}

// Roles lists all defined roles.
func (s *Store) Roles(ctx context.Context) ([]string, error) {
	var rows, err = s.pool.Query(ctx, `SELECT role_ FROM role_defs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var out = []string{}
	for rows.Next() {
		var role string
		if err = rows.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}
