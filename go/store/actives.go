package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/trellis-hq/trellis/go/ticket"
)

// InsertActive stages an active assignment of the ticket's node for a user.
func (s *Store) InsertActive(ctx context.Context, tx pgx.Tx, userID uuid.UUID, ticketID int64, node int, kind ticket.ActiveKind) error {
	var _, err = tx.Exec(ctx,
		`INSERT INTO user_active_tickets (userid, ticketid, active, node_number, type_)
		 VALUES ($1, $2, TRUE, $3, $4)`,
		userID, ticketID, node, string(kind))
	if err != nil {
		return fmt.Errorf("inserting active assignment: %w", err)
	}
	return nil
}

// DeactivateUserTicket retires the user's active assignment of the ticket.
func (s *Store) DeactivateUserTicket(ctx context.Context, tx pgx.Tx, userID uuid.UUID, ticketID int64) error {
	var _, err = tx.Exec(ctx,
		`UPDATE user_active_tickets SET active = FALSE WHERE ticketid = $1 AND userid = $2`,
		ticketID, userID)
	if err != nil {
		return fmt.Errorf("deactivating assignment: %w", err)
	}
	return nil
}

// DeactivateAll retires every active assignment of the ticket, on its
// rejection or completion.
func (s *Store) DeactivateAll(ctx context.Context, tx pgx.Tx, ticketID int64) error {
	var _, err = tx.Exec(ctx,
		`UPDATE user_active_tickets SET active = FALSE WHERE ticketid = $1`, ticketID)
	if err != nil {
		return fmt.Errorf("deactivating assignments: %w", err)
	}
	return nil
}

// ResolveUserID resolves a username to its userid. Resolutions are cached:
// process definitions reference stable usernames.
func (s *Store) ResolveUserID(ctx context.Context, tx pgx.Tx, username string) (uuid.UUID, error) {
	if id, ok := s.users.Get(username); ok {
		return id, nil
	}
	var id uuid.UUID
	var err = tx.QueryRow(ctx,
		`SELECT userid FROM users WHERE username = $1`, username).Scan(&id)
	if err == pgx.ErrNoRows {
		return uuid.Nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	} else if err != nil {
		return uuid.Nil, fmt.Errorf("resolving user %q: %w", username, err)
	}
	s.users.Add(username, id)
	return id, nil
}

// UserName resolves a userid to its username.
func (s *Store) UserName(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (string, error) {
	var name string
	var err = tx.QueryRow(ctx,
		`SELECT username FROM users WHERE userid = $1`, userID).Scan(&name)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	} else if err != nil {
		return "", fmt.Errorf("resolving user %s: %w", userID, err)
	}
	return name, nil
}

// InsertNotification stages a notification row for the named user.
// The notifier service delivers it after the transaction commits.
func (s *Store) InsertNotification(ctx context.Context, tx pgx.Tx, userID uuid.UUID, message string) error {
	var _, err = tx.Exec(ctx,
		`INSERT INTO notifications (userid, message, created_at) VALUES ($1, $2, $3)`,
		userID, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}
