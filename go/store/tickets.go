package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/trellis-hq/trellis/go/ticket"
)

// InsertTicket inserts a new ticket row and fills in its assigned id.
func (s *Store) InsertTicket(ctx context.Context, tx pgx.Tx, t *ticket.Ticket) error {
	var state, err = stateJSON(t.State)
	if err != nil {
		return err
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO tickets (owner_id, process_id, log_id, is_public, created_at, updated_at, status, complete, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		t.OwnerID, t.ProcessID, t.LogID, t.IsPublic, t.CreatedAt, t.UpdatedAt,
		string(t.Status), t.Complete.Bytes(), state,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}
	return nil
}

// LoadTicketForUpdate reads a ticket row under a row-level lock, which
// serializes concurrent advancements of the same ticket.
func (s *Store) LoadTicketForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*ticket.Ticket, error) {
	var (
		t        = &ticket.Ticket{}
		status   string
		complete []byte
		state    []byte
	)
	var err = tx.QueryRow(ctx,
		`SELECT id, owner_id, process_id, log_id, is_public, created_at, updated_at, status, complete, state
		 FROM tickets WHERE id = $1
		 FOR UPDATE`, id,
	).Scan(&t.ID, &t.OwnerID, &t.ProcessID, &t.LogID, &t.IsPublic,
		&t.CreatedAt, &t.UpdatedAt, &status, &complete, &state)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("loading ticket %d: %w", id, err)
	}

	t.Status = ticket.Status(status)
	t.Complete = ticket.MaskFromBytes(complete)
	if len(state) != 0 {
		if err = json.Unmarshal(state, &t.State); err != nil {
			return nil, fmt.Errorf("decoding state of ticket %d: %w", id, err)
		}
	}
	return t, nil
}

// UpdateTicket writes back the mutable columns of the ticket.
// The state column is written only when asked: creation and rejection
// paths never change it.
func (s *Store) UpdateTicket(ctx context.Context, tx pgx.Tx, t *ticket.Ticket, writeState bool) error {
	var err error
	if writeState {
		var state []byte
		if state, err = stateJSON(t.State); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE tickets SET status = $1, complete = $2, updated_at = $3, state = $4 WHERE id = $5`,
			string(t.Status), t.Complete.Bytes(), t.UpdatedAt, state, t.ID)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE tickets SET status = $1, complete = $2, updated_at = $3 WHERE id = $4`,
			string(t.Status), t.Complete.Bytes(), t.UpdatedAt, t.ID)
	}
	if err != nil {
		return fmt.Errorf("updating ticket %d: %w", t.ID, err)
	}
	return nil
}

// Assignment is one active user_active_tickets row joined with its ticket.
type Assignment struct {
	Kind      ticket.ActiveKind `json:"type_"`
	TicketID  int64             `json:"ticketid"`
	Active    bool              `json:"active"`
	Node      int               `json:"node_number"`
	ProcessID string            `json:"process_id"`
	OwnerName string            `json:"owner_name"`
}

// OwnedTicket is the listing row of a ticket the user owns.
type OwnedTicket struct {
	ID        int64         `json:"id"`
	ProcessID string        `json:"process_id"`
	IsPublic  bool          `json:"is_public"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Status    ticket.Status `json:"status"`
}

// ListAssignments reads the user's active non-owner assignments.
func (s *Store) ListAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	var rows, err = s.pool.Query(ctx,
		`SELECT type_, node_number, ticketid, active, process_id, username AS owner_name
		 FROM user_active_tickets
		 JOIN tickets ON user_active_tickets.ticketid = tickets.id
		 JOIN users ON tickets.owner_id = users.userid
		 WHERE user_active_tickets.type_ != 'own'
		   AND user_active_tickets.active
		   AND user_active_tickets.userid = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	defer rows.Close()

	var out = []Assignment{}
	for rows.Next() {
		var a Assignment
		var kind string
		if err = rows.Scan(&kind, &a.Node, &a.TicketID, &a.Active, &a.ProcessID, &a.OwnerName); err != nil {
			return nil, err
		}
		a.Kind = ticket.ActiveKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListOwned reads the tickets the user owns.
func (s *Store) ListOwned(ctx context.Context, userID uuid.UUID) ([]OwnedTicket, error) {
	var rows, err = s.pool.Query(ctx,
		`SELECT id, process_id, is_public, created_at, updated_at, status
		 FROM tickets WHERE owner_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing owned tickets: %w", err)
	}
	defer rows.Close()

	var out = []OwnedTicket{}
	for rows.Next() {
		var o OwnedTicket
		var status string
		if err = rows.Scan(&o.ID, &o.ProcessID, &o.IsPublic, &o.CreatedAt, &o.UpdatedAt, &status); err != nil {
			return nil, err
		}
		o.Status = ticket.Status(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func stateJSON(state ticket.State) ([]byte, error) {
	if state == nil {
		return []byte(`{}`), nil
	}
	var raw, err = json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding ticket state: %w", err)
	}
	return raw, nil
}
