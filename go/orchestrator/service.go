// Package orchestrator wraps single ticket advancements in database
// transactions: it materializes the engine's emitted UserActions as rows,
// updates the ticket, commits, and only then forwards buffered callback
// dispatches and pings the notifier. No persisted UserAction ever outlives
// its ticket-state update.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/trellis-hq/trellis/go/notifier"
	"github.com/trellis-hq/trellis/go/ops"
	"github.com/trellis-hq/trellis/go/process"
	"github.com/trellis-hq/trellis/go/store"
	"github.com/trellis-hq/trellis/go/ticket"
)

// ErrTicketClosed is returned on attempts to update a ticket which is no
// longer open.
var ErrTicketClosed = fmt.Errorf("ticket is not open")

// ErrFabricToken is returned when a blocking-task re-entry doesn't carry a
// valid fabric token.
var ErrFabricToken = fmt.Errorf("invalid fabric token")

// Dispatcher forwards buffered callback dispatches to the fabric and
// verifies fabric-issued tokens.
type Dispatcher interface {
	Enqueue(ticket.Dispatch)
	VerifyToken(token string) error
}

// Notifier wakes the notifier service.
type Notifier interface {
	Ping(ctx context.Context, kind notifier.Kind, payload json.RawMessage) error
}

// Service is the ticket orchestrator.
type Service struct {
	Store      *store.Store
	Engine     *ticket.Engine
	Dispatcher Dispatcher
	Notifier   Notifier
}

// CreateRequest is a decoded POST /ticket body.
type CreateRequest struct {
	ProcessID string       `json:"process_id"`
	OwnerID   uuid.UUID    `json:"owner_id"`
	IsPublic  bool         `json:"is_public"`
	Data      ticket.State `json:"data,omitempty"`
}

// UpdateRequest is a decoded PUT /ticket body.
type UpdateRequest struct {
	TicketID int64        `json:"ticket_id"`
	UserID   uuid.UUID    `json:"user_id"`
	Accepted bool         `json:"accepted"`
	Node     int          `json:"node"`
	Data     ticket.State `json:"data,omitempty"`
	// FabricToken authenticates blocking-task re-entries from the
	// callback fabric.
	FabricToken string `json:"fabric_token,omitempty"`
}

// Create inserts a new ticket and runs its first advancement, firing the
// Initiate node, within one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ticket.Ticket, error) {
	var tx, err = s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var now = time.Now().UTC()
	var tk = &ticket.Ticket{
		OwnerID:   req.OwnerID,
		ProcessID: req.ProcessID,
		LogID:     uuid.New(),
		IsPublic:  req.IsPublic,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    ticket.StatusOpen,
		State:     req.Data,
	}
	if tk.State == nil {
		tk.State = ticket.State{}
	}

	if err = s.Store.InsertTicket(ctx, tx, tk); err != nil {
		return nil, err
	}
	var pub = ops.NewLocalPublisher(tk.LogID)

	if err = s.Store.InsertActive(ctx, tx, tk.OwnerID, tk.ID, 0, ticket.ActiveOwn); err != nil {
		return nil, err
	}

	res, err := s.Engine.Advance(ctx, tk, 0, statePayload(req.Data), pub)
	if err != nil {
		logAdvanceError(pub, tk, err)
		return nil, err
	}
	if err = s.persistActions(ctx, tx, tk, res, pub); err != nil {
		return nil, err
	}
	// State was written on insert; only the other mutable columns changed.
	if err = s.Store.UpdateTicket(ctx, tx, tk, false); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing creation of ticket %d: %w", tk.ID, err)
	}

	createdCounter.Inc()
	s.postCommit(pub, res)
	return tk, nil
}

// Update processes a user decision or a fabric re-entry at a node, within
// one transaction. Rejections retire the ticket without any advancement.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*ticket.Ticket, error) {
	var tx, err = s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tk, err := s.Store.LoadTicketForUpdate(ctx, tx, req.TicketID)
	if err != nil {
		return nil, err
	}
	var pub = ops.NewLocalPublisher(tk.LogID)

	if tk.Status != ticket.StatusOpen {
		_ = ops.PublishLog(pub, ops.KindError, "attempt to update a ticket which is not open",
			"ticket", tk.ID, "status", tk.Status, "user", req.UserID)
		return nil, fmt.Errorf("ticket %d: %w", tk.ID, ErrTicketClosed)
	}
	if err = s.verifyOrigin(ctx, tk, req); err != nil {
		return nil, err
	}

	if err = s.Store.DeactivateUserTicket(ctx, tx, req.UserID, tk.ID); err != nil {
		return nil, err
	}

	if !req.Accepted {
		tk.Status = ticket.StatusRejected
		tk.Touch()
		if err = s.Store.DeactivateAll(ctx, tx, tk.ID); err != nil {
			return nil, err
		}
		if err = ops.PublishLog(pub, ops.KindRejection, "ticket rejected",
			"ticket", tk.ID, "user", req.UserID, "node", req.Node); err != nil {
			return nil, fmt.Errorf("%w: %s", ticket.ErrFailedToLog, err)
		}
		if err = s.Store.UpdateTicket(ctx, tx, tk, false); err != nil {
			return nil, err
		}
		if err = tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing rejection of ticket %d: %w", tk.ID, err)
		}
		updatedCounter.WithLabelValues("rejected").Inc()
		return tk, nil
	}

	var prior = statePayload(tk.State)
	tk.State = tk.State.Overlay(req.Data)

	res, err := s.Engine.Advance(ctx, tk, req.Node, statePayload(req.Data), pub)
	if err != nil {
		logAdvanceError(pub, tk, err)
		return nil, err
	}
	if err = s.persistActions(ctx, tx, tk, res, pub); err != nil {
		return nil, err
	}

	// Skip the state write when the overlay was structurally a no-op.
	var writeState = !jsonpatch.Equal(prior, statePayload(tk.State))
	if err = s.Store.UpdateTicket(ctx, tx, tk, writeState); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing update of ticket %d: %w", tk.ID, err)
	}

	updatedCounter.WithLabelValues("accepted").Inc()
	s.postCommit(pub, res)
	return tk, nil
}

// verifyOrigin requires a valid fabric token when the originating node is a
// BlockingTask: those arrivals come from the callback fabric, and their
// payloads are trusted exactly as user payloads only when the fabric
// authenticates them.
func (s *Service) verifyOrigin(ctx context.Context, tk *ticket.Ticket, req UpdateRequest) error {
	var graph, release, err = s.Engine.Catalog.OpenGraph(ctx, tk.ProcessID)
	if err != nil {
		return fmt.Errorf("%w: process %q: %s", ticket.ErrProcessData, tk.ProcessID, err)
	}
	defer release()

	if req.Node < 0 || req.Node >= len(graph.Steps) {
		return nil // The engine rejects out-of-range origins.
	}
	if graph.Steps[req.Node].Event != process.EventBlockingTask {
		return nil
	}
	if err = s.Dispatcher.VerifyToken(req.FabricToken); err != nil {
		return fmt.Errorf("%w: %s", ErrFabricToken, err)
	}
	return nil
}

// persistActions materializes the advancement's UserActions, in order,
// within the enclosing transaction.
func (s *Service) persistActions(ctx context.Context, tx pgx.Tx, tk *ticket.Ticket, res *ticket.Result, pub ops.Publisher) error {
	for _, action := range res.Actions {
		actionCounter.WithLabelValues(string(action.Kind)).Inc()

		switch action.Kind {
		case ticket.ActionApproveRequest:
			var userID, err = s.Store.ResolveUserID(ctx, tx, action.Target)
			if err != nil {
				return err
			}
			if err = s.Store.InsertActive(ctx, tx, userID, tk.ID, action.Node, ticket.ActiveApprove); err != nil {
				return err
			}
			if err = ops.PublishLog(pub, ops.KindRequest, "approval requested",
				"ticket", tk.ID, "node", action.Node, "user", userID); err != nil {
				return fmt.Errorf("%w: %s", ticket.ErrFailedToLog, err)
			}

		case ticket.ActionNotify:
			var userID, err = s.Store.ResolveUserID(ctx, tx, action.Target)
			if err != nil {
				return err
			}
			ownerName, err := s.Store.UserName(ctx, tx, tk.OwnerID)
			if err != nil {
				return err
			}
			var message = fmt.Sprintf("Ticket created by %s. Process Id: %s", ownerName, tk.ProcessID)
			if err = s.Store.InsertNotification(ctx, tx, userID, message); err != nil {
				return err
			}
			if err = ops.PublishLog(pub, ops.KindNotificationSuccess, "notification staged for delivery",
				"ticket", tk.ID, "node", action.Node, "user", userID); err != nil {
				return fmt.Errorf("%w: %s", ticket.ErrFailedToLog, err)
			}

		case ticket.ActionCompletion:
			// Always the final action: completion requires every other
			// node done first.
			if err := s.Store.DeactivateAll(ctx, tx, tk.ID); err != nil {
				return err
			}
			tk.Status = ticket.StatusClosed
			if err := ops.PublishLog(pub, ops.KindCompletion, "ticket completed",
				"ticket", tk.ID); err != nil {
				return fmt.Errorf("%w: %s", ticket.ErrFailedToLog, err)
			}
		}
	}

	// An Initiate node without successors closes without a Completion action.
	if res.Closed && tk.Status == ticket.StatusOpen {
		if err := s.Store.DeactivateAll(ctx, tx, tk.ID); err != nil {
			return err
		}
		tk.Status = ticket.StatusClosed
	}
	return nil
}

// postCommit forwards buffered dispatches to the fabric and pings the
// notifier, strictly after the transaction has committed. Ping failure is
// logged and swallowed: the notifier drains pending notifications on its
// next successful ping.
func (s *Service) postCommit(pub ops.Publisher, res *ticket.Result) {
	for _, d := range res.Dispatches {
		s.Dispatcher.Enqueue(d)
	}

	go func() {
		if err := s.Notifier.Ping(context.Background(), notifier.KindCollectNew, nil); err != nil {
			pingCounter.WithLabelValues("failed").Inc()
			_ = ops.PublishLog(pub, ops.KindFailedToPing, "failed to ping notifier", "error", err)
		} else {
			pingCounter.WithLabelValues("ok").Inc()
		}
	}()
}

// UserTickets is the GET /ticket listing.
type UserTickets struct {
	Current []store.Assignment  `json:"current"`
	Own     []store.OwnedTicket `json:"own"`
}

// ListForUser reads the user's active assignments and owned tickets.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) (*UserTickets, error) {
	var current, err = s.Store.ListAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	own, err := s.Store.ListOwned(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserTickets{Current: current, Own: own}, nil
}

// CreateRole defines a new role.
func (s *Service) CreateRole(ctx context.Context, role string) error {
	return s.Store.InsertRole(ctx, role)
}

// Roles lists defined roles.
func (s *Service) Roles(ctx context.Context) ([]string, error) {
	return s.Store.Roles(ctx)
}

func statePayload(state ticket.State) json.RawMessage {
	if len(state) == 0 {
		return json.RawMessage(`{}`)
	}
	var raw, err = json.Marshal(state)
	if err != nil {
		panic(err) // State values are raw JSON already.
	}
	return raw
}

func logAdvanceError(pub ops.Publisher, tk *ticket.Ticket, err error) {
	_ = ops.PublishLog(pub, ops.KindError, "ticket advancement failed",
		"ticket", tk.ID, "process", tk.ProcessID, "error", err)
}
