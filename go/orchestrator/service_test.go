package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/trellis-hq/trellis/go/catalog"
	"github.com/trellis-hq/trellis/go/notifier"
	"github.com/trellis-hq/trellis/go/store"
	"github.com/trellis-hq/trellis/go/ticket"
)

// fakeDispatcher records Enqueued dispatches and scripts verification.
type fakeDispatcher struct {
	enqueued  []ticket.Dispatch
	verifyErr error
}

func (d *fakeDispatcher) Enqueue(dp ticket.Dispatch) { d.enqueued = append(d.enqueued, dp) }
func (d *fakeDispatcher) VerifyToken(string) error   { return d.verifyErr }

// fakeNotifier records pings.
type fakeNotifier struct {
	pings chan notifier.Kind
}

func (n *fakeNotifier) Ping(_ context.Context, kind notifier.Kind, _ json.RawMessage) error {
	n.pings <- kind
	return nil
}

// testService builds a Service over TEST_DATABASE_URL, or skips.
// The Engine is nil until the test installs its catalog.
func testService(t *testing.T) (*Service, *fakeDispatcher, *fakeNotifier) {
	t.Helper()
	var url = os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	var ctx = context.Background()

	st, err := store.NewStore(ctx, url)
	require.NoError(t, err)
	require.NoError(t, st.ApplySchema(ctx))
	t.Cleanup(st.Close)

	var dispatcher = &fakeDispatcher{}
	var notify = &fakeNotifier{pings: make(chan notifier.Kind, 8)}
	return &Service{
		Store:      st,
		Dispatcher: dispatcher,
		Notifier:   notify,
	}, dispatcher, notify
}

// installProcess writes a process definition into a fresh file catalog and
// binds the service's engine to it.
func installProcess(t *testing.T, svc *Service, prefix, spec string) string {
	t.Helper()
	var processID = fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	var dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, processID+".json"), []byte(spec), 0o600))

	var cat, err = catalog.NewCatalog("file://" + dir)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	svc.Engine = &ticket.Engine{Catalog: cat}
	return processID
}

func serviceUser(t *testing.T, s *Service, prefix string) (uuid.UUID, string) {
	t.Helper()
	var ctx = context.Background()
	var username = fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())

	var tx, err = s.Store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (userid, username) VALUES ($1, $2)`, uuid.New(), username)
	require.NoError(t, err)

	id, err := s.Store.ResolveUserID(ctx, tx, username)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return id, username
}

func awaitPing(t *testing.T, n *fakeNotifier) {
	t.Helper()
	select {
	case kind := <-n.pings:
		require.Equal(t, notifier.KindCollectNew, kind)
	case <-time.After(5 * time.Second):
		t.Fatal("notifier was not pinged")
	}
}

func TestCreateUpdateCompleteFlow(t *testing.T) {
	var svc, dispatcher, notify = testService(t)
	var ctx = context.Background()

	var approverID, approver = serviceUser(t, svc, "approver")
	var ownerID, _ = serviceUser(t, svc, "owner")

	// A three node process: initiate, approve by our approver, complete.
	var processID = installProcess(t, svc, "approval", fmt.Sprintf(`{"steps": [
		{"event": "initiate", "next": [1]},
		{"event": "approve", "args": [%q], "next": [2]},
		{"event": "complete"}
	]}`, approver))

	tk, err := svc.Create(ctx, CreateRequest{
		ProcessID: processID,
		OwnerID:   ownerID,
		Data:      ticket.State{"amount": json.RawMessage(`250`)},
	})
	require.NoError(t, err)
	require.NotZero(t, tk.ID)
	require.Equal(t, ticket.StatusOpen, tk.Status)
	require.Equal(t, []int{0}, tk.Complete.Indices())
	awaitPing(t, notify)

	// The approver sees the staged assignment.
	listing, err := svc.ListForUser(ctx, approverID)
	require.NoError(t, err)
	var found bool
	for _, a := range listing.Current {
		if a.TicketID == tk.ID {
			require.Equal(t, ticket.ActiveApprove, a.Kind)
			require.Equal(t, 1, a.Node)
			found = true
		}
	}
	require.True(t, found)

	// The approver accepts; the ticket runs through to completion.
	updated, err := svc.Update(ctx, UpdateRequest{
		TicketID: tk.ID,
		UserID:   approverID,
		Accepted: true,
		Node:     1,
		Data:     ticket.State{"po_number": json.RawMessage(`"PO-77"`)},
	})
	require.NoError(t, err)
	require.Equal(t, ticket.StatusClosed, updated.Status)
	require.Equal(t, []int{0, 1}, updated.Complete.Indices())
	awaitPing(t, notify)

	// Completion retired the approver's assignment.
	listing, err = svc.ListForUser(ctx, approverID)
	require.NoError(t, err)
	for _, a := range listing.Current {
		require.NotEqual(t, tk.ID, a.TicketID)
	}

	// A further update of the closed ticket is forbidden.
	_, err = svc.Update(ctx, UpdateRequest{
		TicketID: tk.ID, UserID: approverID, Accepted: true, Node: 1})
	require.ErrorIs(t, err, ErrTicketClosed)

	require.Empty(t, dispatcher.enqueued)
}

func TestRejectionRetiresWithoutAdvancement(t *testing.T) {
	var svc, _, notify = testService(t)
	var ctx = context.Background()

	var approverID, approver = serviceUser(t, svc, "approver")
	var ownerID, _ = serviceUser(t, svc, "owner")

	var processID = installProcess(t, svc, "rejection", fmt.Sprintf(`{"steps": [
		{"event": "initiate", "next": [1]},
		{"event": "approve", "args": [%q], "next": [2]},
		{"event": "complete"}
	]}`, approver))

	tk, err := svc.Create(ctx, CreateRequest{ProcessID: processID, OwnerID: ownerID})
	require.NoError(t, err)
	awaitPing(t, notify)

	rejected, err := svc.Update(ctx, UpdateRequest{
		TicketID: tk.ID, UserID: approverID, Accepted: false, Node: 1})
	require.NoError(t, err)
	require.Equal(t, ticket.StatusRejected, rejected.Status)
	// The rejected node's bit is never set.
	require.Equal(t, []int{0}, rejected.Complete.Indices())

	// All assignments are retired.
	listing, err := svc.ListForUser(ctx, approverID)
	require.NoError(t, err)
	for _, a := range listing.Current {
		require.NotEqual(t, tk.ID, a.TicketID)
	}
}

func TestDispatchesAreForwardedAfterCommit(t *testing.T) {
	var svc, dispatcher, notify = testService(t)
	var ctx = context.Background()

	var ownerID, _ = serviceUser(t, svc, "owner")

	var processID = installProcess(t, svc, "tasks", `{"steps": [
		{"event": "initiate", "callbacks": ["provision"], "next": [1]},
		{"event": "non_blocking_task", "callbacks": ["archive"], "next": [2]},
		{"event": "complete"}
	]}`)

	tk, err := svc.Create(ctx, CreateRequest{ProcessID: processID, OwnerID: ownerID})
	require.NoError(t, err)
	require.Equal(t, ticket.StatusClosed, tk.Status)
	awaitPing(t, notify)

	require.Len(t, dispatcher.enqueued, 2)
	require.Equal(t, []string{"provision"}, dispatcher.enqueued[0].Callbacks)
	require.Equal(t, []string{"archive"}, dispatcher.enqueued[1].Callbacks)
}
