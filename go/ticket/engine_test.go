package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/trellis-hq/trellis/go/ops"
	"github.com/trellis-hq/trellis/go/process"
)

// graphFixtures is an in-memory Catalog over static test graphs.
type graphFixtures map[string]*process.Graph

func (f graphFixtures) OpenGraph(_ context.Context, id string) (*process.Graph, func(), error) {
	if g, ok := f[id]; ok {
		return g, func() {}, nil
	}
	return nil, nil, fmt.Errorf("process %q not found", id)
}

var testCatalog = graphFixtures{
	// Initiate directly into Complete.
	"initiate_test": {Steps: []process.Step{
		{Event: process.EventInitiate, Next: []int{1}},
		{Event: process.EventComplete},
	}},
	// Initiate, a single approval, then Complete.
	"approve_test": {Steps: []process.Step{
		{Event: process.EventInitiate, Next: []int{1}},
		{Event: process.EventApprove, Args: []string{"erp_admin"}, Required: []int{0}, Next: []int{2}},
		{Event: process.EventComplete},
	}},
	// Two parallel approvals joined by a final approval, then Complete.
	"simple_branch_test": {Steps: []process.Step{
		{Event: process.EventInitiate, Next: []int{1, 2}},
		{Event: process.EventApprove, Args: []string{"erp_admin"}, Required: []int{0}, Next: []int{3}},
		{Event: process.EventApprove, Args: []string{"erp_admin"}, Required: []int{0}, Next: []int{3}},
		{Event: process.EventApprove, Args: []string{"erp_admin"}, Required: []int{1, 2}, Next: []int{4}},
		{Event: process.EventComplete},
	}},
	// Notify and tasks, exercising callbacks and fabric re-entry.
	"task_test": {Steps: []process.Step{
		{Event: process.EventInitiate, Next: []int{1, 2}, Callbacks: []string{"on_create"}},
		{Event: process.EventNotify, Args: []string{"erp_admin"}, Required: []int{0}, Next: []int{3}},
		{Event: process.EventNonBlockingTask, Required: []int{0}, Next: []int{3}, Callbacks: []string{"archive"}},
		{Event: process.EventBlockingTask, Required: []int{1, 2}, Next: []int{4}, Callbacks: []string{"provision"}},
		{Event: process.EventComplete},
	}},
}

func init() {
	for id, g := range testCatalog {
		if err := g.Validate(); err != nil {
			panic(fmt.Sprintf("fixture %s: %s", id, err))
		}
	}
}

func testTicket(processID string, complete uint64, width int) *Ticket {
	return &Ticket{
		ID:        42,
		OwnerID:   uuid.New(),
		ProcessID: processID,
		LogID:     uuid.New(),
		Status:    StatusOpen,
		Complete:  MaskFromUint64(complete, width),
		State:     State{},
	}
}

func advance(t *testing.T, tk *Ticket, origin int) (*Result, error) {
	t.Helper()
	var engine = &Engine{Catalog: testCatalog}
	return engine.Advance(context.Background(), tk, origin, nil, ops.NewLocalPublisher(tk.LogID))
}

func TestInitiateOnlyProcess(t *testing.T) {
	var tk = testTicket("initiate_test", 0, 2)
	var res, err = advance(t, tk, 0)
	require.NoError(t, err)

	// Only node 0's bit is set: a Complete node never sets its own bit.
	require.Equal(t, []int{0}, tk.Complete.Indices())
	require.Equal(t, []UserAction{
		{Kind: ActionCompletion, TicketID: 42, Node: 1},
	}, res.Actions)
	require.True(t, res.Closed)
}

func TestApproveThenComplete(t *testing.T) {
	var tk = testTicket("approve_test", 1, 3)
	var res, err = advance(t, tk, 1)
	require.NoError(t, err)

	require.Equal(t, []int{0, 1}, tk.Complete.Indices())
	require.Equal(t, []UserAction{
		{Kind: ActionCompletion, TicketID: 42, Node: 2},
	}, res.Actions)
	require.True(t, res.Closed)
}

func TestApproveNodeStaged(t *testing.T) {
	var tk = testTicket("approve_test", 0, 3)
	var res, err = advance(t, tk, 0)
	require.NoError(t, err)

	require.Equal(t, []int{0}, tk.Complete.Indices())
	require.Equal(t, []UserAction{
		{Kind: ActionApproveRequest, TicketID: 42, Node: 1, Target: "erp_admin"},
	}, res.Actions)
	require.False(t, res.Closed)
}

func TestBranchInitiateStagesBothApprovals(t *testing.T) {
	var tk = testTicket("simple_branch_test", 0, 5)
	var res, err = advance(t, tk, 0)
	require.NoError(t, err)

	require.Equal(t, []int{0}, tk.Complete.Indices())
	require.Equal(t, []UserAction{
		{Kind: ActionApproveRequest, TicketID: 42, Node: 1, Target: "erp_admin"},
		{Kind: ActionApproveRequest, TicketID: 42, Node: 2, Target: "erp_admin"},
	}, res.Actions)
}

func TestBranchSecondApprovalStagesJoin(t *testing.T) {
	var tk = testTicket("simple_branch_test", 0b11, 5)
	var res, err = advance(t, tk, 2)
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, 2}, tk.Complete.Indices())
	require.Equal(t, []UserAction{
		{Kind: ActionApproveRequest, TicketID: 42, Node: 3, Target: "erp_admin"},
	}, res.Actions)
}

func TestBranchJoinApprovalCompletes(t *testing.T) {
	var tk = testTicket("simple_branch_test", 0b111, 5)
	var res, err = advance(t, tk, 3)
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, 2, 3}, tk.Complete.Indices())
	require.Equal(t, []UserAction{
		{Kind: ActionCompletion, TicketID: 42, Node: 4},
	}, res.Actions)
	require.True(t, res.Closed)
}

func TestCompletionIsAlwaysLast(t *testing.T) {
	// Drive every fixture to its terminal advancement, checking that a
	// Completion action is only ever the final element.
	var cases = []struct {
		processID string
		complete  uint64
		origin    int
	}{
		{"initiate_test", 0, 0},
		{"approve_test", 1, 1},
		{"simple_branch_test", 0b111, 3},
		{"task_test", 0b111, 3},
	}
	for _, tc := range cases {
		var tk = testTicket(tc.processID, tc.complete, 8)
		var res, err = advance(t, tk, tc.origin)
		require.NoError(t, err, tc.processID)

		for i, action := range res.Actions {
			if action.Kind == ActionCompletion {
				require.Equal(t, len(res.Actions)-1, i, tc.processID)
			}
		}
		require.True(t, res.Closed, tc.processID)
	}
}

func TestUserCannotFireNonUserEvents(t *testing.T) {
	// Notify and Complete nodes are never user-fireable.
	var tk = testTicket("task_test", 1, 5)
	var _, err = advance(t, tk, 1)
	require.ErrorIs(t, err, ErrInvalidTicket)

	tk = testTicket("task_test", 0b1111, 5)
	_, err = advance(t, tk, 4)
	require.ErrorIs(t, err, ErrInvalidTicket)

	// Nor is a node outside of the graph.
	tk = testTicket("task_test", 0, 5)
	_, err = advance(t, tk, 99)
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestUnknownProcess(t *testing.T) {
	var tk = testTicket("no_such_process", 0, 1)
	var _, err = advance(t, tk, 0)
	require.ErrorIs(t, err, ErrProcessData)
}

func TestTaskDispatchAndFabricReentry(t *testing.T) {
	// Creation fires node 0, staging a Notify and auto-firing the
	// NonBlockingTask and then the BlockingTask once its requirements meet.
	var tk = testTicket("task_test", 0, 5)
	var res, err = advance(t, tk, 0)
	require.NoError(t, err)

	// Notify (node 1) and NonBlockingTask (node 2) bits are set.
	// The BlockingTask (node 3) fired its callbacks but holds its bit
	// until the fabric re-enters.
	require.Equal(t, []int{0, 1, 2}, tk.Complete.Indices())
	require.Equal(t, []UserAction{
		{Kind: ActionNotify, TicketID: 42, Node: 1, Target: "erp_admin"},
	}, res.Actions)
	require.Equal(t, []Dispatch{
		{TicketID: 42, Node: 0, Callbacks: []string{"on_create"}},
		{TicketID: 42, Node: 2, Callbacks: []string{"archive"}},
		{TicketID: 42, Node: 3, Callbacks: []string{"provision"}},
	}, res.Dispatches)
	require.False(t, res.Closed)

	// The fabric re-enters with the BlockingTask's own node as origin.
	// Its callbacks already ran and are not re-dispatched.
	var payload = json.RawMessage(`{"result":"provisioned"}`)
	var engine = &Engine{Catalog: testCatalog}
	res, err = engine.Advance(context.Background(), tk, 3, payload, ops.NewLocalPublisher(tk.LogID))
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, 2, 3}, tk.Complete.Indices())
	require.Empty(t, res.Dispatches)
	require.Equal(t, []UserAction{
		{Kind: ActionCompletion, TicketID: 42, Node: 4},
	}, res.Actions)
	require.True(t, res.Closed)
}

func TestUserPayloadDispatchesWithCallbacks(t *testing.T) {
	var payload = json.RawMessage(`{"note":"please archive"}`)
	var tk = testTicket("task_test", 0, 5)

	var engine = &Engine{Catalog: testCatalog}
	var res, err = engine.Advance(context.Background(), tk, 0, payload, ops.NewLocalPublisher(tk.LogID))
	require.NoError(t, err)

	// The originating node's dispatch carries the submitted payload.
	// Auto-fired dispatches carry none.
	require.Equal(t, payload, res.Dispatches[0].Payload)
	for _, d := range res.Dispatches[1:] {
		require.Nil(t, d.Payload)
	}
}

func TestAdvancementIsPure(t *testing.T) {
	// Two advancements over deep-copied inputs produce identical results
	// and identical final states.
	var run = func() (*Ticket, *Result) {
		var tk = testTicket("simple_branch_test", 0b11, 5)
		tk.OwnerID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
		tk.LogID = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

		var res, err = advance(t, tk, 2)
		require.NoError(t, err)
		return tk, res
	}

	var tk1, res1 = run()
	var tk2, res2 = run()

	require.Equal(t, res1, res2)
	require.Equal(t, tk1.Complete.Indices(), tk2.Complete.Indices())
	require.Equal(t, tk1.Status, tk2.Status)
	require.Equal(t, tk1.State, tk2.State)
}

func TestStatusUnchangedByEngine(t *testing.T) {
	// The engine reports closure through the Result. Status mutation is
	// the orchestrator's concern, within its transaction.
	var tk = testTicket("initiate_test", 0, 2)
	var res, err = advance(t, tk, 0)
	require.NoError(t, err)
	require.True(t, res.Closed)
	require.Equal(t, StatusOpen, tk.Status)
}
