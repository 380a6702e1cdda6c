package ticket

import (
	"encoding/json"
	"fmt"

	"github.com/trellis-hq/trellis/go/ops"
	"github.com/trellis-hq/trellis/go/process"
)

// fireFromUser fires `node` as the origin of a user-submitted event: the
// synthetic node 0 at ticket creation, an approval, or a blocking-task
// result re-entering from the callback fabric. It returns the indices of
// successors which became completable, in successor order.
func fireFromUser(t *Ticket, g *process.Graph, node int, payload json.RawMessage, pub ops.Publisher, res *Result) ([]int, error) {
	if node < 0 || node >= len(g.Steps) {
		return nil, fmt.Errorf("%w: node %d is not part of process %q", ErrInvalidTicket, node, t.ProcessID)
	}
	var step = &g.Steps[node]

	switch step.Event {
	case process.EventInitiate:
		t.Complete = t.Complete.Set(node)
		t.Touch()
		if len(step.Next) == 0 {
			res.Closed = true
		}
		if err := ops.PublishLog(pub, ops.KindInfo, "ticket initiated",
			"ticket", t.ID, "node", node); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFailedToLog, err)
		}

	case process.EventApprove:
		t.Complete = t.Complete.Set(node)
		t.Touch()
		if err := ops.PublishLog(pub, ops.KindApproval, "node approved",
			"ticket", t.ID, "node", node); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFailedToLog, err)
		}

	case process.EventBlockingTask:
		t.Complete = t.Complete.Set(node)
		t.Touch()
		if err := ops.PublishLog(pub, ops.KindApproval, "blocking task completed by callback fabric",
			"ticket", t.ID, "node", node); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFailedToLog, err)
		}

	default:
		// Notify, NonBlockingTask and Complete steps never fire from a
		// user-submitted event.
		return nil, fmt.Errorf("%w: %s node %d", ErrInvalidTicket, step.Event, node)
	}

	// A BlockingTask arrival was triggered by the callback fabric, so its
	// callbacks already ran. Everything else dispatches with the payload.
	if step.Event != process.EventBlockingTask && len(step.Callbacks) != 0 {
		res.Dispatches = append(res.Dispatches, Dispatch{
			TicketID:  t.ID,
			Node:      node,
			Payload:   payload,
			Callbacks: step.Callbacks,
		})
	}
	return completableSuccessors(t, g, step), nil
}

// fireAuto fires `node` because its prerequisites became satisfied during
// the current advancement.
func fireAuto(t *Ticket, g *process.Graph, node int, pub ops.Publisher, res *Result) ([]int, error) {
	var step = &g.Steps[node]

	switch step.Event {
	case process.EventInitiate:
		return nil, fmt.Errorf("%w: node %d", ErrInvalidEvent, node)

	case process.EventApprove:
		// The bit is set only when the target user approves, re-entering
		// through fireFromUser. Callbacks do not dispatch for approvals.
		res.Actions = append(res.Actions, UserAction{
			Kind:     ActionApproveRequest,
			TicketID: t.ID,
			Node:     node,
			Target:   step.Target(),
		})

	case process.EventNotify:
		t.Complete = t.Complete.Set(node)
		if err := ops.PublishLog(pub, ops.KindInfo, "notification staged",
			"ticket", t.ID, "node", node, "target", step.Target()); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFailedToLog, err)
		}
		res.Actions = append(res.Actions, UserAction{
			Kind:     ActionNotify,
			TicketID: t.ID,
			Node:     node,
			Target:   step.Target(),
		})

	case process.EventNonBlockingTask:
		t.Complete = t.Complete.Set(node)
		t.Touch()

	case process.EventBlockingTask:
		// The bit stays unset until the callback fabric re-enters with the
		// task result via fireFromUser.
		t.Touch()

	case process.EventComplete:
		t.Touch()
		res.Actions = append(res.Actions, UserAction{
			Kind:     ActionCompletion,
			TicketID: t.ID,
			Node:     node,
		})
		// Complete is terminal: no dispatch, no successor scan.
		return nil, nil
	}

	if step.Event != process.EventApprove && len(step.Callbacks) != 0 {
		res.Dispatches = append(res.Dispatches, Dispatch{
			TicketID:  t.ID,
			Node:      node,
			Callbacks: step.Callbacks,
		})
	}
	return completableSuccessors(t, g, step), nil
}

// completableSuccessors enumerates the successors of `step` which the
// current completion mask satisfies, in the order `next` lists them.
// A Complete successor at index s fires only when every node before it is
// done; any other successor fires when its declared requirements are met.
func completableSuccessors(t *Ticket, g *process.Graph, step *process.Step) []int {
	var out []int
	for _, s := range step.Next {
		var succ = &g.Steps[s]
		if succ.Event == process.EventComplete {
			if t.Complete.AllBelow(s) {
				out = append(out, s)
			}
		} else if t.Complete.AllRequired(succ.Required) {
			out = append(out, s)
		}
	}
	return out
}
