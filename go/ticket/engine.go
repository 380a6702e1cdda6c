package ticket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trellis-hq/trellis/go/ops"
	"github.com/trellis-hq/trellis/go/process"
)

// Catalog resolves a process id into its immutable graph.
// The returned release function must be called when the graph is no
// longer needed (graphs are shared behind reference-counted handles).
type Catalog interface {
	OpenGraph(ctx context.Context, processID string) (*process.Graph, func(), error)
}

// Result is the outcome of one advancement: the ordered UserActions to
// materialize, the callback Dispatches to forward after commit, and
// whether the ticket closed.
type Result struct {
	// Actions are emitted in graph-traversal order. If a Completion
	// action is present, it's the final element.
	Actions []UserAction
	// Dispatches are buffered callback emissions. The orchestrator
	// forwards them only after its transaction commits.
	Dispatches []Dispatch
	// Closed is set when the advancement closed the ticket.
	Closed bool
}

// Engine advances tickets: one call processes a single external event
// against the ticket's process graph and produces a Result.
//
// Engine is purely computational with respect to the ticket, graph, and
// trigger. It never suspends, and it mutates only the *Ticket it's given.
// Durability is the caller's concern.
type Engine struct {
	Catalog Catalog
}

// Advance fires `origin` as a user-or-fabric submitted event against the
// ticket, then repeatedly fires every node which becomes satisfied, in
// FIFO order over the successor lists. It returns the accumulated Result,
// or an error which must abort the enclosing transaction.
func (e *Engine) Advance(ctx context.Context, t *Ticket, origin int, payload json.RawMessage, pub ops.Publisher) (*Result, error) {
	var graph, release, err = e.Catalog.OpenGraph(ctx, t.ProcessID)
	if err != nil {
		return nil, fmt.Errorf("%w: process %q: %s", ErrProcessData, t.ProcessID, err)
	}
	defer release()

	t.Complete = t.Complete.Widen(len(graph.Steps))

	var res = new(Result)
	pending, err := fireFromUser(t, graph, origin, payload, pub, res)
	if err != nil {
		return nil, err
	}

	for len(pending) != 0 {
		var node = pending[0]
		pending = pending[1:]

		next, err := fireAuto(t, graph, node, pub, res)
		if err != nil {
			return nil, err
		}
		pending = append(pending, next...)
	}

	if n := len(res.Actions); n != 0 && res.Actions[n-1].Kind == ActionCompletion {
		res.Closed = true
	}
	return res, nil
}
