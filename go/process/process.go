// Package process defines the static process-graph model: ordered steps,
// their firing events, and the prerequisite edges between them. Graphs are
// loaded by the catalog, validated once, and thereafter treated as immutable.
package process

import (
	"encoding/json"
	"fmt"
)

// Event is the firing behavior of a single step.
type Event string

const (
	// EventInitiate fires when the owner creates a ticket. Always node 0.
	EventInitiate Event = "initiate"
	// EventApprove stages an approval request and fires when the target
	// user accepts it.
	EventApprove Event = "approve"
	// EventNotify stages a notification for the target user and completes
	// immediately.
	EventNotify Event = "notify"
	// EventNonBlockingTask dispatches its callbacks and completes without
	// waiting for them.
	EventNonBlockingTask Event = "non_blocking_task"
	// EventBlockingTask dispatches its callbacks and completes only when
	// the callback fabric re-enters with the task result.
	EventBlockingTask Event = "blocking_task"
	// EventComplete closes the ticket once every prior node is done.
	EventComplete Event = "complete"
)

// AllEvents is the process-wide immutable event table.
// It's built exactly once; never rebuild name lookups per call.
var AllEvents = []Event{
	EventInitiate,
	EventApprove,
	EventNotify,
	EventNonBlockingTask,
	EventBlockingTask,
	EventComplete,
}

var eventsByName = func() map[string]Event {
	var m = make(map[string]Event, len(AllEvents))
	for _, e := range AllEvents {
		m[string(e)] = e
	}
	return m
}()

// ParseEvent maps a wire name to its Event.
func ParseEvent(s string) (Event, error) {
	if e, ok := eventsByName[s]; ok {
		return e, nil
	}
	return "", fmt.Errorf("unknown step event %q", s)
}

func (e Event) Validate() error {
	var _, err = ParseEvent(string(e))
	return err
}

// Step is one node of a process graph. Its index within Graph.Steps is the
// node id, and is stable for the life of the process definition.
type Step struct {
	Event Event `json:"event"`
	// Required lists node indices which must be complete before this
	// step may auto-fire.
	Required []int `json:"required,omitempty"`
	// Next lists direct successor node indices, in firing order.
	Next []int `json:"next,omitempty"`
	// Args are positional step arguments. For Approve and Notify steps,
	// Args[0] is the target username.
	Args []string `json:"args,omitempty"`
	// Callbacks names external tasks which the callback fabric runs when
	// this step fires.
	Callbacks []string `json:"callbacks,omitempty"`
}

func (s *Step) Validate() error {
	if err := s.Event.Validate(); err != nil {
		return err
	}
	switch s.Event {
	case EventApprove, EventNotify:
		if len(s.Args) == 0 {
			return fmt.Errorf("%s step requires a target username as args[0]", s.Event)
		}
	case EventComplete:
		if len(s.Next) != 0 {
			return fmt.Errorf("complete step must be terminal (has successors %v)", s.Next)
		}
	}
	return nil
}

// Target returns the target username of an Approve or Notify step.
func (s *Step) Target() string {
	if len(s.Args) != 0 {
		return s.Args[0]
	}
	return ""
}

// Graph is an immutable process definition. Steps are ordered; the slice
// index is the node id referenced by Required and Next edges.
type Graph struct {
	Steps []Step `json:"steps"`
}

// Validate checks the structural invariants of the graph:
// all edges reference valid indices, exactly one Initiate step at index 0,
// at least one terminal Complete step, and no cycle among Required edges.
func (g *Graph) Validate() error {
	if len(g.Steps) == 0 {
		return fmt.Errorf("process has no steps")
	}

	var initiates, completes int
	for i := range g.Steps {
		var step = &g.Steps[i]

		if err := step.Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		switch step.Event {
		case EventInitiate:
			if i != 0 {
				return fmt.Errorf("steps[%d]: initiate step must be node 0", i)
			}
			initiates++
		case EventComplete:
			completes++
		}

		for _, n := range step.Next {
			if n < 0 || n >= len(g.Steps) {
				return fmt.Errorf("steps[%d]: next index %d out of range", i, n)
			}
		}
		for _, r := range step.Required {
			if r < 0 || r >= len(g.Steps) {
				return fmt.Errorf("steps[%d]: required index %d out of range", i, r)
			}
		}
	}
	if initiates != 1 {
		return fmt.Errorf("process must have exactly one initiate step (found %d)", initiates)
	}
	if completes == 0 {
		return fmt.Errorf("process must have at least one complete step")
	}
	if cycle := g.requiredCycle(); cycle != -1 {
		return fmt.Errorf("steps[%d]: requirement cycle", cycle)
	}
	return nil
}

// requiredCycle walks "required -> dependent" edges and returns the index of
// a step participating in a cycle, or -1 if the graph is acyclic.
func (g *Graph) requiredCycle() int {
	const (
		white = iota // unvisited
		grey         // on the current walk
		black        // proven acyclic
	)
	var color = make([]int, len(g.Steps))

	var visit func(int) bool
	visit = func(i int) bool {
		color[i] = grey
		for _, r := range g.Steps[i].Required {
			switch color[r] {
			case grey:
				return true
			case white:
				if visit(r) {
					return true
				}
			}
		}
		color[i] = black
		return false
	}

	for i := range g.Steps {
		if color[i] == white && visit(i) {
			return i
		}
	}
	return -1
}

// ParseGraph decodes and validates a JSON process definition.
func ParseGraph(data []byte) (*Graph, error) {
	var g = new(Graph)
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("decoding process definition: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
