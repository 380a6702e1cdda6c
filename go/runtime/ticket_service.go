// Package runtime wires the ticket service: catalog, store, engine,
// fabric dispatcher, notifier client and HTTP APIs, bound to one server
// and task group.
package runtime

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/trellis-hq/trellis/go/catalog"
	"github.com/trellis-hq/trellis/go/fabric"
	"github.com/trellis-hq/trellis/go/notifier"
	"github.com/trellis-hq/trellis/go/orchestrator"
	"github.com/trellis-hq/trellis/go/store"
	"github.com/trellis-hq/trellis/go/ticket"
)

// TicketServiceConfig configures the ticket-server application.
type TicketServiceConfig struct {
	Ticket struct {
		mbp.ServiceConfig
		Catalog string `long:"catalog" required:"true" description:"Process catalog URL (file://, gs://, sqlite:// or etcd://)"`
	} `group:"Ticket" namespace:"ticket" env-namespace:"TICKET"`

	Store    store.Config    `group:"Store" namespace:"store" env-namespace:"STORE"`
	Fabric   fabric.Config   `group:"Fabric" namespace:"fabric" env-namespace:"FABRIC"`
	Notifier notifier.Config `group:"Notifier" namespace:"notifier" env-namespace:"NOTIFIER"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// TicketServiceArgs assembles the dependencies of a ticket service.
type TicketServiceArgs struct {
	// Catalog of process definitions served by the engine.
	Catalog *catalog.Catalog
	// Store over the ticket database.
	Store *store.Store
	// Server is the HTTP server. Applications may register APIs they
	// implement against the Server mux.
	Server *server.Server
	// Tasks are independent, cancelable goroutines having the lifetime of
	// the service, such as service loops and the like. Applications may
	// add additional tasks which should be started with the service.
	Tasks *task.Group
}

// StartTicketService initializes the orchestrator and wires up all API
// handlers and service loops.
func StartTicketService(cfg *TicketServiceConfig, args TicketServiceArgs) (*orchestrator.Service, error) {
	processes, err := args.Catalog.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("listing catalog processes: %w", err)
	}
	for _, id := range processes {
		log.WithField("process", id).Info("serving process")
	}

	dispatcher, err := fabric.NewDispatcher(cfg.Fabric)
	if err != nil {
		return nil, fmt.Errorf("building fabric dispatcher: %w", err)
	}
	dispatcher.QueueTasks(args.Tasks)

	var svc = &orchestrator.Service{
		Store:      args.Store,
		Engine:     &ticket.Engine{Catalog: args.Catalog},
		Dispatcher: dispatcher,
		Notifier:   notifier.NewClient(cfg.Notifier),
	}
	orchestrator.RegisterAPIs(args.Server, svc)

	return svc, nil
}
