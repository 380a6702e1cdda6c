package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	server "go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/trellis-hq/trellis/go/catalog"
	"github.com/trellis-hq/trellis/go/runtime"
	"github.com/trellis-hq/trellis/go/store"
)

const iniFilename = "trellis.ini"

// Config is the top-level configuration object of a ticket server.
var Config = new(runtime.TicketServiceConfig)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("ticket-server configuration")

	// Bind our server listener, grabbing a random available port if Port is zero.
	var srv, err = server.New("", Config.Ticket.Host, Config.Ticket.Port, nil, nil, Config.Ticket.MaxGRPCRecvSize, nil)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	cat, err := catalog.NewCatalog(Config.Ticket.Catalog)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	st, err := store.NewStore(context.Background(), Config.Store.ToURI())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var args = runtime.TicketServiceArgs{
		Catalog: cat,
		Store:   st,
		Server:  srv,
		Tasks:   task.NewGroup(context.Background()),
	}
	if _, err = runtime.StartTicketService(Config, args); err != nil {
		return fmt.Errorf("starting ticket service: %w", err)
	}
	args.Server.QueueTasks(args.Tasks)

	log.WithFields(log.Fields{
		"zone":     Config.Ticket.Zone,
		"endpoint": Config.Ticket.BuildProcessSpec(srv).Endpoint,
	}).Info("starting ticket-server")

	// Install signal handler & start service tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	args.Tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")

			args.Tasks.Cancel()
			srv.BoundedGracefulStop()
			return nil

		case <-args.Tasks.Context().Done():
			return nil
		}
	})
	args.Tasks.GoRun()

	// Block until all tasks complete.
	if err = args.Tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

type cmdCheck struct{}

// Execute validates every process definition of the catalog, printing a
// per-process verdict. It exits non-zero if any definition is invalid.
func (cmdCheck) Execute(_ []string) error {
	mbp.InitLog(Config.Log)

	var ctx = context.Background()
	var cat, err = catalog.NewCatalog(Config.Ticket.Catalog)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	processes, err := cat.List(ctx)
	if err != nil {
		return fmt.Errorf("listing catalog processes: %w", err)
	}
	if len(processes) == 0 {
		return fmt.Errorf("catalog %q defines no processes", Config.Ticket.Catalog)
	}

	var failed int
	for _, id := range processes {
		var graph, release, err = cat.OpenGraph(ctx, id)
		if err != nil {
			fmt.Printf("%s %s: %s\n", red("✗"), id, err)
			failed++
			continue
		}
		fmt.Printf("%s %s: %d steps\n", green("✔"), id, len(graph.Steps))
		release()
	}

	if failed != 0 {
		return fmt.Errorf("%d of %d processes failed validation", failed, len(processes))
	}
	return nil
}

var green = color.New(color.FgGreen).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as ticket server", `
Serve a ticket server with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	_, _ = parser.AddCommand("check", "Check catalog process definitions", `
Validate every process definition of the configured catalog and print a
per-process verdict.
`, &cmdCheck{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
