// Package catalog resolves process ids into validated, immutable process
// graphs. Graphs are fetched from a configured source (a file tree, GCS
// bucket, sqlite database, or Etcd prefix), validated once, and then shared
// process-wide behind reference-counted handles: the step vector is never
// copied per node visit.
package catalog

import (
	"context"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"

	"github.com/minio/highwayhash"
	"github.com/trellis-hq/trellis/go/ops"
	"github.com/trellis-hq/trellis/go/process"
)

// ErrNotFound is returned when the source has no definition for a process id.
var ErrNotFound = fmt.Errorf("process not found")

// Catalog manages active shared graphs over a fetcher source.
type Catalog struct {
	fetcher fetcher
	shared  map[string]*sharedGraph
	mu      sync.Mutex
}

// SharedGraph is a lightweight reference to a shared process graph.
type SharedGraph struct {
	*sharedGraph
}

type sharedGraph struct {
	cat        *Catalog
	processID  string
	references int

	graph       *process.Graph
	fingerprint string
	err         error
	once        sync.Once
}

// NewCatalog returns a Catalog reading process definitions from `source`,
// which must be a URL of scheme file://, gs://, sqlite:// or etcd://.
func NewCatalog(source string) (*Catalog, error) {
	var f, err = newFetcher(source)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		fetcher: f,
		shared:  make(map[string]*sharedGraph),
	}, nil
}

// Open an identified process graph.
// The returned *SharedGraph must be Closed when it's no longer needed.
// It will panic on garbage collection if Close has not been called.
func (c *Catalog) Open(processID string) *SharedGraph {
	// Fetch or create a sharedGraph to back this |processID|.
	c.mu.Lock()
	var shared, ok = c.shared[processID]
	if ok {
		shared.references++
	} else {
		shared = &sharedGraph{
			cat:        c,
			processID:  processID,
			references: 1,
		}
		c.shared[processID] = shared
	}
	c.mu.Unlock()

	var out = &SharedGraph{sharedGraph: shared}

	// Catch resource leaks by panic-ing if a *SharedGraph is
	// garbage collected without having first been closed.
	// (note Close clears the finalizer we set here).
	var _, file, line, _ = runtime.Caller(1)
	runtime.SetFinalizer(out, func(g *SharedGraph) {
		panic(fmt.Sprintf("garbage-collected SharedGraph was not closed (%s:%d)", file, line))
	})

	return out
}

// ProcessID returns the process id of this SharedGraph.
func (g *SharedGraph) ProcessID() string { return g.processID }

// Graph resolves the shared, validated process graph.
// The fetch and validation run once per active share.
func (g *SharedGraph) Graph(ctx context.Context) (*process.Graph, error) {
	g.once.Do(func() { g.init(ctx) })
	return g.graph, g.err
}

// Fingerprint is a stable hash of the fetched process definition, for
// logging and change detection. It's empty until Graph has resolved.
func (g *SharedGraph) Fingerprint() string { return g.fingerprint }

func (g *sharedGraph) init(ctx context.Context) {
	var spec, err = g.cat.fetcher.fetch(ctx, g.processID)
	if err != nil {
		g.err = fmt.Errorf("fetching process %q: %w", g.processID, err)
		return
	}
	g.fingerprint = fingerprint(spec)

	if g.graph, err = process.ParseGraph(spec); err != nil {
		g.err = fmt.Errorf("process %q: %w", g.processID, err)
		return
	}

	_ = ops.PublishLog(ops.NewAdminPublisher(), ops.KindInfo, "loaded process graph",
		"process", g.processID,
		"steps", len(g.graph.Steps),
		"fingerprint", g.fingerprint,
	)
}

// Close the SharedGraph. When the last remaining reference closes, the
// graph is dropped from the Catalog and a future Open re-fetches it.
func (g *SharedGraph) Close() error {
	if g.sharedGraph == nil {
		return nil
	}
	var shared = g.sharedGraph
	g.sharedGraph = nil

	shared.cat.mu.Lock()
	shared.references--
	if shared.references == 0 {
		delete(shared.cat.shared, shared.processID)
	}
	shared.cat.mu.Unlock()

	runtime.SetFinalizer(g, nil) // Clear finalizer.
	return nil
}

// OpenGraph opens, resolves and returns the identified graph along with its
// release function, implementing the engine's Catalog interface.
func (c *Catalog) OpenGraph(ctx context.Context, processID string) (*process.Graph, func(), error) {
	var shared = c.Open(processID)
	var graph, err = shared.Graph(ctx)
	if err != nil {
		_ = shared.Close()
		return nil, nil, err
	}
	return graph, func() { _ = shared.Close() }, nil
}

// List enumerates every process id the source defines.
func (c *Catalog) List(ctx context.Context) ([]string, error) {
	return c.fetcher.list(ctx)
}

// Close releases the source. Any open SharedGraphs remain usable.
func (c *Catalog) Close() error {
	return c.fetcher.close()
}

// fingerprintKey keys the highwayhash of process definitions.
// It's fixed: fingerprints must be stable across processes and restarts.
var fingerprintKey = []byte("trellis.process.fingerprint.v1\x00\x00")

func fingerprint(spec []byte) string {
	var h, err = highwayhash.New64(fingerprintKey)
	if err != nil {
		panic(err) // Key is exactly 32 bytes.
	}
	_, _ = h.Write(spec)
	return hex.EncodeToString(h.Sum(nil))
}
