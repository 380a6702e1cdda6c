package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// fetcher reads raw process definitions from a catalog source.
type fetcher interface {
	// fetch the definition of `processID`, or ErrNotFound.
	fetch(ctx context.Context, processID string) ([]byte, error)
	// list every defined process id.
	list(ctx context.Context) ([]string, error)
	close() error
}

func newFetcher(source string) (fetcher, error) {
	var u, err = url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog source %q: %w", source, err)
	}

	switch u.Scheme {
	case "file":
		return &fileFetcher{dir: u.Path}, nil
	case "gs":
		return &gsFetcher{bucket: u.Host, prefix: strings.TrimPrefix(u.Path, "/")}, nil
	case "sqlite":
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", u.Path))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite catalog: %w", err)
		}
		return &sqliteFetcher{db: db}, nil
	case "etcd":
		etcd, err := clientv3.New(clientv3.Config{Endpoints: []string{u.Host}})
		if err != nil {
			return nil, fmt.Errorf("building etcd client: %w", err)
		}
		return &etcdFetcher{etcd: etcd, prefix: u.Path + "/"}, nil
	default:
		return nil, fmt.Errorf("unsupported catalog source scheme: %s", u.Scheme)
	}
}

// fileFetcher reads <dir>/<processID>.json.
type fileFetcher struct {
	dir string
}

func (f *fileFetcher) fetch(_ context.Context, processID string) ([]byte, error) {
	var spec, err = os.ReadFile(filepath.Join(f.dir, processID+".json"))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return spec, err
}

func (f *fileFetcher) list(context.Context) ([]string, error) {
	var matches, err = filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	return out, nil
}

func (f *fileFetcher) close() error { return nil }

// gsFetcher reads gs://<bucket>/<prefix><processID>.json.
type gsFetcher struct {
	bucket string
	prefix string

	client *storage.Client // Initialized on first use.
	mu     sync.Mutex
}

func (f *gsFetcher) init(ctx context.Context) (err error) {
	// Building the client will fail if application default credentials
	// aren't located.
	f.mu.Lock()
	if f.client == nil {
		f.client, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
	}
	f.mu.Unlock()
	return err
}

func (f *gsFetcher) fetch(ctx context.Context, processID string) ([]byte, error) {
	if err := f.init(ctx); err != nil {
		return nil, fmt.Errorf("building google storage client: %w", err)
	}
	var r, err = f.client.Bucket(f.bucket).Object(f.prefix + processID + ".json").NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

func (f *gsFetcher) list(ctx context.Context) ([]string, error) {
	if err := f.init(ctx); err != nil {
		return nil, fmt.Errorf("building google storage client: %w", err)
	}
	var out []string
	var it = f.client.Bucket(f.bucket).Objects(ctx, &storage.Query{Prefix: f.prefix})
	for {
		var attrs, err = it.Next()
		if err == iterator.Done {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		var name = strings.TrimPrefix(attrs.Name, f.prefix)
		if strings.HasSuffix(name, ".json") {
			out = append(out, strings.TrimSuffix(name, ".json"))
		}
	}
}

func (f *gsFetcher) close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// sqliteFetcher reads from a processes(name, spec) table.
type sqliteFetcher struct {
	db *sql.DB
}

func (f *sqliteFetcher) fetch(ctx context.Context, processID string) ([]byte, error) {
	var spec []byte
	var err = f.db.QueryRowContext(ctx,
		"SELECT spec FROM processes WHERE name = ?", processID).Scan(&spec)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return spec, err
}

func (f *sqliteFetcher) list(ctx context.Context) ([]string, error) {
	var rows, err = f.db.QueryContext(ctx, "SELECT name FROM processes ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (f *sqliteFetcher) close() error { return f.db.Close() }

// etcdFetcher reads keys under a configured prefix.
type etcdFetcher struct {
	etcd   *clientv3.Client
	prefix string
}

func (f *etcdFetcher) fetch(ctx context.Context, processID string) ([]byte, error) {
	var resp, err = f.etcd.Get(ctx, f.prefix+processID)
	if err != nil {
		return nil, fmt.Errorf("fetching etcd key %q: %w", f.prefix+processID, err)
	} else if resp.Count != 1 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (f *etcdFetcher) list(ctx context.Context) ([]string, error) {
	var resp, err = f.etcd.Get(ctx, f.prefix,
		clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("listing etcd prefix %q: %w", f.prefix, err)
	}
	var out []string
	for _, kv := range resp.Kvs {
		out = append(out, strings.TrimPrefix(string(kv.Key), f.prefix))
	}
	return out, nil
}

func (f *etcdFetcher) close() error { return f.etcd.Close() }
