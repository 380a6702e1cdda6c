// Package fabric implements the client of the callback fabric: the external
// worker service which runs the callbacks configured on process steps.
// Dispatches are fire-and-forget with at-most-once delivery per emission;
// any retry policy is the fabric's own.
package fabric

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/minio/highwayhash"
	"github.com/trellis-hq/trellis/go/ops"
	"github.com/trellis-hq/trellis/go/ticket"
	"go.gazette.dev/core/task"
	"golang.org/x/net/http2"
)

// ErrCallbackExecute wraps failures to deliver a task bundle.
var ErrCallbackExecute = fmt.Errorf("failed to execute callback")

// Config is the fabric client configuration.
type Config struct {
	// URL of the callback fabric. http(s)://host URLs use a standard
	// transport; unix:///path.sock URLs use h2c over the domain socket.
	URL string `long:"url" env:"URL" default:"http://localhost:9092" description:"Callback fabric URL"`
	// Secret signs outbound task bundles and verifies blocking-task
	// re-entries. Empty disables signing and verification.
	Secret string `long:"secret" env:"SECRET" description:"Shared secret for signing task bundles (empty to disable)"`
}

// Dispatcher posts buffered task bundles to the callback fabric on a
// detached service loop, so a slow fabric never extends the duration of an
// orchestrator transaction.
type Dispatcher struct {
	cfg    Config
	target string
	client *http.Client
	queue  chan ticket.Dispatch
}

// taskBundle is the wire form of one dispatch.
type taskBundle struct {
	TicketID    int64           `json:"ticket_id"`
	Node        int             `json:"node"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Callbacks   []string        `json:"callbacks"`
	Fingerprint string          `json:"fingerprint"`
	IssuedAt    time.Time       `json:"issued_at"`
}

// NewDispatcher builds a Dispatcher over the configured fabric endpoint.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	var u, err = url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing fabric URL %q: %w", cfg.URL, err)
	}

	var d = &Dispatcher{
		cfg:   cfg,
		queue: make(chan ticket.Dispatch, 256),
	}

	switch u.Scheme {
	case "http", "https":
		d.target = cfg.URL + "/tasks"
		d.client = http.DefaultClient
	case "unix":
		// h2c client bound to the fabric's unix domain socket.
		// See: https://www.mailgun.com/blog/http-2-cleartext-h2c-client-example-go/
		var socketPath = u.Path
		d.target = "http://fabric/tasks"
		d.client = &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLS: func(_, _ string, _ *tls.Config) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported fabric URL scheme: %s", u.Scheme)
	}
	return d, nil
}

// Enqueue a Dispatch for delivery. It never blocks: when the queue is
// saturated the dispatch is dropped and logged, honoring at-most-once.
func (d *Dispatcher) Enqueue(dp ticket.Dispatch) {
	select {
	case d.queue <- dp:
		dispatchCounter.WithLabelValues("queued").Inc()
	default:
		dispatchCounter.WithLabelValues("dropped").Inc()
		_ = ops.PublishLog(ops.NewAdminPublisher(), ops.KindFailedToCallback,
			"dispatch queue saturated, dropping task bundle",
			"ticket", dp.TicketID, "node", dp.Node)
	}
}

// QueueTasks queues the dispatch service loop, which drains Enqueued
// bundles until the task group is cancelled.
func (d *Dispatcher) QueueTasks(tasks *task.Group) {
	tasks.Queue("fabricDispatchLoop", func() error {
		for {
			select {
			case dp := <-d.queue:
				if err := d.send(tasks.Context(), dp); err != nil {
					dispatchCounter.WithLabelValues("failed").Inc()
					_ = ops.PublishLog(ops.NewAdminPublisher(), ops.KindFailedToCallback,
						"task bundle delivery failed",
						"ticket", dp.TicketID, "node", dp.Node, "error", err)
				} else {
					dispatchCounter.WithLabelValues("sent").Inc()
				}
			case <-tasks.Context().Done():
				return nil
			}
		}
	})
}

func (d *Dispatcher) send(ctx context.Context, dp ticket.Dispatch) error {
	var bundle = taskBundle{
		TicketID:  dp.TicketID,
		Node:      dp.Node,
		Payload:   dp.Payload,
		Callbacks: dp.Callbacks,
		IssuedAt:  time.Now().UTC(),
	}
	bundle.Fingerprint = bundleFingerprint(dp)

	var body, err = json.Marshal(bundle)
	if err != nil {
		panic(err) // Bundle fields are always marshalable.
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCallbackExecute, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if d.cfg.Secret != "" {
		token, err := d.signToken(dp)
		if err != nil {
			return fmt.Errorf("%w: signing bundle: %s", ErrCallbackExecute, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCallbackExecute, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: fabric returned status %d", ErrCallbackExecute, resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) signToken(dp ticket.Dispatch) (string, error) {
	var now = time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":    "trellis",
		"aud":    "trellis-fabric",
		"iat":    now.Unix(),
		"exp":    now.Add(time.Hour).Unix(),
		"ticket": dp.TicketID,
		"node":   dp.Node,
	}).SignedString([]byte(d.cfg.Secret))
}

// VerifyToken checks a fabric-issued token accompanying a blocking-task
// re-entry. Callback payloads are trusted exactly as user payloads are, if
// and only if the fabric authenticates them; with no configured secret the
// check is disabled and the trust boundary is owned upstream.
func (d *Dispatcher) VerifyToken(token string) error {
	if d.cfg.Secret == "" {
		return nil
	}
	var _, err = jwt.Parse(token,
		func(*jwt.Token) (interface{}, error) { return []byte(d.cfg.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return fmt.Errorf("verifying fabric token: %w", err)
	}
	return nil
}

// bundleFingerprintKey keys the highwayhash of task bundles.
var bundleFingerprintKey = []byte("trellis.fabric.fingerprints.v1\x00\x00")

func bundleFingerprint(dp ticket.Dispatch) string {
	var h, err = highwayhash.New64(bundleFingerprintKey)
	if err != nil {
		panic(err) // Key is exactly 32 bytes.
	}
	fmt.Fprintf(h, "%d/%d/", dp.TicketID, dp.Node)
	_, _ = h.Write(dp.Payload)
	for _, cb := range dp.Callbacks {
		_, _ = h.Write([]byte(cb))
	}
	return hex.EncodeToString(h.Sum(nil))
}
