package fabric

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/trellis-hq/trellis/go/ticket"
	"go.gazette.dev/core/task"
)

func TestDispatchDeliversSignedBundle(t *testing.T) {
	var received = make(chan *http.Request, 1)
	var bodies = make(chan taskBundle, 1)

	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var bundle taskBundle
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bundle))
		bodies <- bundle
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var d, err = NewDispatcher(Config{URL: srv.URL, Secret: "sesame"})
	require.NoError(t, err)

	var tasks = task.NewGroup(context.Background())
	d.QueueTasks(tasks)
	tasks.GoRun()

	var payload = json.RawMessage(`{"note":"expedite"}`)
	d.Enqueue(ticket.Dispatch{
		TicketID:  7,
		Node:      2,
		Payload:   payload,
		Callbacks: []string{"provision", "audit"},
	})

	select {
	case r := <-received:
		require.Equal(t, "/tasks", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var auth = r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "Bearer "))

		tok, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "),
			func(*jwt.Token) (interface{}, error) { return []byte("sesame"), nil },
			jwt.WithValidMethods([]string{"HS256"}))
		require.NoError(t, err)
		require.True(t, tok.Valid)

	case <-time.After(5 * time.Second):
		t.Fatal("bundle was not delivered")
	}

	var bundle = <-bodies
	require.Equal(t, int64(7), bundle.TicketID)
	require.Equal(t, 2, bundle.Node)
	require.Equal(t, payload, bundle.Payload)
	require.Equal(t, []string{"provision", "audit"}, bundle.Callbacks)
	require.NotEmpty(t, bundle.Fingerprint)
	require.False(t, bundle.IssuedAt.IsZero())

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
}

func TestDispatchWithoutSecretIsUnsigned(t *testing.T) {
	var headers = make(chan string, 1)
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	var d, err = NewDispatcher(Config{URL: srv.URL})
	require.NoError(t, err)

	var tasks = task.NewGroup(context.Background())
	d.QueueTasks(tasks)
	tasks.GoRun()

	d.Enqueue(ticket.Dispatch{TicketID: 1, Node: 0, Callbacks: []string{"noop"}})

	select {
	case auth := <-headers:
		require.Empty(t, auth)
	case <-time.After(5 * time.Second):
		t.Fatal("bundle was not delivered")
	}

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
}

func TestEnqueueNeverBlocks(t *testing.T) {
	// No service loop is draining: the queue saturates and further
	// dispatches are dropped rather than blocking the caller.
	var d, err = NewDispatcher(Config{URL: "http://localhost:1"})
	require.NoError(t, err)

	for i := 0; i != cap(d.queue)+10; i++ {
		d.Enqueue(ticket.Dispatch{TicketID: int64(i)})
	}
	require.Len(t, d.queue, cap(d.queue))
}

func TestVerifyToken(t *testing.T) {
	var d, err = NewDispatcher(Config{URL: "http://localhost:1", Secret: "sesame"})
	require.NoError(t, err)

	token, err := d.signToken(ticket.Dispatch{TicketID: 9, Node: 3})
	require.NoError(t, err)
	require.NoError(t, d.VerifyToken(token))

	// A token signed under a different secret is rejected.
	var other, _ = NewDispatcher(Config{URL: "http://localhost:1", Secret: "different"})
	otherToken, err := other.signToken(ticket.Dispatch{TicketID: 9, Node: 3})
	require.NoError(t, err)
	require.Error(t, d.VerifyToken(otherToken))

	// Garbage is rejected.
	require.Error(t, d.VerifyToken("not.a.token"))

	// With no configured secret, verification is disabled.
	var open, _ = NewDispatcher(Config{URL: "http://localhost:1"})
	require.NoError(t, open.VerifyToken("anything"))
}

func TestUnsupportedFabricScheme(t *testing.T) {
	var _, err = NewDispatcher(Config{URL: "ftp://fabric"})
	require.Error(t, err)
}
