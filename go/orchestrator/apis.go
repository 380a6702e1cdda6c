package orchestrator

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.gazette.dev/core/server"
)

// NewRouter builds the ticket API router over the given API.
func NewRouter(api API) *mux.Router {
	var router = mux.NewRouter()

	router.
		Path("/ticket").
		Methods("POST").
		Headers("Content-Type", "application/json").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveCreateTicket(api, w, r) })
	router.
		Path("/ticket").
		Methods("PUT").
		Headers("Content-Type", "application/json").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveUpdateTicket(api, w, r) })
	router.
		Path("/ticket").
		Methods("GET").
		Queries("userid", "{userid}").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveUserTickets(api, w, r) })
	router.
		Path("/role").
		Methods("POST").
		Headers("Content-Type", "application/json").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveCreateRole(api, w, r) })
	router.
		Path("/roles").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveRoles(api, w, r) })
	router.
		Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())

	return router
}

// RegisterAPIs registers all ticket APIs with the *Server instance.
func RegisterAPIs(srv *server.Server, api API) {
	srv.HTTPMux.Handle("/", NewRouter(api))
}
