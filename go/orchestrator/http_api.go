package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/trellis-hq/trellis/go/store"
	"github.com/trellis-hq/trellis/go/ticket"
)

// API is the surface the HTTP layer serves. *Service implements it.
type API interface {
	Create(ctx context.Context, req CreateRequest) (*ticket.Ticket, error)
	Update(ctx context.Context, req UpdateRequest) (*ticket.Ticket, error)
	ListForUser(ctx context.Context, userID uuid.UUID) (*UserTickets, error)
	CreateRole(ctx context.Context, role string) error
	Roles(ctx context.Context) ([]string, error)
}

func serveCreateTicket(api API, w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		serveError(w, r, err, http.StatusBadRequest)
		return
	}
	tk, err := api.Create(r.Context(), req)
	if err != nil {
		serveError(w, r, err, statusFor(err))
		return
	}
	serveJSON(w, http.StatusCreated, tk)
}

func serveUpdateTicket(api API, w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		serveError(w, r, err, http.StatusBadRequest)
		return
	}
	tk, err := api.Update(r.Context(), req)
	if err != nil {
		serveError(w, r, err, statusFor(err))
		return
	}
	serveJSON(w, http.StatusAccepted, tk)
}

func serveUserTickets(api API, w http.ResponseWriter, r *http.Request) {
	var userID, err = uuid.Parse(mux.Vars(r)["userid"])
	if err != nil {
		serveError(w, r, err, http.StatusBadRequest)
		return
	}
	tickets, err := api.ListForUser(r.Context(), userID)
	if err != nil {
		serveError(w, r, err, statusFor(err))
		return
	}
	serveJSON(w, http.StatusOK, tickets)
}

func serveCreateRole(api API, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		serveError(w, r, errors.New("expected non-empty role"), http.StatusBadRequest)
		return
	}
	if err := api.CreateRole(r.Context(), req.Role); err != nil {
		serveError(w, r, err, statusFor(err))
		return
	}
	serveJSON(w, http.StatusCreated, req)
}

func serveRoles(api API, w http.ResponseWriter, r *http.Request) {
	var roles, err = api.Roles(r.Context())
	if err != nil {
		serveError(w, r, err, statusFor(err))
		return
	}
	serveJSON(w, http.StatusOK, roles)
}

// statusFor maps a service error onto its HTTP status. Advancement
// rejections are the caller's fault and surface as Forbidden; anything
// unrecognized is a server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ticket.ErrInvalidTicket),
		errors.Is(err, ErrTicketClosed),
		errors.Is(err, ErrFabricToken):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func serveJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func serveError(w http.ResponseWriter, r *http.Request, err error, status int) {
	log.WithFields(log.Fields{"err": err, "url": r.URL.String(), "client": r.RemoteAddr}).
		Warn("ticket api request failed")
	http.Error(w, err.Error(), status)
}
