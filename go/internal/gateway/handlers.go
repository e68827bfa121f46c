package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/studylane/studylane/go/internal/duel"
	"github.com/studylane/studylane/go/internal/identity"
	"github.com/studylane/studylane/go/internal/users"
)

// Handler serves the duel HTTP API and the duel view WebSocket.
type Handler struct {
	duels    *duel.App
	users    *users.App
	ident    identity.Provider
	cm       *ConnectionManager
	registry *SessionRegistry
}

// NewHandler creates the gateway HTTP handler.
func NewHandler(duels *duel.App, userApp *users.App, ident identity.Provider, cm *ConnectionManager, registry *SessionRegistry) *Handler {
	return &Handler{
		duels:    duels,
		users:    userApp,
		ident:    ident,
		cm:       cm,
		registry: registry,
	}
}

// RegisterRoutes registers all gateway routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/duels", h.handleCreateDuel)
	mux.HandleFunc("POST /api/duels/{id}/respond", h.handleRespondDuel)
	mux.HandleFunc("GET /api/duels", h.handleListDuels)
	mux.HandleFunc("GET /api/users", h.handleListOpponents)
	mux.HandleFunc("GET /api/users/{id}", h.handleGetUser)
	mux.HandleFunc("GET /ws/duel", h.handleDuelSocket)
	mux.HandleFunc("GET /health", h.handleHealth)
}

type createDuelBody struct {
	OpponentID uuid.UUID `json:"opponent_id"`
}

func (h *Handler) handleCreateDuel(w http.ResponseWriter, r *http.Request) {
	user, err := h.ident.UserFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body createDuelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.duels.CreateDuel(r.Context(), duel.CreateDuelRequest{
		ChallengerID: user.ID,
		OpponentID:   body.OpponentID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type respondDuelBody struct {
	Accept bool `json:"accept"`
}

func (h *Handler) handleRespondDuel(w http.ResponseWriter, r *http.Request) {
	user, err := h.ident.UserFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	duelID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid duel id")
		return
	}

	var body respondDuelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.duels.RespondDuel(r.Context(), duelID, duel.RespondDuelRequest{
		UserID: user.ID,
		Accept: body.Accept,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleListDuels(w http.ResponseWriter, r *http.Request) {
	user, err := h.ident.UserFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	list, err := h.duels.ListDuels(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleListOpponents(w http.ResponseWriter, r *http.Request) {
	user, err := h.ident.UserFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	opponents, err := h.users.ListOpponents(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opponents)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, err := h.ident.UserFromRequest(r); err != nil {
		writeError(w, err)
		return
	}

	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	u, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) handleDuelSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.ident.UserFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	duelID, err := uuid.Parse(r.URL.Query().Get("duel_id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "duel_id is required")
		return
	}

	if _, err := h.registry.Attach(r.Context(), duelID, user.ID, user.DisplayName); err != nil {
		writeError(w, err)
		return
	}

	if err := h.cm.UpgradeConnection(w, r, user.ID, duelID); err != nil {
		// The socket never opened, so no disconnect callback will fire.
		h.registry.HandleDisconnect(duelID, user.ID)
		log.Error().
			Err(err).
			Str("duel_id", duelID.String()).
			Msg("failed to upgrade duel WebSocket")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the duel error taxonomy onto HTTP statuses. Validation
// and conflict errors surface inline at the point of the user action.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, duel.ErrNoOpponent), errors.Is(err, duel.ErrSelfChallenge):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, duel.ErrNotPending):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, duel.ErrNotInvitee):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, duel.ErrNotFound), errors.Is(err, users.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrUnauthenticated):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	default:
		log.Error().Err(err).Msg("internal error")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
