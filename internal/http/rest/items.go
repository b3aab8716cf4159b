package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/luafetch/internal/credential"
	"github.com/italolelis/luafetch/internal/installer"
	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/orchestrator"
	"github.com/italolelis/luafetch/internal/state"
	"github.com/italolelis/luafetch/internal/transfer"
)

const maxRequestBody = 64 * 1024

// ItemService is the orchestration surface the API exposes.
type ItemService interface {
	Add(ctx context.Context, id state.ItemID, candidates []string) error
	SelectEndpoint(ctx context.Context, id state.ItemID, endpoint string) error
	Get(id state.ItemID) state.DownloadState
	Remove(ctx context.Context, id state.ItemID) (installer.RemoveResult, error)
}

// CredentialStore holds the backend credential.
type CredentialStore interface {
	Set(token string) error
	Configured() bool
	Masked() string
}

type ItemsHandler struct {
	items       ItemService
	credentials CredentialStore
	username    string
	password    string
}

// NewItemsHandler creates the API handler. Basic auth is enforced when username is not empty.
func NewItemsHandler(items ItemService, credentials CredentialStore, username, password string) *ItemsHandler {
	return &ItemsHandler{
		items:       items,
		credentials: credentials,
		username:    username,
		password:    password,
	}
}

type response struct {
	Success        bool                 `json:"success"`
	Error          string               `json:"error,omitempty"`
	RequiresNewKey bool                 `json:"requiresNewKey,omitempty"`
	State          *state.DownloadState `json:"state,omitempty"`
}

type addRequest struct {
	Endpoints []string `json:"endpoints"`
}

type selectRequest struct {
	Endpoint string `json:"endpoint"`
}

type removeResponse struct {
	Success      bool     `json:"success"`
	RemovedCount int      `json:"removedCount"`
	RemovedFiles []string `json:"removedFiles"`
}

type credentialRequest struct {
	Key string `json:"key"`
}

type credentialResponse struct {
	Success    bool   `json:"success"`
	Configured bool   `json:"configured"`
	Masked     string `json:"masked,omitempty"`
}

func (h *ItemsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/items/{id}", func(r chi.Router) {
		r.Post("/", h.HandleAdd)
		r.Get("/", h.HandleStatus)
		r.Delete("/", h.HandleRemove)
		r.Post("/endpoint", h.HandleSelectEndpoint)
	})

	r.Put("/credential", h.HandleSetCredential)
	r.Get("/credential", h.HandleCredentialStatus)

	return r
}

// HandleAdd queues an item and acknowledges immediately.
func (h *ItemsHandler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req addRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	err := h.items.Add(r.Context(), id, req.Endpoints)

	switch {
	case err == nil:
		writeJSON(r.Context(), w, http.StatusAccepted, response{Success: true})
	case errors.Is(err, transfer.ErrMissingCredential):
		writeJSON(r.Context(), w, http.StatusUnauthorized, response{
			Error:          "No API key set. Please set an API key first.",
			RequiresNewKey: true,
		})
	case errors.Is(err, orchestrator.ErrInProgress):
		writeError(r.Context(), w, http.StatusConflict, err)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(r.Context(), w, http.StatusServiceUnavailable, err)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, err)
	}
}

// HandleStatus returns the current state. An item never added has an empty status.
func (h *ItemsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	st := h.items.Get(id)

	writeJSON(r.Context(), w, http.StatusOK, response{Success: true, State: &st})
}

func (h *ItemsHandler) HandleSelectEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req selectRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	if req.Endpoint == "" {
		writeJSON(r.Context(), w, http.StatusBadRequest, response{Error: "endpoint is required"})

		return
	}

	err := h.items.SelectEndpoint(r.Context(), id, req.Endpoint)

	switch {
	case err == nil:
		writeJSON(r.Context(), w, http.StatusOK, response{Success: true})
	case errors.Is(err, orchestrator.ErrNotAwaitingChoice), errors.Is(err, orchestrator.ErrUnknownEndpoint):
		writeError(r.Context(), w, http.StatusConflict, err)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(r.Context(), w, http.StatusServiceUnavailable, err)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, err)
	}
}

func (h *ItemsHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	res, err := h.items.Remove(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, err)

		return
	}

	if res.NotFound() {
		writeJSON(r.Context(), w, http.StatusNotFound, response{Error: "no installed files found"})

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, removeResponse{
		Success:      true,
		RemovedCount: len(res.Removed),
		RemovedFiles: res.Removed,
	})
}

func (h *ItemsHandler) HandleSetCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	if err := h.credentials.Set(req.Key); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err)

		return
	}

	logctx.LoggerFromContext(r.Context()).Info("api key updated", "key", h.credentials.Masked())

	writeJSON(r.Context(), w, http.StatusOK, credentialResponse{
		Success:    true,
		Configured: true,
		Masked:     h.credentials.Masked(),
	})
}

func (h *ItemsHandler) HandleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, credentialResponse{
		Success:    true,
		Configured: h.credentials.Configured(),
		Masked:     h.credentials.Masked(),
	})
}

func (h *ItemsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="luafetch"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseID(w http.ResponseWriter, r *http.Request) (state.ItemID, bool) {
	id, err := state.ParseItemID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err)

		return 0, false
	}

	return id, true
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		logctx.LoggerFromContext(r.Context()).Warn("failed to decode request", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, response{Error: "invalid request body"})

		return false
	}

	return true
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).Error("request failed", "err", err)
	}

	writeJSON(ctx, w, status, response{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

var _ CredentialStore = (*credential.Holder)(nil)
