// Package api exposes the transfer engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sebas/switchyard/internal/calld/apierr"
	"github.com/sebas/switchyard/internal/calld/observability"
	"github.com/sebas/switchyard/internal/calld/transfer"
	"github.com/sebas/switchyard/internal/logger"
)

// TransferService is the operation surface the HTTP layer drives.
type TransferService interface {
	Create(ctx context.Context, req transfer.CreateRequest) (*transfer.Transfer, error)
	CreateFromUser(ctx context.Context, userUUID string, req transfer.UserCreateRequest) (*transfer.Transfer, error)
	Get(ctx context.Context, transferID string) (*transfer.Transfer, error)
	GetFromUser(ctx context.Context, userUUID, transferID string) (*transfer.Transfer, error)
	List(ctx context.Context) ([]*transfer.Transfer, error)
	ListFromUser(ctx context.Context, userUUID string) ([]*transfer.Transfer, error)
	Complete(ctx context.Context, transferID string) error
	CompleteFromUser(ctx context.Context, userUUID, transferID string) error
	Cancel(ctx context.Context, transferID string) error
	CancelFromUser(ctx context.Context, userUUID, transferID string) error
}

// TokenResolver turns request credentials into a user identity for the
// users/me routes.
type TokenResolver interface {
	ResolveUserUUID(r *http.Request) (string, error)
}

// HeaderTokenResolver trusts an upstream gateway to have authenticated
// the request and to forward the user identity in a header.
type HeaderTokenResolver struct {
	Header string
}

func (h HeaderTokenResolver) ResolveUserUUID(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = "X-User-UUID"
	}
	uuid := strings.TrimSpace(r.Header.Get(name))
	if uuid == "" {
		return "", apierr.NewTokenWithUserRequired()
	}
	return uuid, nil
}

// Pinger reports whether the call-control endpoint answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	service TransferService
	tokens  TokenResolver
	pinger  Pinger
}

func New(service TransferService, tokens TokenResolver, pinger Pinger) *Server {
	if tokens == nil {
		tokens = HeaderTokenResolver{}
	}
	return &Server{service: service, tokens: tokens, pinger: pinger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/transfers", s.handleCreate)
	r.Get("/v1/transfers", s.handleList)
	r.Get("/v1/transfers/{id}", s.handleGet)
	r.Put("/v1/transfers/{id}/complete", s.handleComplete)
	r.Delete("/v1/transfers/{id}", s.handleCancel)

	r.Post("/v1/users/me/transfers", s.handleUserCreate)
	r.Get("/v1/users/me/transfers", s.handleUserList)
	r.Get("/v1/users/me/transfers/{id}", s.handleUserGet)
	r.Put("/v1/users/me/transfers/{id}/complete", s.handleUserComplete)
	r.Delete("/v1/users/me/transfers/{id}", s.handleUserCancel)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, map[string]any{"status": status})
}

type createBody struct {
	TransferredCall string `json:"transferred_call"`
	InitiatorCall   string `json:"initiator_call"`
	Context         string `json:"context"`
	Exten           string `json:"exten"`
	Flow            string `json:"flow"`
	Timeout         int    `json:"timeout"`
}

type userCreateBody struct {
	InitiatorCall string `json:"initiator_call"`
	Exten         string `json:"exten"`
	Flow          string `json:"flow"`
	Timeout       int    `json:"timeout"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, apierr.NewValidation(map[string]any{"body": err.Error()}))
		return
	}
	t, err := s.service.Create(r.Context(), transfer.CreateRequest{
		TransferredCall: body.TransferredCall,
		InitiatorCall:   body.InitiatorCall,
		Context:         body.Context,
		Exten:           body.Exten,
		Flow:            body.Flow,
		Timeout:         body.Timeout,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Complete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	userUUID, err := s.tokens.ResolveUserUUID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body userCreateBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, apierr.NewValidation(map[string]any{"body": err.Error()}))
		return
	}
	t, err := s.service.CreateFromUser(r.Context(), userUUID, transfer.UserCreateRequest{
		InitiatorCall: body.InitiatorCall,
		Exten:         body.Exten,
		Flow:          body.Flow,
		Timeout:       body.Timeout,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	userUUID, err := s.tokens.ResolveUserUUID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	items, err := s.service.ListFromUser(r.Context(), userUUID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	userUUID, err := s.tokens.ResolveUserUUID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	t, err := s.service.GetFromUser(r.Context(), userUUID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleUserComplete(w http.ResponseWriter, r *http.Request) {
	userUUID, err := s.tokens.ResolveUserUUID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.service.CompleteFromUser(r.Context(), userUUID, chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserCancel(w http.ResponseWriter, r *http.Request) {
	userUUID, err := s.tokens.ResolveUserUUID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.service.CancelFromUser(r.Context(), userUUID, chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Message   string         `json:"message"`
	ErrorID   string         `json:"error_id"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps the error taxonomy onto HTTP. Anything without a
// typed error becomes a 500 with a generic id, the detail stays in the
// server log.
func respondError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	now := time.Now().UTC().Format(time.RFC3339)
	if errors.As(err, &apiErr) {
		respondJSON(w, apiErr.StatusCode, errorBody{
			Message:   apiErr.Message,
			ErrorID:   apiErr.ID,
			Details:   apiErr.Details,
			Timestamp: now,
		})
		return
	}
	logger.Error("[API] Unhandled error", slog.Any("error", err))
	respondJSON(w, http.StatusInternalServerError, errorBody{
		Message:   "Internal error",
		ErrorID:   "internal-error",
		Timestamp: now,
	})
}
