package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"remit/internal/account/models"
	ledgermodels "remit/internal/ledger/models"
	"remit/internal/platform/metrics"
	"remit/internal/platform/middleware"
	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
	"remit/pkg/platform/httputil"
	"remit/pkg/requestcontext"
)

// Service defines the account read operations.
type Service interface {
	GetAccount(ctx context.Context, actor id.OwnerID, accountID id.AccountID) (*models.Account, error)
	History(ctx context.Context, actor id.OwnerID, accountID id.AccountID, query ledgermodels.ListQuery) (*ledgermodels.Page, error)
}

// Handler serves the account view and transaction history.
type Handler struct {
	logger       *slog.Logger
	accounts     Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates an account Handler.
func New(
	accounts Service,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		accounts:     accounts,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register registers the account routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(middleware.LatencyMiddleware(h.metrics))
		r.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
		r.Get("/v1/accounts/{id}", h.handleGetAccount)
		r.Get("/v1/accounts/{id}/transactions", h.handleHistory)
	})
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, accountID, ok := h.target(w, r)
	if !ok {
		return
	}

	account, err := h.accounts.GetAccount(ctx, actor, accountID)
	if err != nil {
		h.logFailure(ctx, "failed to get account", accountID, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	query, err := parseListQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	page, err := h.accounts.History(ctx, actor, accountID, query)
	if err != nil {
		h.logFailure(ctx, "failed to list transactions", accountID, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toHistoryResponse(accountID, page))
}

// target extracts the acting owner and the {id} path parameter.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (id.OwnerID, id.AccountID, bool) {
	ctx := r.Context()
	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		h.logger.ErrorContext(ctx, "actor missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return id.OwnerID{}, id.AccountID{}, false
	}
	accountID, err := id.ParseAccountID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.OwnerID{}, id.AccountID{}, false
	}
	return actor, accountID, true
}

func (h *Handler) logFailure(ctx context.Context, msg string, accountID id.AccountID, err error) {
	level := slog.LevelWarn
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"account_id", accountID.String(),
		"error", err,
	)
}

// parseListQuery reads ?type=&before=&limit=. An absent type lists all types.
func parseListQuery(r *http.Request) (ledgermodels.ListQuery, error) {
	values := r.URL.Query()
	var query ledgermodels.ListQuery

	if raw := strings.TrimSpace(values.Get("type")); raw != "" {
		typ, err := ledgermodels.ParseType(raw)
		if err != nil {
			return query, err
		}
		query.Type = typ
	}
	if raw := values.Get("before"); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || before < 0 {
			return query, dErrors.New(dErrors.CodeValidation, "before must be a non-negative integer")
		}
		query.BeforeSeq = before
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return query, dErrors.New(dErrors.CodeValidation, "limit must be a positive integer")
		}
		query.Limit = limit
	}
	return query, nil
}
