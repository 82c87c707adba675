package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	ledgermodels "remit/internal/ledger/models"
	"remit/internal/platform/metrics"
	"remit/internal/platform/middleware"
	"remit/internal/transfer/service"
	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
	"remit/pkg/platform/httputil"
	"remit/pkg/requestcontext"
)

// Service is the transfer engine as seen by the transport.
type Service interface {
	Transfer(ctx context.Context, req service.Request) (*service.Result, error)
}

// Handler serves the transfer endpoint.
type Handler struct {
	logger       *slog.Logger
	transfers    Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates a transfer Handler.
func New(
	transfers Service,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		transfers:    transfers,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register registers the transfer routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.LatencyMiddleware(h.metrics))
		r.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
		r.Post("/v1/transfers", h.handleTransfer)
	})
}

// handleTransfer moves funds from one of the caller's accounts.
// 201 when the transfer executed, 200 when the idempotency key replayed it.
func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		h.logger.ErrorContext(ctx, "actor missing from context despite auth middleware",
			"request_id", requestID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	body, ok := httputil.DecodeAndPrepare[TransferRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	key, err := idempotencyKey(r.Header.Get(IdempotencyKeyHeader), body.IdempotencyKey)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	senderID, err := id.ParseAccountID(body.SenderAccountID)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "sender_account_id must be a valid account id"))
		return
	}
	typ, err := ledgermodels.ParseType(body.Type)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.transfers.Transfer(ctx, service.Request{
		ActorID:          actor,
		SenderID:         senderID,
		RecipientContact: body.RecipientContact,
		Amount:           body.Amount,
		Type:             typ,
		IdempotencyKey:   key,
	})
	if err != nil {
		// The engine logs the failure with its full context.
		httputil.WriteError(w, err)
		return
	}

	w.Header().Set(IdempotencyKeyHeader, res.IdempotencyKey)
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, toResponse(res))
}

func idempotencyKey(header, field string) (string, error) {
	switch {
	case header == "":
		return field, nil
	case field == "" || field == header:
		return header, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "Idempotency-Key header and idempotency_key field disagree")
	}
}
