package testutil

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	id "remit/pkg/domain"
	"remit/pkg/requestcontext"
)

// WithActor sets the acting owner on the request, as RequireAuth would after
// validating a bearer token.
func WithActor(req *http.Request, actor id.OwnerID) *http.Request {
	return req.WithContext(requestcontext.WithActorID(req.Context(), actor))
}

// WithRequestID sets the request id the RequestID middleware would assign.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithURLParams attaches chi URL parameters so handlers can be called directly
// without routing. Pairs are key, value, key, value...
func WithURLParams(req *http.Request, pairs ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(pairs); i += 2 {
		rctx.URLParams.Add(pairs[i], pairs[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}
