// Package recipient turns a human contact key into exactly one account.
package recipient

import (
	"context"
	"log/slog"

	"remit/internal/account/models"
	dErrors "remit/pkg/domain-errors"
)

// Directory looks accounts up by normalized contact.
type Directory interface {
	FindByContact(ctx context.Context, contact string) ([]*models.Account, error)
}

// Resolver resolves a contact to a single account. Zero or several matches
// are errors; it never picks one of several.
type Resolver struct {
	directory Directory
	logger    *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for lookup diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func New(directory Directory, opts ...Option) *Resolver {
	r := &Resolver{directory: directory, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the only account registered under contact.
//
// Errors:
//   - CodeValidation when the contact is empty after normalization
//   - CodeNotFound when nothing matches
//   - CodeAmbiguousMatch when more than one account matches
//   - CodeInternal when the directory fails
func (r *Resolver) Resolve(ctx context.Context, contact string) (*models.Account, error) {
	normalized := models.NormalizeContact(contact)
	if normalized == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "recipient contact is required")
	}
	matches, err := r.directory.FindByContact(ctx, normalized)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up recipient")
	}
	switch len(matches) {
	case 0:
		return nil, dErrors.New(dErrors.CodeNotFound, "no account is registered for this contact")
	case 1:
		return matches[0], nil
	default:
		r.logger.WarnContext(ctx, "recipient contact matches several accounts",
			"matches", len(matches),
		)
		return nil, dErrors.New(dErrors.CodeAmbiguousMatch, "contact matches more than one account")
	}
}
