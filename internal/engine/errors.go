package engine

import (
	"errors"
	"fmt"
	"strings"

	"repairline/internal/domain"
	"repairline/internal/repo"
)

// NotFoundError means the entity does not exist or is not owned by the
// caller's organization.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// ValidationError reports a bad decision value, option selection or payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidStatusError means an operation needs the health check in one of
// Allowed.
type InvalidStatusError struct {
	Op      string
	Status  domain.Status
	Allowed []domain.Status
}

func (e InvalidStatusError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	if len(allowed) == 0 {
		return fmt.Sprintf("%s not allowed from status %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s not allowed from status %s (allowed: %s)", e.Op, e.Status, strings.Join(allowed, ", "))
}

// ErrLinkExpired is returned for a portal token past its expiry.
var ErrLinkExpired = errors.New("portal link expired")

// notFound maps repo.ErrNotFound onto a NotFoundError for kind/id.
func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return err
}
