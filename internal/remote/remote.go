// Package remote talks to the relational backend that owns the canonical
// copy of every record.
//
// The production implementation is a PostgREST client (Client); Memory is an
// in-process stand-in with the same error behaviour, used by tests and by
// `offsync run --memory`.
package remote

import (
	"context"

	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// Repository is the remote CRUD surface for one entity type. Every call is
// scoped by owner through the records themselves.
type Repository interface {
	EntityType() schema.EntityType

	// GetAll returns every record owned by owner, oldest first.
	GetAll(ctx context.Context, owner string) ([]schema.Variant, error)

	// Create inserts record and returns it as stored by the server.
	Create(ctx context.Context, record schema.Variant) (schema.Variant, error)

	// Update applies patch to record id and returns the updated record. The
	// server stamps updated_at.
	Update(ctx context.Context, id string, patch schema.Patch) (schema.Variant, error)

	// Delete removes record id. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
}

// Backend hands out one Repository per entity type.
type Backend interface {
	Repository(t schema.EntityType) Repository
}
