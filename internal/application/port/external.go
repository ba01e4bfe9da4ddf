package port

import (
	"context"
)

// Principal is the authenticated caller of the HTTP surface
type Principal struct {
	// UserRef is the caller entity ref, e.g. user:default/alice
	UserRef string
	// OwnershipRefs lists the refs the caller owns or belongs to, including UserRef
	OwnershipRefs []string
}

// IdentityResolver turns a bearer token into a principal
type IdentityResolver interface {
	ResolveToken(ctx context.Context, token string) (*Principal, error)
}

// CatalogEntity is the subset of a catalog entity used for title enrichment
type CatalogEntity struct {
	Ref       string
	Kind      string
	Namespace string
	Name      string
	Title     string
}

// DisplayName returns the entity title, falling back to its ref
func (e *CatalogEntity) DisplayName() string {
	if e.Title != "" {
		return e.Title
	}
	return e.Ref
}

// EntityCatalog looks up entities by ref. Unknown refs yield apperr.ErrNotFound.
type EntityCatalog interface {
	GetEntityByRef(ctx context.Context, ref string) (*CatalogEntity, error)
}

// DecisionNotifier wakes waiters blocked on a request as soon as it changes
type DecisionNotifier interface {
	// Notify signals that request id changed
	Notify(ctx context.Context, requestID string) error

	// Subscribe returns a channel that receives a value when request id
	// changes. The returned func releases the subscription.
	Subscribe(ctx context.Context, requestID string) (<-chan struct{}, func(), error)
}

// ChatSender delivers a text message to a chat channel
type ChatSender interface {
	SendText(ctx context.Context, text string) error
}
