// Package actor identifies who or what caused a stock movement. Every
// ledger entry records the actor label so bin cards stay auditable.
package actor

import (
	"context"
)

// SystemID is the identifier of background jobs such as the expiry sweep.
const SystemID = "system"

// Actor represents the entity performing an action.
type Actor struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

// String returns the label written to ledger entries.
func (a *Actor) String() string {
	if a == nil || a.ID == "" {
		return SystemID
	}
	if a.Name == "" {
		return a.ID
	}
	return a.Name + " <" + a.ID + ">"
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	return a == nil || a.ID == "" || a.ID == SystemID
}

type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context, or nil.
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// Resolve returns explicit when set, otherwise the label of the actor in
// ctx, falling back to the system actor.
func Resolve(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return FromContext(ctx).String()
}

// SystemActor returns an Actor representing the system itself.
func SystemActor() *Actor {
	return &Actor{ID: SystemID, Name: "stock-ledger"}
}
