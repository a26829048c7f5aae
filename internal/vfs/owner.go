package vfs

import (
	"context"

	"fedfs/internal/lock"
)

type ownerKey struct{}

// WithOwner returns a context carrying o as the owner of the operation.
// An owner must not be used by goroutines running concurrently.
func WithOwner(ctx context.Context, o *lock.Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom returns the owner carried by ctx.
func OwnerFrom(ctx context.Context) (*lock.Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(*lock.Owner)
	return o, ok && o != nil
}

// EnsureOwner returns ctx and its owner, attaching a fresh owner if ctx
// carries none.
func EnsureOwner(ctx context.Context) (context.Context, *lock.Owner) {
	if o, ok := OwnerFrom(ctx); ok {
		return ctx, o
	}
	o := lock.NewOwner()
	return WithOwner(ctx, o), o
}
