// Package tenant holds tenant identifier validation, lock key derivation and
// request context helpers.
package tenant

import (
	"context"
	"hash/fnv"
	"regexp"

	"tenantdb/internal/dberr"
)

// MaxNameLength bounds a tenant name so the prefixed database name stays
// within PostgreSQL's 63 byte identifier limit and MySQL's 64.
const MaxNameLength = 48

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// ValidateName checks a tenant identifier against the allow-list before it is
// ever spliced into a database name or SQL text.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &dberr.InvalidTenantNameError{Name: name, Reason: "must not be empty"}
	case len(name) > MaxNameLength:
		return &dberr.InvalidTenantNameError{Name: name, Reason: "must be at most 48 characters"}
	case !namePattern.MatchString(name):
		return &dberr.InvalidTenantNameError{
			Name:   name,
			Reason: "must start with a lowercase letter and contain only lowercase letters, digits and underscores",
		}
	}
	return nil
}

// LockKey maps a tenant to a stable 64-bit advisory lock key so every process
// contends on the same lock for the same tenant.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("tenant:" + name))
	return int64(h.Sum64())
}

type ctxKey int

const (
	tenantKey ctxKey = iota
	actorKey
)

// WithTenant stores the tenant name in ctx.
func WithTenant(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, tenantKey, name)
}

// FromContext returns the tenant name stored in ctx.
func FromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(tenantKey).(string)
	return name, ok && name != ""
}

// WithActor stores the acting user ID in ctx for audit context.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext returns the acting user ID stored in ctx.
func ActorFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(actorKey).(string)
	return id, ok && id != ""
}
