package connstr

import (
	"tenantdb/internal/tenant"
)

// DefaultTenantPrefix is prepended to tenant names to form database names.
const DefaultTenantPrefix = "agency_"

// TenantDescriptor is the immutable connection identity of one tenant.
type TenantDescriptor struct {
	Name   string
	Target Target
}

// Options tunes a Resolver.
type Options struct {
	// TenantPrefix defaults to DefaultTenantPrefix.
	TenantPrefix string
	// MainDatabase is used for the control-plane pool when the base URL
	// names no database.
	MainDatabase string
}

// Resolver derives the control-plane and per-tenant targets from one base URL.
type Resolver struct {
	base   Target
	prefix string
	main   string
}

// NewResolver parses baseURL and returns a Resolver.
func NewResolver(baseURL string, opts Options) (*Resolver, error) {
	base, err := Parse(baseURL)
	if err != nil {
		return nil, err
	}
	prefix := opts.TenantPrefix
	if prefix == "" {
		prefix = DefaultTenantPrefix
	}
	main := base.Database
	if main == "" {
		main = opts.MainDatabase
	}
	if main == "" && base.Family() == FamilyPostgres {
		main = "postgres"
	}
	return &Resolver{base: base, prefix: prefix, main: main}, nil
}

// Family returns the dialect family of the base URL.
func (r *Resolver) Family() string {
	return r.base.Family()
}

// Main returns the control-plane target.
func (r *Resolver) Main() Target {
	return r.base.WithDatabase(r.main)
}

// DatabaseName returns the database name of a tenant. The name is not validated.
func (r *Resolver) DatabaseName(name string) string {
	return r.prefix + name
}

// ForTenant validates name and returns its descriptor.
func (r *Resolver) ForTenant(name string) (TenantDescriptor, error) {
	if err := tenant.ValidateName(name); err != nil {
		return TenantDescriptor{}, err
	}
	return TenantDescriptor{
		Name:   name,
		Target: r.base.WithDatabase(r.DatabaseName(name)),
	}, nil
}
