// Package dberr defines the typed errors surfaced by the tenant database
// substrate and the ErrorSignal produced by dialect error classification.
package dberr

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockContention reports that another process holds the schema lock for a
// tenant and readiness did not arrive within the wait budget.
var ErrLockContention = errors.New("schema lock held by another process")

// ErrRegistryClosed is returned by pool lookups after CloseAll.
var ErrRegistryClosed = errors.New("pool registry closed")

// ConfigurationError reports an unusable process configuration.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InvalidTenantNameError reports a tenant identifier outside the allow-list.
type InvalidTenantNameError struct {
	Name   string
	Reason string
}

func (e *InvalidTenantNameError) Error() string {
	return fmt.Sprintf("invalid tenant name %q: %s", e.Name, e.Reason)
}

// ConnectionError reports that a tenant (or the main) database could not be reached.
type ConnectionError struct {
	Tenant string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Tenant == "" {
		return fmt.Sprintf("database connection failed: %v", e.Err)
	}
	return fmt.Sprintf("database connection failed for tenant %s: %v", e.Tenant, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StatementTimeoutError reports a statement that exceeded its deadline.
type StatementTimeoutError struct {
	Tenant  string
	Timeout time.Duration
	Err     error
}

func (e *StatementTimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("statement for tenant %s timed out after %s", e.Tenant, e.Timeout)
	}
	return fmt.Sprintf("statement for tenant %s timed out", e.Tenant)
}

func (e *StatementTimeoutError) Unwrap() error { return e.Err }

// TenantNotReadyError reports that a tenant database could not be made ready.
type TenantNotReadyError struct {
	Tenant string
	Err    error
}

func (e *TenantNotReadyError) Error() string {
	return fmt.Sprintf("tenant %s is not ready: %v", e.Tenant, e.Err)
}

func (e *TenantNotReadyError) Unwrap() error { return e.Err }

// SchemaDriftError is surfaced when repair-then-retry still fails with drift.
type SchemaDriftError struct {
	Tenant string
	Signal ErrorSignal
	Err    error
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("schema drift in tenant %s (%s): %v", e.Tenant, e.Signal, e.Err)
}

func (e *SchemaDriftError) Unwrap() error { return e.Err }

// RepairFailedError reports a repair whose verification did not pass.
type RepairFailedError struct {
	Tenant  string
	Signal  ErrorSignal
	Outcome string
	Err     error
}

func (e *RepairFailedError) Error() string {
	msg := fmt.Sprintf("schema repair failed for tenant %s (%s)", e.Tenant, e.Signal)
	if e.Outcome != "" {
		msg += " after " + e.Outcome
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RepairFailedError) Unwrap() error { return e.Err }

// StatementError is any other database failure, with the driver code preserved.
type StatementError struct {
	Tenant  string
	Code    string
	Message string
	Err     error
}

func (e *StatementError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("statement failed for tenant %s [%s]: %s", e.Tenant, e.Code, e.Message)
	}
	return fmt.Sprintf("statement failed for tenant %s: %s", e.Tenant, e.Message)
}

func (e *StatementError) Unwrap() error { return e.Err }

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsInvalidTenant reports whether err is (or wraps) an InvalidTenantNameError.
func IsInvalidTenant(err error) bool {
	var target *InvalidTenantNameError
	return errors.As(err, &target)
}
