package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"regexp"
	"slices"
	"syscall"

	"tenantdb/internal/dberr"
	"tenantdb/internal/sqlutil"
)

// codeRule maps one driver error code to a signal kind and says which
// submatches of pattern carry the qualifier, column and table names.
// A zero index means the message does not carry that part.
type codeRule struct {
	kind      dberr.SignalKind
	pattern   *regexp.Regexp
	qualifier int
	column    int
	table     int
}

// driverDetail is the code and structured fields pulled from a driver error.
type driverDetail struct {
	code    string
	message string
	table   string
	column  string
}

func buildSignal(rules map[string]codeRule, d driverDetail, statement string) dberr.ErrorSignal {
	sig := dberr.ErrorSignal{
		Kind:    dberr.KindUnknown,
		Code:    d.code,
		Message: d.message,
		Tables:  sqlutil.ReferencedTables(statement),
	}
	rule, ok := rules[d.code]
	if !ok {
		return sig
	}
	sig.Kind = rule.kind
	sig.Table = d.table
	sig.Column = d.column

	if m := rule.pattern.FindStringSubmatch(d.message); m != nil {
		if sig.Column == "" && rule.column > 0 {
			sig.Column = m[rule.column]
		}
		if sig.Table == "" && rule.table > 0 {
			sig.Table = m[rule.table]
		}
		// A qualifier is often an alias; only trust it when the statement
		// references a table of that name.
		if sig.Table == "" && rule.qualifier > 0 && m[rule.qualifier] != "" && slices.Contains(sig.Tables, m[rule.qualifier]) {
			sig.Table = m[rule.qualifier]
		}
	}
	if sig.Table == "" && sig.Kind != dberr.KindMissingTable && len(sig.Tables) == 1 {
		sig.Table = sig.Tables[0]
	}
	return sig
}

// isTransportError recognizes connection failures that carry no server code.
func isTransportError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
